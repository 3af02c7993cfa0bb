package handlers

import (
	"context"
	"fmt"
	"strings"
)

// CommandResult is one command's outcome within a command_run job.
type CommandResult struct {
	Command string `json:"command"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CommandRunHandler executes a fixed list of diagnostic commands
// supplied via job parameters and returns their raw output. A single
// command failing does not abort the rest of the list; it is recorded
// against that command alone.
type CommandRunHandler struct{}

// NewCommandRunHandler returns a CommandRunHandler.
func NewCommandRunHandler() *CommandRunHandler {
	return &CommandRunHandler{}
}

func (h *CommandRunHandler) Metadata() Metadata {
	return Metadata{Label: "Run Commands", HasParameters: true, RequiresSession: true}
}

func (h *CommandRunHandler) Execute(ctx context.Context, req ExecRequest) (map[string]any, error) {
	if req.Session == nil {
		return nil, fmt.Errorf("handlers: command_run requires an open session")
	}

	commands := splitCommands(req.Params["commands"])
	if len(commands) == 0 {
		return nil, fmt.Errorf("handlers: command_run: no commands supplied")
	}

	results := make([]CommandResult, 0, len(commands))
	for _, cmd := range commands {
		output, err := req.Session.Run(ctx, cmd)
		entry := CommandResult{Command: cmd}
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Output = output
		}
		results = append(results, entry)
	}

	return map[string]any{"results": results}, nil
}

func splitCommands(raw string) []string {
	lines := strings.Split(raw, "\n")
	commands := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		commands = append(commands, line)
	}
	return commands
}

var _ Handler = (*CommandRunHandler)(nil)
