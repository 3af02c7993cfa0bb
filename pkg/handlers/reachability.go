package handlers

import (
	"context"

	"github.com/netraven/netraven/pkg/session"
	"github.com/netraven/netraven/pkg/types"
)

// ReachabilityType is the registry key reachability handlers are
// registered under. The dispatcher checks for it directly to persist
// the probe's verdict onto the device record, since this is the one
// job type spec.md names as needing that side effect without an open
// session.
const ReachabilityType = "reachability"

// ReachabilityHandler wraps session.Probe. It is the one handler whose
// Metadata reports RequiresSession == false: the dispatcher runs it
// without resolving a credential or opening a session at all.
type ReachabilityHandler struct {
	probe func(ctx context.Context, device *types.Device) session.ProbeResult
}

// NewReachabilityHandler returns a handler that probes device with cfg
// via session.Probe.
func NewReachabilityHandler(cfg session.Config) *ReachabilityHandler {
	return &ReachabilityHandler{
		probe: func(ctx context.Context, device *types.Device) session.ProbeResult {
			return session.Probe(ctx, device, cfg)
		},
	}
}

func (h *ReachabilityHandler) Metadata() Metadata {
	return Metadata{Label: "Reachability Check", RequiresSession: false}
}

func (h *ReachabilityHandler) Execute(ctx context.Context, req ExecRequest) (map[string]any, error) {
	result := h.probe(ctx, req.Device)
	return map[string]any{
		"icmp":       result.ICMP,
		"tcp_22":     result.TCPControl,
		"tcp_443":    result.TCPMgmt,
		"latency_ms": result.LatencyMS,
		"errors":     result.Errors,
	}, nil
}

var _ Handler = (*ReachabilityHandler)(nil)
