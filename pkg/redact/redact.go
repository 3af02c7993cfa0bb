// Package redact implements the single cross-cutting filter NetRaven
// passes every log message and context value through before it is
// persisted as a JobLogEntry or published to the live log stream. No
// other package is allowed to mask credential-shaped substrings itself
// — centralizing the rule here is what makes it auditable.
package redact

import (
	"regexp"
	"sync"
)

// Mask replaces a matched secret value.
const Mask = "***REDACTED***"

var builtinPatterns = []string{
	`(?i)(password\s*[:=]\s*)(\S+)`,
	`(?i)(secret\s*[:=]\s*)(\S+)`,
	`(?i)(token\s*[:=]\s*)(\S+)`,
}

// Filter redacts password/secret/token key-value occurrences from
// strings, plus any additional operator-supplied patterns. Every
// extra pattern must have its first capturing group around the
// "key=" / "key:" prefix so the value half can be masked; patterns
// without any capturing group are rejected by New.
type Filter struct {
	mu       sync.RWMutex
	compiled []*regexp.Regexp
}

// New builds a Filter from the built-in patterns plus any extras from
// log.redaction_patterns. Each pattern must have at least one capture
// group; a match is replaced by its first group (the prefix to keep)
// followed by Mask.
func New(extraPatterns []string) (*Filter, error) {
	f := &Filter{}
	patterns := append(append([]string{}, builtinPatterns...), extraPatterns...)
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		if re.NumSubexp() < 1 {
			return nil, errInvalidPattern(p)
		}
		f.compiled = append(f.compiled, re)
	}
	return f, nil
}

type errInvalidPattern string

func (e errInvalidPattern) Error() string {
	return "redact: pattern must have a capture group: " + string(e)
}

// String redacts a single string value.
func (f *Filter) String(s string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, re := range f.compiled {
		s = re.ReplaceAllString(s, "${1}"+Mask)
	}
	return s
}

// Context redacts every value in a context map, leaving keys intact.
func (f *Filter) Context(ctx map[string]string) map[string]string {
	if ctx == nil {
		return nil
	}
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		out[k] = f.String(v)
	}
	return out
}

// SetExtraPatterns recompiles the filter with a new set of operator
// patterns, appended after the built-ins. Used by the config hot-reload
// path so redaction_patterns can change without a process restart.
func (f *Filter) SetExtraPatterns(extraPatterns []string) error {
	next, err := New(extraPatterns)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.compiled = next.compiled
	f.mu.Unlock()
	return nil
}
