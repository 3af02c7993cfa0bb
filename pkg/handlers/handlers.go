// Package handlers implements the job-type registry: a mapping from a
// job definition's type key to the handler that knows how to execute
// it against one device. Handlers are the only code permitted to
// issue device commands; adding a new job type means registering a
// new handler, not modifying the dispatcher.
package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/netraven/netraven/pkg/session"
	"github.com/netraven/netraven/pkg/types"
)

// Metadata describes a handler for UI form rendering: a human label
// and whether it needs an open device session (the `reachability`
// handler famously does not).
type Metadata struct {
	Label           string
	HasParameters   bool
	RequiresSession bool
}

// ExecRequest carries everything a handler needs to do its work.
// Session is nil when Metadata().RequiresSession is false.
type ExecRequest struct {
	Device  *types.Device
	Session session.Session
	Params  map[string]string
}

// Handler implements the type-specific work for one job type.
type Handler interface {
	Metadata() Metadata
	Execute(ctx context.Context, req ExecRequest) (map[string]any, error)
}

// Registry is the in-process type-key → Handler mapping.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates typeKey with h, overwriting any prior registration.
func (r *Registry) Register(typeKey string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeKey] = h
}

// Get returns the handler for typeKey.
func (r *Registry) Get(typeKey string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typeKey]
	return h, ok
}

// Types returns every registered type key, for the UI's "add job
// definition" form.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	return keys
}

// ErrUnknownType describes a job definition that names a type that was
// never registered. The dispatcher does not return it; it records
// types.ReasonUnknownJobType on the device result instead.
var ErrUnknownType = fmt.Errorf("handlers: unknown job type")
