package handlers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netraven/netraven/pkg/handlers"
)

type stubHandler struct{ label string }

func (h *stubHandler) Metadata() handlers.Metadata { return handlers.Metadata{Label: h.label} }
func (h *stubHandler) Execute(context.Context, handlers.ExecRequest) (map[string]any, error) {
	return nil, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := handlers.NewRegistry()
	h := &stubHandler{label: "Backup"}
	r.Register("backup", h)

	got, ok := r.Get("backup")
	require.True(t, ok)
	assert.Same(t, h, got)
}

func TestRegistry_GetUnknownType(t *testing.T) {
	r := handlers.NewRegistry()
	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_Types(t *testing.T) {
	r := handlers.NewRegistry()
	r.Register("backup", &stubHandler{label: "Backup"})
	r.Register("reachability", &stubHandler{label: "Reachability"})

	types := r.Types()
	assert.Len(t, types, 2)
	assert.Contains(t, types, "backup")
	assert.Contains(t, types, "reachability")
}

func TestRegistry_RegisterOverwritesExisting(t *testing.T) {
	r := handlers.NewRegistry()
	first := &stubHandler{label: "first"}
	second := &stubHandler{label: "second"}
	r.Register("backup", first)
	r.Register("backup", second)

	got, ok := r.Get("backup")
	require.True(t, ok)
	assert.Same(t, second, got)
}
