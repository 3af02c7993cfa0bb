package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netraven.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	var mu sync.Mutex
	var seenLevels []string
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		seenLevels = append(seenLevels, cfg.Log.Level)
		mu.Unlock()
	})
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range seenLevels {
			if l == "debug" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}
