package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/harvest/pulse/ratelimit"
)

func TestConfigWatcher_ReloadsRateLimits(t *testing.T) {
	_, project := isolate(t)
	path := filepath.Join(project, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[rate_limit]\nmax_per_window = 60\n"), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	limits := ratelimit.NewRegistry(cfg.RateLimitDefaults(), cfg.RateLimitOverrides(), nil)
	require.Equal(t, 60, limits.For("pexels").Limits().MaxPerWindow)

	w, err := NewConfigWatcher(path)
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)
	w.OnReload(ApplyRateLimits(limits))
	w.Start()
	t.Cleanup(func() { w.Stop() })

	updated := "[rate_limit]\nmax_per_window = 60\n\n[rate_limit.sources.pexels]\nmax_per_window = 7\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	assert.Eventually(t, func() bool {
		return limits.For("pexels").Limits().MaxPerWindow == 7
	}, 5*time.Second, 20*time.Millisecond, "pexels override should be applied after reload")
	assert.Equal(t, 60, limits.For("nasa").Limits().MaxPerWindow)
}

func TestConfigWatcher_InvalidReloadKeepsLimits(t *testing.T) {
	_, project := isolate(t)
	path := filepath.Join(project, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[rate_limit]\nmax_per_window = 30\n"), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	limits := ratelimit.NewRegistry(cfg.RateLimitDefaults(), nil, nil)

	w, err := NewConfigWatcher(path)
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)

	reloaded := make(chan struct{}, 1)
	w.OnReload(func(*Config) error {
		reloaded <- struct{}{}
		return nil
	})
	w.OnReload(ApplyRateLimits(limits))
	w.Start()
	t.Cleanup(func() { w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("[rate_limit]\nmax_per_window = -5\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("invalid config must not reach callbacks")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 30, limits.For("pexels").Limits().MaxPerWindow)
}

func TestConfigWatcher_IgnoresOwnWrite(t *testing.T) {
	_, project := isolate(t)
	path := filepath.Join(project, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[fetch]\nworkers = 2\n"), 0644))

	w, err := NewConfigWatcher(path)
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)

	reloaded := make(chan struct{}, 4)
	w.OnReload(func(*Config) error {
		reloaded <- struct{}{}
		return nil
	})
	SetGlobalWatcher(w)
	t.Cleanup(func() { SetGlobalWatcher(nil) })
	w.Start()
	t.Cleanup(func() { w.Stop() })

	require.NoError(t, SetValue(path, "fetch.workers", "5"))

	select {
	case <-reloaded:
		t.Fatal("own write should not trigger a reload")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConfigWatcher_IgnoresOtherFiles(t *testing.T) {
	_, project := isolate(t)
	path := filepath.Join(project, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[fetch]\nworkers = 2\n"), 0644))

	w, err := NewConfigWatcher(path)
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)

	reloaded := make(chan struct{}, 4)
	w.OnReload(func(*Config) error {
		reloaded <- struct{}{}
		return nil
	})
	w.Start()
	t.Cleanup(func() { w.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(project, "notes.txt"), []byte("hello"), 0644))

	select {
	case <-reloaded:
		t.Fatal("unrelated file should not trigger a reload")
	case <-time.After(300 * time.Millisecond):
	}
}
