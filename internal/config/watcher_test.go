package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsConfigOnDebouncedWrite(t *testing.T) {
	clearBotsentryEnv(t)

	orig := debounceWrite
	debounceWrite = 10 * time.Millisecond
	t.Cleanup(func() { debounceWrite = orig })

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("BOTSENTRY_LOG_LEVEL=info\n"), 0o644))

	initial, err := Load(envPath)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(envPath, initial, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(envPath, []byte("BOTSENTRY_LOG_LEVEL=debug\n"), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "debug", cfg.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	require.Equal(t, "debug", w.Current().LogLevel)
}

func TestWatcherStopHaltsReloadLoop(t *testing.T) {
	clearBotsentryEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(""), 0o644))

	initial, err := Load(envPath)
	require.NoError(t, err)

	w, err := NewWatcher(envPath, initial, nil)
	require.NoError(t, err)

	w.Stop()
	// After Stop, Current keeps returning the last loaded Config and later
	// writes to the env file are no longer picked up.
	require.NotNil(t, w.Current())

	require.NoError(t, os.WriteFile(envPath, []byte("BOTSENTRY_LOG_LEVEL=trace\n"), 0o644))
	time.Sleep(debounceWrite + 100*time.Millisecond)
	require.Equal(t, initial.LogLevel, w.Current().LogLevel)
}
