package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.WorkerPoolSize)
	require.FileExists(t, path)
}

func TestLoadBackfillsZeroFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 8, cfg.WorkerPoolSize)
	require.NotZero(t, cfg.TickInterval)
}

func TestResolveStateDirEnvOverride(t *testing.T) {
	cfg := &Config{StateDir: "/from/config"}
	t.Setenv(EnvStateDirOverride, "/from/env")
	require.Equal(t, "/from/env", cfg.ResolveStateDir())

	t.Setenv(EnvStateDirOverride, "")
	require.Equal(t, "/from/config", cfg.ResolveStateDir())
}
