package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, 10, cfg.MaxInstances)
	require.Equal(t, 60, cfg.InstanceTimeoutMin)
	require.Equal(t, 5, cfg.InactiveCheckMin)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 4000\nmaxInstances: 25\n"), 0o644))

	cfg, err := LoadFile(Default(), path)
	require.NoError(t, err)
	require.Equal(t, 4000, cfg.Port)
	require.Equal(t, 25, cfg.MaxInstances)
	require.Equal(t, 60, cfg.InstanceTimeoutMin, "fields absent from the file keep their default")
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(Default(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv("CDP_RELAY_PORT", "9999")
	t.Setenv("CDP_RELAY_TOKEN", "s3cr3t")

	cfg, err := ApplyEnv(Default())
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "s3cr3t", cfg.Token)
}

func TestInstanceTimeoutConversion(t *testing.T) {
	cfg := Config{InstanceTimeoutMin: 2, InactiveCheckMin: 1}
	require.Equal(t, 2*60, int(cfg.InstanceTimeout().Seconds()))
	require.Equal(t, 60, int(cfg.InactiveCheckInterval().Seconds()))
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxInstances = 0
	require.Error(t, cfg.Validate())
}
