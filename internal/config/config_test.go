package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"subtitler/pkg/models"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "gentle", cfg.DefaultQueuePolicy)
	require.Equal(t, models.PrioritizeGentle, cfg.Policy())
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("port: 9090\ndefault_queue_policy: force\nmax_media_workers: 4\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, int64(4), cfg.MaxMediaWorkers)
	require.Equal(t, models.PrioritizeForce, cfg.Policy())
}

func TestLoadEnvVarOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("port: 9090\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	t.Setenv("SUBTITLER_PORT", "7070")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Port)
}

func TestLoadRejectsInvalidQueuePolicy(t *testing.T) {
	dir := t.TempDir()
	content := []byte("default_queue_policy: aggressive\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}
