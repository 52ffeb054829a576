package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("missing file returns defaults with derived paths", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "senja.json")

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 8787, cfg.Gateway.Port)
		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "approvals.json"), cfg.Approvals.Path)
		assert.Equal(t, filepath.Join(cfg.DataDir, "senja.log"), cfg.Logging.File)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "senja.json")
		raw := `{
			"gateway": {"port": 9999, "host": "0.0.0.0", "shared_secret": "s3cret"},
			"approvals": {"default_timeout_ms": 30000},
			"data_dir": "` + dir + `"
		}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 9999, cfg.Gateway.Port)
		assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
		assert.Equal(t, "s3cret", cfg.Gateway.SharedSecret)
		assert.Equal(t, int64(30000), cfg.Approvals.DefaultTimeoutMs)
		assert.Equal(t, dir, cfg.DataDir)
		assert.Equal(t, filepath.Join(dir, "approvals.json"), cfg.Approvals.Path)
	})

	t.Run("invalid json fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "senja.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "senja.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Gateway.Port = 9090
	cfg.Providers.Profiles = []ProviderProfile{
		{ID: "default", Provider: "openai", APIKey: "sk-test", Priority: 1},
	}

	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, loaded.Gateway.Port)
	require.Len(t, loaded.Providers.Profiles, 1)
	assert.Equal(t, "openai", loaded.Providers.Profiles[0].Provider)
}

func TestGetConfigPath(t *testing.T) {
	t.Run("explicit path", func(t *testing.T) {
		loader := NewLoader("/tmp/custom.json")
		assert.Equal(t, "/tmp/custom.json", loader.GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		loader := NewLoader("")
		path := loader.GetConfigPath()
		assert.Contains(t, path, ".senja")
		assert.Contains(t, path, "senja.json")
	})
}
