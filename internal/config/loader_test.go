package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/toolplane.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/toolplane.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, 8080, cfg.Gateway.Port)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "toolplane.json")

		testConfig := `{
			"data_dir": "` + tmpDir + `",
			"gateway": {
				"port": 9090,
				"shared_secret": "0123456789abcdef"
			},
			"sandbox": {
				"runtime": "docker",
				"docker_image": "alpine:3.20"
			}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Gateway.Port)
		assert.Equal(t, "0123456789abcdef", cfg.Gateway.SharedSecret)
		assert.Equal(t, "docker", cfg.Sandbox.Runtime)
		assert.Equal(t, "alpine:3.20", cfg.Sandbox.DockerImage)
		// Unset fields keep their defaults.
		assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	})

	t.Run("derives state paths under data_dir", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "toolplane.json")

		testConfig := `{"data_dir": "` + tmpDir + `"}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "registry.db"), cfg.Registry.DatabasePath)
		assert.Equal(t, filepath.Join(tmpDir, "checkpoints"), cfg.Checkpoint.Dir)
		assert.Equal(t, filepath.Join(tmpDir, "checkpoints.db"), cfg.Checkpoint.DatabasePath)
		assert.Equal(t, filepath.Join(tmpDir, "credentials.db"), cfg.Credentials.StorePath)
		assert.Equal(t, filepath.Join(tmpDir, "invocations.db"), cfg.Executor.InvocationDatabasePath)
		assert.Equal(t, filepath.Join(tmpDir, "sandboxes"), cfg.Sandbox.WorkdirBase)
		assert.Equal(t, filepath.Join(tmpDir, "audit.jsonl"), cfg.Logging.AuditFile)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("not json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save and reload", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "toolplane.json")

		cfg := DefaultConfig()
		cfg.Gateway.SharedSecret = "0123456789abcdef"
		cfg.Sandbox.Runtime = "docker"
		cfg.Sandbox.DockerImage = "alpine:3.20"

		require.NoError(t, NewLoader(configPath).Save(cfg))

		_, err := os.Stat(configPath)
		require.NoError(t, err)

		loaded, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "0123456789abcdef", loaded.Gateway.SharedSecret)
		assert.Equal(t, "docker", loaded.Sandbox.Runtime)
		assert.Equal(t, "alpine:3.20", loaded.Sandbox.DockerImage)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "subdir", "toolplane.json")

		require.NoError(t, NewLoader(configPath).Save(DefaultConfig()))

		_, err := os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/toolplane.json")
		assert.Equal(t, "/custom/path/toolplane.json", loader.GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.NotEmpty(t, path)
		assert.Contains(t, path, ".toolplane")
	})
}
