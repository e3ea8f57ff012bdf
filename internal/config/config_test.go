package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_ResolvesAbsolutePaths(t *testing.T) {
	tmp := t.TempDir()
	cfg := &Config{
		LocalPath:  filepath.Join(tmp, "local"),
		WorkPath:   filepath.Join(tmp, "work"),
		RemoteURL:  "http://127.0.0.1:8080",
		MaxRetries: 3,
		Path:       filepath.Join(tmp, "config.json"),
	}

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.LocalPath))
	assert.True(t, filepath.IsAbs(cfg.WorkPath))
	assert.True(t, filepath.IsAbs(cfg.Path))
}

func TestConfig_Validate_ErrorsOnInvalidInputs(t *testing.T) {
	tmp := t.TempDir()

	t.Run("missing remote url", func(t *testing.T) {
		cfg := &Config{
			LocalPath:  filepath.Join(tmp, "local"),
			WorkPath:   filepath.Join(tmp, "work"),
			MaxRetries: 3,
		}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "remote url")
	})

	t.Run("non-positive max retries", func(t *testing.T) {
		cfg := &Config{
			LocalPath: filepath.Join(tmp, "local"),
			WorkPath:  filepath.Join(tmp, "work"),
			RemoteURL: "http://127.0.0.1:8080",
		}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "max retries")
	})

	t.Run("empty local path", func(t *testing.T) {
		cfg := &Config{
			WorkPath:   filepath.Join(tmp, "work"),
			RemoteURL:  "http://127.0.0.1:8080",
			MaxRetries: 3,
		}
		err := cfg.Validate()
		assert.Error(t, err)
	})
}

func TestConfig_SaveAndLoad_Roundtrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")

	cfg := Default()
	cfg.LocalPath = filepath.Join(tmp, "local")
	cfg.WorkPath = filepath.Join(tmp, "work")
	cfg.RemoteURL = "http://127.0.0.1:8080"
	cfg.RemoteAuthToken = "shh" // must not persist
	cfg.Path = path

	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save())

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.LocalPath, loaded.LocalPath)
	assert.Equal(t, cfg.WorkPath, loaded.WorkPath)
	assert.Equal(t, cfg.RemoteURL, loaded.RemoteURL)
	assert.Equal(t, cfg.MaxRetries, loaded.MaxRetries)
	assert.Equal(t, cfg.ListCacheTTLMillis, loaded.ListCacheTTLMillis)

	// RemoteAuthToken is tagged json:"-" and must never round-trip.
	assert.Empty(t, loaded.RemoteAuthToken)
	assert.Equal(t, path, loaded.Path)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestConfig_Load_MissingFileUsesDefaults(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "does-not-exist.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().MaxRetries, cfg.MaxRetries)
	assert.Equal(t, path, cfg.Path)
}
