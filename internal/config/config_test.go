package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 5*time.Second, cfg.StorageTimeout)
	assert.Equal(t, int64(16<<20), cfg.MaxUploadBytes())
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.yaml")
	err := os.WriteFile(path, []byte("addr: \":9000\"\nstore: memory\njwtSecret: from-file\naccessTtl: 1m\nallowedExtensions: [png]\n"), 0o600)
	require.NoError(t, err)

	t.Setenv("ARCHIVE_JWT_SECRET", "from-env")
	t.Setenv("ARCHIVE_STORAGE_TIMEOUT", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, time.Minute, cfg.AccessTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.StorageTimeout)
	assert.Equal(t, []string{"png"}, cfg.AllowedExtensions)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVE_JWT_SECRET")

	cfg.JWTSecret = "secret"
	require.NoError(t, cfg.Validate())

	cfg.Store = "sqlite"
	require.ErrorContains(t, cfg.Validate(), `unknown store "sqlite"`)

	cfg = Default()
	cfg.JWTSecret = "secret"
	cfg.AssetsBackend = AssetsMinio
	cfg.MinioEndpoint = ""
	require.ErrorContains(t, cfg.Validate(), "MINIO_ENDPOINT")
}
