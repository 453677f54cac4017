package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcsvault/fcsd/pkg/bytesize"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	path := writeConfig(t, "auth_secret: shhh\n")

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/var/lib/fcsd", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/fcsd", "fcsd.db"), cfg.Database)
	assert.Equal(t, int64(5<<20), cfg.Upload.DefaultChunkSize.Bytes())
	assert.Equal(t, int64(1<<20), cfg.Upload.MinChunkSize.Bytes())
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxChunkSize.Bytes())
	assert.Equal(t, int64(1000<<20), cfg.Upload.MaxUploadSize.Bytes())
	assert.Equal(t, 24, cfg.Upload.ExpiryHours)
	assert.Equal(t, "10m", cfg.Sweep.Interval)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.NoError(t, cfg.Validate())
}

func TestLoadServerConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
listen: ":9999"
data_dir: /tmp/fcsd-test
auth_secret: shhh
upload:
  default_chunk_size: 2MB
  max_upload_size: 50MB
  expiry_hours: 6
worker:
  concurrency: 8
`)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "/tmp/fcsd-test", cfg.DataDir)
	assert.Equal(t, int64(2<<20), cfg.Upload.DefaultChunkSize.Bytes())
	assert.Equal(t, int64(50<<20), cfg.Upload.MaxUploadSize.Bytes())
	assert.Equal(t, 6, cfg.Upload.ExpiryHours)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
}

func TestLoadServerConfigSizeAsBytes(t *testing.T) {
	path := writeConfig(t, `
auth_secret: shhh
upload:
  default_chunk_size: 2097152
`)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2<<20), cfg.Upload.DefaultChunkSize.Bytes())
}

func TestLoadServerConfigBadSize(t *testing.T) {
	path := writeConfig(t, `
auth_secret: shhh
upload:
  max_upload_size: 10XB
`)

	_, err := LoadServerConfig(path)
	require.Error(t, err)
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *ServerConfig {
		cfg := &ServerConfig{AuthSecret: "shhh"}
		cfg.ApplyDefaults()
		return cfg
	}

	cfg := base()
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.AuthSecret = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Upload.MinChunkSize = bytesize.Size(20 * bytesize.MB)
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Upload.DefaultChunkSize = bytesize.Size(100 * bytesize.MB)
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Upload.MaxUploadSize = bytesize.Size(5 * bytesize.MB)
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Upload.ExpiryHours = -1
	assert.Error(t, cfg.Validate())
}
