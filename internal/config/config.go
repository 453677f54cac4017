// Package config handles configuration loading and validation for fcsd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fcsvault/fcsd/pkg/bytesize"
)

// UploadConfig holds limits for chunked upload sessions. Sizes accept
// either raw byte counts or unit strings like "5MB".
type UploadConfig struct {
	DefaultChunkSize bytesize.Size `yaml:"default_chunk_size"` // Used when the client does not request a chunk size
	MinChunkSize     bytesize.Size `yaml:"min_chunk_size"`
	MaxChunkSize     bytesize.Size `yaml:"max_chunk_size"`
	MaxUploadSize    bytesize.Size `yaml:"max_upload_size"`
	ExpiryHours      int           `yaml:"expiry_hours"` // Session lifetime before the sweeper reclaims it
}

// SweepConfig holds background cleanup settings.
type SweepConfig struct {
	Interval string `yaml:"interval"` // Duration string, e.g. "10m"
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// ServerConfig holds configuration for the fcsd server.
type ServerConfig struct {
	Listen     string       `yaml:"listen"`
	DataDir    string       `yaml:"data_dir"`    // Root of the temp and permanent file trees
	Database   string       `yaml:"database"`    // SQLite path (default: {data_dir}/fcsd.db)
	AuthSecret string       `yaml:"auth_secret"` // HS256 signing secret for bearer tokens
	SamplePath string       `yaml:"sample_path"` // Optional built-in sample FCS file
	Upload     UploadConfig `yaml:"upload"`
	Sweep      SweepConfig  `yaml:"sweep"`
	Worker     WorkerConfig `yaml:"worker"`
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *ServerConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/fcsd"
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "fcsd.db")
	}
	if c.Upload.DefaultChunkSize == 0 {
		c.Upload.DefaultChunkSize = bytesize.Size(5 * bytesize.MB)
	}
	if c.Upload.MinChunkSize == 0 {
		c.Upload.MinChunkSize = bytesize.Size(1 * bytesize.MB)
	}
	if c.Upload.MaxChunkSize == 0 {
		c.Upload.MaxChunkSize = bytesize.Size(10 * bytesize.MB)
	}
	if c.Upload.MaxUploadSize == 0 {
		c.Upload.MaxUploadSize = bytesize.Size(1000 * bytesize.MB)
	}
	if c.Upload.ExpiryHours == 0 {
		c.Upload.ExpiryHours = 24
	}
	if c.Sweep.Interval == "" {
		c.Sweep.Interval = "10m"
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("auth_secret is required")
	}
	if c.Upload.MinChunkSize > c.Upload.MaxChunkSize {
		return fmt.Errorf("upload.min_chunk_size must not exceed upload.max_chunk_size")
	}
	if c.Upload.DefaultChunkSize < c.Upload.MinChunkSize || c.Upload.DefaultChunkSize > c.Upload.MaxChunkSize {
		return fmt.Errorf("upload.default_chunk_size must be between min and max chunk sizes")
	}
	if c.Upload.MaxUploadSize < c.Upload.MaxChunkSize {
		return fmt.Errorf("upload.max_upload_size must be at least upload.max_chunk_size")
	}
	if c.Upload.ExpiryHours < 1 {
		return fmt.Errorf("upload.expiry_hours must be positive")
	}
	return nil
}
