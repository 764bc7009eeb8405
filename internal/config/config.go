// Package config provides unified configuration for a Causalite replica.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for one replica process.
type Config struct {
	// ReplicaID identifies this replica; also used as the clientId stamped
	// on locally originated operations.
	ReplicaID string `json:"replica_id" yaml:"replica_id"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Resolver configuration
	Resolver ResolverConfig `json:"resolver" yaml:"resolver"`

	// Schema configuration
	Schema SchemaConfig `json:"schema" yaml:"schema"`

	// Checkpoint configuration
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`

	// Storage configuration for checkpoint archival
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// LogConfig holds durable operation log configuration.
type LogConfig struct {
	// Path is the operation log file path
	Path string `json:"path" yaml:"path"`

	// StreamBuffer is the per-subscriber channel buffer for live tailing
	StreamBuffer int `json:"stream_buffer" yaml:"stream_buffer"`
}

// ResolverConfig holds dependency resolver configuration.
type ResolverConfig struct {
	// PendingMax is the maximum number of deferred operations held before
	// drop-oldest eviction kicks in
	PendingMax int `json:"pending_max" yaml:"pending_max"`

	// PendingRetention is how long a deferred operation is kept before a
	// sweep may evict it
	PendingRetention time.Duration `json:"pending_retention" yaml:"pending_retention"`

	// HistorySize is the capacity of the in-memory applied-operation ring
	HistorySize int `json:"history_size" yaml:"history_size"`
}

// SchemaConfig holds schema registry configuration.
type SchemaConfig struct {
	// HistoryPath is the SQLite database recording schema versions;
	// empty disables persistent schema history
	HistoryPath string `json:"history_path" yaml:"history_path"`
}

// CheckpointConfig holds state snapshot configuration.
type CheckpointConfig struct {
	// Enabled controls whether periodic checkpoints are written
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is the time between checkpoints
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Keep is the number of checkpoints retained per replica
	Keep int `json:"keep" yaml:"keep"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		ReplicaID: "",
		DataDir:   "./data/causalite",
		Log: LogConfig{
			Path:         "",
			StreamBuffer: 256,
		},
		Resolver: ResolverConfig{
			PendingMax:       10000,
			PendingRetention: 10 * time.Minute,
			HistorySize:      1024,
		},
		Schema: SchemaConfig{
			HistoryPath: "",
		},
		Checkpoint: CheckpointConfig{
			Enabled:  false,
			Interval: 5 * time.Minute,
			Keep:     3,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/causalite"
	}
	if c.Log.Path == "" {
		c.Log.Path = filepath.Join(c.DataDir, "oplog.ndjson")
	}
	if c.Schema.HistoryPath == "" {
		c.Schema.HistoryPath = filepath.Join(c.DataDir, "schema_history.db")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ReplicaID == "" {
		return fmt.Errorf("replica_id is required")
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Resolver.PendingMax <= 0 {
		return fmt.Errorf("resolver.pending_max must be positive, got %d", c.Resolver.PendingMax)
	}

	if c.Resolver.HistorySize <= 0 {
		return fmt.Errorf("resolver.history_size must be positive, got %d", c.Resolver.HistorySize)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Checkpoint.Enabled && c.Checkpoint.Interval <= 0 {
		return fmt.Errorf("checkpoint.interval must be positive when checkpoints are enabled")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CAUSALITE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CAUSALITE_REPLICA_ID"); v != "" {
		cfg.ReplicaID = v
	}
	if v := os.Getenv("CAUSALITE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CAUSALITE_LOG_PATH"); v != "" {
		cfg.Log.Path = v
	}

	// Resolver configuration
	if v := os.Getenv("CAUSALITE_PENDING_MAX"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Resolver.PendingMax)
	}
	if v := os.Getenv("CAUSALITE_PENDING_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Resolver.PendingRetention = d
		}
	}
	if v := os.Getenv("CAUSALITE_HISTORY_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Resolver.HistorySize)
	}

	// Checkpoint configuration
	if v := os.Getenv("CAUSALITE_CHECKPOINT_ENABLED"); v != "" {
		cfg.Checkpoint.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CAUSALITE_CHECKPOINT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Checkpoint.Interval = d
		}
	}

	// Storage configuration
	if v := os.Getenv("CAUSALITE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("CAUSALITE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CAUSALITE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("CAUSALITE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("CAUSALITE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Log.Path),
		c.Storage.Path,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
