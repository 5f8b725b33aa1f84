package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Storage       StorageConfig       `yaml:"storage"`
	Compression   CompressionConfig   `yaml:"compression"`
	Query         QueryConfig         `yaml:"query"`
	Reclaim       ReclaimConfig       `yaml:"reclaim"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type DatabaseConfig struct {
	// Path is the DuckDB database file. Empty means in-memory, which
	// only makes sense for tests.
	Path string `yaml:"path"`
}

// Backend selector values for StorageConfig.Backend.
const (
	BackendFileSystem = "file_system"
	BackendS3         = "s3"
)

type StorageConfig struct {
	Backend    string           `yaml:"backend"`
	FileSystem FileSystemConfig `yaml:"file_system"`
	S3         S3Config         `yaml:"s3"`
}

type FileSystemConfig struct {
	Root string `yaml:"root"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type CompressionConfig struct {
	// Codec is one of gzip, zstd, snappy, lz4, none.
	Codec string `yaml:"codec"`
	// Level applies to codecs that support one (gzip 1-9, zstd 1-19).
	Level int `yaml:"level"`
}

type QueryConfig struct {
	// Workers bounds parallel object fetches per query.
	Workers int `yaml:"workers"`
}

type ReclaimConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	// Grace is how long a tombstoned partition is kept before its
	// object bytes are deleted, so in-flight readers can finish.
	Grace Duration `yaml:"grace"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// ${VAR} references are expanded so credentials can stay out of the
	// file itself.
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFileSystem:
		if c.Storage.FileSystem.Root == "" {
			return fmt.Errorf("storage.file_system.root is required for the file_system backend")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q",
			BackendFileSystem, BackendS3, c.Storage.Backend)
	}

	switch c.Compression.Codec {
	case "gzip", "zstd", "snappy", "lz4", "none":
	default:
		return fmt.Errorf("compression.codec must be one of gzip, zstd, snappy, lz4, none, got %q",
			c.Compression.Codec)
	}
	if c.Compression.Codec == "gzip" && (c.Compression.Level < 1 || c.Compression.Level > 9) {
		return fmt.Errorf("compression.level must be between 1 and 9 for gzip, got %d", c.Compression.Level)
	}

	if c.Query.Workers < 1 {
		return fmt.Errorf("query.workers must be >= 1, got %d", c.Query.Workers)
	}

	if c.Reclaim.Enabled {
		if c.Reclaim.Interval <= 0 {
			return fmt.Errorf("reclaim.interval must be > 0")
		}
		if c.Reclaim.Grace < 0 {
			return fmt.Errorf("reclaim.grace must be >= 0")
		}
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
