// Package config loads the fetcher configuration from YAML, struct defaults
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/grib-fetcher/internal/checkpoint"
	"github.com/withObsrvr/grib-fetcher/internal/fetch"
	"github.com/withObsrvr/grib-fetcher/internal/lineage"
	"github.com/withObsrvr/grib-fetcher/internal/logging"
	"github.com/withObsrvr/grib-fetcher/internal/product"
	"github.com/withObsrvr/grib-fetcher/internal/storage"
	"github.com/withObsrvr/grib-fetcher/internal/tables"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GRIB_FETCHER_"

type Config struct {
	OutputDir    string `yaml:"output_dir" default:"./output"`
	Workers      int    `yaml:"workers" default:"10"`
	MaxRollbacks int    `yaml:"max_rollbacks" default:"4"`
	VerifyGRIB   bool   `yaml:"verify_grib" default:"true"`

	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Storage    StorageConfig    `yaml:"storage"`
	Inventory  InventoryConfig  `yaml:"inventory"`
	Lineage    LineageConfig    `yaml:"lineage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Server     ServerConfig     `yaml:"server"`

	// Schedule maps product names to cron expressions.
	Schedule map[string]string `yaml:"schedule"`

	// Products override or extend the built-in product registry.
	Products []product.Definition `yaml:"products"`
}

type LogConfig struct {
	Format string `yaml:"format" default:"text"`
	Level  string `yaml:"level" default:"info"`
}

type HTTPConfig struct {
	Timeout        time.Duration `yaml:"timeout" default:"60s"`
	MaxAttempts    int           `yaml:"max_attempts" default:"5"`
	ProbeAttempts  int           `yaml:"probe_attempts" default:"2"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"1s"`
	Multiplier     float64       `yaml:"multiplier" default:"1.6"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
	UserAgent      string        `yaml:"user_agent" default:"grib-fetcher/1.0"`
	ChunkSize      int           `yaml:"chunk_size" default:"1048576"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Dir     string `yaml:"dir" default:"./checkpoints"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend" default:"none"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix" default:"grib/"`
	LocalDir   string `yaml:"local_dir"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type InventoryConfig struct {
	Enabled     bool   `yaml:"enabled" default:"true"`
	Compression string `yaml:"compression" default:"zstd"`
}

// LineageConfig controls hash-chained run events.
type LineageConfig struct {
	Enabled  bool          `yaml:"enabled" default:"false"`
	Dir      string        `yaml:"dir" default:"./lineage"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout" default:"30s"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" default:"true"`
	Namespace string `yaml:"namespace" default:"grib_fetcher"`
}

type ServerConfig struct {
	Address string `yaml:"address" default:":8080"`
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return cfg, nil
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	log.Println("[config] loading")

	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from GRIB_FETCHER_* variables.
func (c *Config) applyEnv() {
	c.OutputDir = getenvDefault("OUTPUT_DIR", c.OutputDir)
	c.Workers = getenvInt("WORKERS", c.Workers)
	c.MaxRollbacks = getenvInt("MAX_ROLLBACKS", c.MaxRollbacks)
	c.VerifyGRIB = getenvBool("VERIFY_GRIB", c.VerifyGRIB)

	c.Log.Format = getenvDefault("LOG_FORMAT", c.Log.Format)
	c.Log.Level = getenvDefault("LOG_LEVEL", c.Log.Level)

	c.HTTP.UserAgent = getenvDefault("USER_AGENT", c.HTTP.UserAgent)
	c.HTTP.MaxAttempts = getenvInt("MAX_ATTEMPTS", c.HTTP.MaxAttempts)

	c.Checkpoint.Enabled = getenvBool("CHECKPOINT_ENABLED", c.Checkpoint.Enabled)
	c.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", c.Checkpoint.Dir)

	c.Lineage.Enabled = getenvBool("LINEAGE_ENABLED", c.Lineage.Enabled)
	c.Lineage.Dir = getenvDefault("LINEAGE_DIR", c.Lineage.Dir)
	c.Lineage.Endpoint = getenvDefault("LINEAGE_ENDPOINT", c.Lineage.Endpoint)

	c.Storage.Backend = getenvDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Bucket = getenvDefault("STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Prefix = getenvDefault("STORAGE_PREFIX", c.Storage.Prefix)
	c.Storage.LocalDir = getenvDefault("STORAGE_LOCAL_DIR", c.Storage.LocalDir)
	c.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.S3Region = getenvDefault("S3_REGION", c.Storage.S3Region)

	c.Server.Address = getenvDefault("SERVER_ADDRESS", c.Server.Address)
}

// Validate checks the configuration for values the fetcher cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxRollbacks < 0 {
		errs = append(errs, fmt.Errorf("max_rollbacks must not be negative, got %d", c.MaxRollbacks))
	}
	if c.HTTP.MaxAttempts < 1 || c.HTTP.ProbeAttempts < 1 {
		errs = append(errs, errors.New("http attempts must be at least 1"))
	}
	if c.HTTP.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("http.multiplier must be >= 1, got %v", c.HTTP.Multiplier))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint.dir is required when checkpoints are enabled"))
	}

	switch c.Storage.Backend {
	case "none", "mem":
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
		}
	case "s3", "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.bucket is required for the %s backend", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %s", c.Storage.Backend))
	}

	if c.Lineage.Enabled && c.Lineage.Dir == "" {
		errs = append(errs, errors.New("lineage.dir is required when lineage is enabled"))
	}

	switch c.Inventory.Compression {
	case "zstd", "snappy", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown inventory compression: %s", c.Inventory.Compression))
	}

	return errors.Join(errs...)
}

// FetchConfig returns the HTTP client settings.
func (c *Config) FetchConfig() fetch.Config {
	return fetch.Config{
		Timeout:        c.HTTP.Timeout,
		MaxAttempts:    c.HTTP.MaxAttempts,
		ProbeAttempts:  c.HTTP.ProbeAttempts,
		InitialBackoff: c.HTTP.InitialBackoff,
		Multiplier:     c.HTTP.Multiplier,
		MaxBackoff:     c.HTTP.MaxBackoff,
		UserAgent:      c.HTTP.UserAgent,
		ChunkSize:      c.HTTP.ChunkSize,
	}
}

// StoreConfig returns the object store settings.
func (c *Config) StoreConfig() storage.StorageConfig {
	sc := storage.StorageConfig{
		Backend:    c.Storage.Backend,
		LocalDir:   c.Storage.LocalDir,
		S3Endpoint: c.Storage.S3Endpoint,
		S3Region:   c.Storage.S3Region,
		Prefix:     c.Storage.Prefix,
	}
	switch c.Storage.Backend {
	case "gcs":
		sc.GCSBucket = c.Storage.Bucket
	case "s3":
		sc.S3Bucket = c.Storage.Bucket
	}
	return sc
}

// CheckpointConfig returns the checkpoint manager settings.
func (c *Config) CheckpointConfig() checkpoint.Config {
	return checkpoint.Config{Enabled: c.Checkpoint.Enabled, Dir: c.Checkpoint.Dir}
}

// LineageConfig returns the lineage emitter settings.
func (c *Config) LineageConfig() lineage.Config {
	return lineage.Config{
		Enabled:  c.Lineage.Enabled,
		Dir:      c.Lineage.Dir,
		Endpoint: c.Lineage.Endpoint,
		Timeout:  c.Lineage.Timeout,
	}
}

// LogConfig returns the logging settings.
func (c *Config) LogConfig() logging.Config {
	return logging.Config{Format: c.Log.Format, Level: c.Log.Level}
}

// ParquetConfig returns the inventory writer settings.
func (c *Config) ParquetConfig() tables.ParquetConfig {
	return tables.ParquetConfig{Compression: c.Inventory.Compression}
}

// Registry builds the product registry from built-ins and overrides.
func (c *Config) Registry() (*product.Registry, error) {
	return product.NewRegistry(c.Products)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring %s%s=%q: %v", EnvPrefix, key, v, err)
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(EnvPrefix + key))
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}
