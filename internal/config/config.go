// Package config loads codefuse configuration from a YAML file with
// CODEFUSE_* environment overrides. Every section has defaults, so an
// empty or missing file yields a working configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/codefuse/internal/bm25"
	"github.com/dshills/codefuse/internal/embedder"
	"github.com/dshills/codefuse/internal/fusion"
	"github.com/dshills/codefuse/internal/indexer"
	"github.com/dshills/codefuse/internal/searcher"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CODEFUSE_"

// DefaultDataDir holds one database and one BM25 snapshot per project.
const DefaultDataDir = "~/.codefuse/indices"

// Config is the top-level application configuration.
type Config struct {
	Storage  StorageConfig   `yaml:"storage"`
	BM25     bm25.Config     `yaml:"bm25"`
	Fusion   fusion.Config   `yaml:"fusion"`
	Search   searcher.Config `yaml:"search"`
	Indexer  indexer.Config  `yaml:"indexer"`
	Embedder embedder.Config `yaml:"embedder"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// StorageConfig locates the per-project database and snapshot files.
type StorageConfig struct {
	DataDir             string `yaml:"data_dir"`
	SnapshotCompression string `yaml:"snapshot_compression"` // none, zstd or lz4
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:             DefaultDataDir,
			SnapshotCompression: string(bm25.CompressionZstd),
		},
		BM25:     bm25.DefaultConfig(),
		Fusion:   fusion.DefaultConfig(),
		Search:   searcher.DefaultConfig(),
		Indexer:  indexer.DefaultConfig(),
		Embedder: embedder.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// Load reads a YAML config file (if provided), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		errs = append(errs, errors.New("storage: data_dir is required"))
	}
	if _, err := bm25.ParseCompression(c.Storage.SnapshotCompression); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	errs = append(errs, c.BM25.Validate(), c.Fusion.Validate(), c.Search.Validate())
	if c.Indexer.Workers < 0 {
		errs = append(errs, fmt.Errorf("indexer: workers must not be negative, got %d", c.Indexer.Workers))
	}
	if c.Indexer.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("indexer: max_file_size must be positive, got %d", c.Indexer.MaxFileSize))
	}
	switch c.Embedder.Provider {
	case "", embedder.ProviderLocal, embedder.ProviderOpenAI, embedder.ProviderJina:
	default:
		errs = append(errs, fmt.Errorf("embedder: %w: %q", embedder.ErrUnsupportedProvider, c.Embedder.Provider))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics: addr is required when enabled"))
	}
	return errors.Join(errs...)
}

// Compression returns the configured snapshot compression.
func (c *Config) Compression() bm25.Compression {
	comp, err := bm25.ParseCompression(c.Storage.SnapshotCompression)
	if err != nil {
		return bm25.CompressionZstd
	}
	return comp
}

// DataDir returns the data directory with a leading ~ expanded.
func (c *Config) DataDir() (string, error) {
	return ExpandPath(c.Storage.DataDir)
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// applyEnvOverrides reads CODEFUSE_* environment variables and overrides
// the corresponding config fields. Malformed numbers are reported.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("DATA_DIR", &cfg.Storage.DataDir)
	str("SNAPSHOT_COMPRESSION", &cfg.Storage.SnapshotCompression)

	float("BM25_K1", &cfg.BM25.K1)
	float("BM25_B", &cfg.BM25.B)

	integer("FUSION_MAX_RESULTS", &cfg.Fusion.MaxResults)
	if v := os.Getenv(EnvPrefix + "FUSION_SCORE_MODE"); v != "" {
		cfg.Fusion.ScoreMode = fusion.ScoreMode(v)
	}

	integer("SEARCH_DEFAULT_LIMIT", &cfg.Search.DefaultLimit)
	integer("SEARCH_MAX_LIMIT", &cfg.Search.MaxLimit)
	integer("SEARCH_CACHE_SIZE", &cfg.Search.CacheSize)
	duration("SEARCH_CACHE_TTL", &cfg.Search.CacheTTL)
	duration("SEARCH_TIMEOUT", &cfg.Search.Timeout)
	boolean("SEARCH_RERANK", &cfg.Search.Rerank)

	integer("INDEXER_WORKERS", &cfg.Indexer.Workers)
	boolean("INDEXER_INCLUDE_TESTS", &cfg.Indexer.IncludeTests)
	boolean("INDEXER_INCLUDE_VENDOR", &cfg.Indexer.IncludeVendor)

	str("EMBEDDER_PROVIDER", &cfg.Embedder.Provider)
	str("EMBEDDER_MODEL", &cfg.Embedder.Model)
	str("EMBEDDER_ENDPOINT", &cfg.Embedder.Endpoint)
	integer("EMBEDDER_DIMENSION", &cfg.Embedder.Dimension)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_ADDR", &cfg.Metrics.Addr)

	return errors.Join(errs...)
}
