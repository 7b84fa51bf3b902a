package embedder

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment variables consulted when no API key is configured.
const (
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvJinaAPIKey   = "JINA_API_KEY"
)

// Config selects and configures an embedding provider.
type Config struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"api_key"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	CacheSize int           `yaml:"cache_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultConfig uses the local hashing provider. A zero Dimension selects
// the provider's default.
func DefaultConfig() Config {
	return Config{
		Provider:  ProviderLocal,
		BatchSize: DefaultBatchSize,
		CacheSize: 10000,
		Timeout:   30 * time.Second,
	}
}

// New builds the configured provider wrapped in a cache. An empty provider
// name selects the local embedder.
func New(cfg Config) (Embedder, error) {
	var inner Embedder

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderLocal:
		inner = NewLocalProvider(cfg.Dimension)
	case ProviderOpenAI:
		p, err := newRemote(cfg, DefaultOpenAIEndpoint, DefaultOpenAIModel, OpenAIDimension, EnvOpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		inner = p
	case ProviderJina:
		p, err := newRemote(cfg, DefaultJinaEndpoint, DefaultJinaModel, JinaDimension, EnvJinaAPIKey)
		if err != nil {
			return nil, err
		}
		inner = p
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}

	return NewCached(inner, cfg.CacheSize)
}

func newRemote(cfg Config, endpoint, model string, dim int, keyEnv string) (*HTTPProvider, error) {
	opts := HTTPOptions{
		Endpoint:  cfg.Endpoint,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.Timeout,
	}
	if opts.Endpoint == "" {
		opts.Endpoint = endpoint
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv(keyEnv)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: set api_key or %s", ErrMissingAPIKey, keyEnv)
	}
	if opts.Model == "" {
		opts.Model = model
	}
	if opts.Dimension <= 0 {
		opts.Dimension = dim
	}
	return NewHTTPProvider(opts)
}
