package searcher

import (
	"fmt"
	"time"
)

// Config tunes the search facade.
type Config struct {
	DefaultLimit        int           `yaml:"default_limit"`
	MaxLimit            int           `yaml:"max_limit"`
	CandidateMultiplier int           `yaml:"candidate_multiplier"`
	Timeout             time.Duration `yaml:"timeout"`
	CacheSize           int           `yaml:"cache_size"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	Rerank              bool          `yaml:"rerank"`
}

// DefaultConfig returns the facade defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:        10,
		MaxLimit:            100,
		CandidateMultiplier: 3,
		Timeout:             10 * time.Second,
		CacheSize:           1000,
		CacheTTL:            5 * time.Minute,
		Rerank:              true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DefaultLimit <= 0 {
		return fmt.Errorf("search: default_limit must be positive, got %d", c.DefaultLimit)
	}
	if c.MaxLimit < c.DefaultLimit {
		return fmt.Errorf("search: max_limit %d is below default_limit %d", c.MaxLimit, c.DefaultLimit)
	}
	if c.CandidateMultiplier < 1 {
		return fmt.Errorf("search: candidate_multiplier must be at least 1, got %d", c.CandidateMultiplier)
	}
	if c.Timeout < 0 || c.CacheTTL < 0 {
		return fmt.Errorf("search: durations must not be negative")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("search: cache_size must not be negative, got %d", c.CacheSize)
	}
	return nil
}
