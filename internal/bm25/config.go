package bm25

import (
	"fmt"
	"math"
)

// Config holds the tunable parameters of the Okapi BM25 scorer.
type Config struct {
	// K1 controls term-frequency saturation. Zero turns tf into a
	// presence flag.
	K1 float64 `yaml:"k1"`

	// B controls document-length normalization, from 0 (none) to 1 (full).
	B float64 `yaml:"b"`

	// UseImportanceWeights makes tf the sum of token importance weights
	// instead of a raw occurrence count.
	UseImportanceWeights bool `yaml:"use_importance_weights"`

	// CaseSensitive disables lowercasing of indexed and queried terms.
	CaseSensitive bool `yaml:"case_sensitive"`
}

// DefaultConfig returns the standard Okapi parameters.
func DefaultConfig() Config {
	return Config{
		K1: 1.2,
		B:  0.75,
	}
}

// Validate checks that the parameters produce finite scores.
func (c Config) Validate() error {
	if math.IsNaN(c.K1) || math.IsInf(c.K1, 0) || c.K1 < 0 {
		return fmt.Errorf("bm25: k1 must be a finite non-negative number, got %v", c.K1)
	}
	if math.IsNaN(c.B) || c.B < 0 || c.B > 1 {
		return fmt.Errorf("bm25: b must be within [0, 1], got %v", c.B)
	}
	return nil
}
