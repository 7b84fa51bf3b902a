package fusion

import (
	"fmt"
	"math"
)

// ScoreMode selects how signal-local scores become fused scores.
type ScoreMode string

const (
	// ScoreCalibrated maps every signal into a shared band: exact and
	// symbol hits get fixed scores, statistical scores are normalized by
	// the best statistical score of the query, and semantic similarity
	// is scaled by SemanticWeight.
	ScoreCalibrated ScoreMode = "calibrated"

	// ScoreRaw keeps each signal's own score, clamped at zero.
	ScoreRaw ScoreMode = "raw"
)

// Config tunes the fusion engine.
type Config struct {
	MaxResults         int       `yaml:"max_results"`
	ScoreMode          ScoreMode `yaml:"score_mode"`
	ExactScore         float64   `yaml:"exact_score"`
	SymbolScore        float64   `yaml:"symbol_score"`
	SemanticWeight     float64   `yaml:"semantic_weight"`
	StatisticalCeiling float64   `yaml:"statistical_ceiling"`
}

// DefaultConfig returns the calibrated configuration with a cap of 20.
func DefaultConfig() Config {
	return Config{
		MaxResults:         20,
		ScoreMode:          ScoreCalibrated,
		ExactScore:         1.0,
		SymbolScore:        0.95,
		SemanticWeight:     0.7,
		StatisticalCeiling: 0.9,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxResults <= 0 {
		return fmt.Errorf("fusion: max_results must be positive, got %d", c.MaxResults)
	}
	switch c.ScoreMode {
	case ScoreCalibrated, ScoreRaw:
	default:
		return fmt.Errorf("fusion: unknown score mode %q", c.ScoreMode)
	}
	for name, v := range map[string]float64{
		"exact_score":         c.ExactScore,
		"symbol_score":        c.SymbolScore,
		"semantic_weight":     c.SemanticWeight,
		"statistical_ceiling": c.StatisticalCeiling,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("fusion: %s must be a finite non-negative number, got %v", name, v)
		}
	}
	return nil
}
