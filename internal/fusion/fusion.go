package fusion

import (
	"fmt"
	"math"
	"sort"

	"github.com/dshills/codefuse/pkg/types"
)

// Engine merges the four retrieval signals into one ranked list. It holds
// no state beyond its configuration and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New creates a fusion engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

type key struct {
	filePath string
	location int
}

type candidate struct {
	result types.FusedResult
	raw    float64
}

// Fuse validates every input, collapses matches that share a
// (file path, location) key keeping the highest priority signal, ranks
// the survivors and truncates to MaxResults. Any validation failure
// aborts the whole call.
func (e *Engine) Fuse(
	exact []types.ExactMatch,
	symbol []types.SymbolMatch,
	semantic []types.SemanticMatch,
	statistical []types.BM25Match,
) ([]types.FusedResult, error) {
	candidates, err := e.collect(exact, symbol, semantic, statistical)
	if err != nil {
		return nil, err
	}

	e.calibrate(candidates)
	results := dedupe(candidates)
	SortResults(results)

	if len(results) > e.cfg.MaxResults {
		results = results[:e.cfg.MaxResults]
	}
	return results, nil
}

// collect validates the inputs in signal order and converts them to
// candidates. Exact, symbol and semantic entries without a file path or
// with a negative location are dropped.
func (e *Engine) collect(
	exact []types.ExactMatch,
	symbol []types.SymbolMatch,
	semantic []types.SemanticMatch,
	statistical []types.BM25Match,
) ([]candidate, error) {
	out := make([]candidate, 0, len(exact)+len(symbol)+len(semantic)+len(statistical))

	for i, m := range exact {
		if err := checkFinite(types.MatchExact, i, m.FilePath, m.Score); err != nil {
			return nil, err
		}
		if m.FilePath == "" || m.LineNumber < 0 {
			continue
		}
		content := m.Content
		if content == "" {
			content = m.LineContent
		}
		out = append(out, candidate{
			raw: m.Score,
			result: types.FusedResult{
				FilePath:     m.FilePath,
				Location:     m.LineNumber,
				LocationKind: types.LocationLine,
				Content:      content,
				MatchType:    types.MatchExact,
				StartLine:    m.LineNumber,
				EndLine:      m.LineNumber,
			},
		})
	}

	for i, m := range symbol {
		if err := checkFinite(types.MatchSymbol, i, m.FilePath, m.Score); err != nil {
			return nil, err
		}
		if m.FilePath == "" || m.Line < 0 {
			continue
		}
		out = append(out, candidate{
			raw: m.Score,
			result: types.FusedResult{
				FilePath:     m.FilePath,
				Location:     m.Line,
				LocationKind: types.LocationLine,
				Content:      m.Content,
				MatchType:    types.MatchSymbol,
				StartLine:    m.Line,
				EndLine:      m.Line,
				Symbol:       m.Name,
			},
		})
	}

	for i, m := range semantic {
		if m.Similarity == nil {
			return nil, &types.MissingSimilarityError{FilePath: m.FilePath, ChunkIndex: m.ChunkIndex}
		}
		if err := checkFinite(types.MatchSemantic, i, m.FilePath, *m.Similarity); err != nil {
			return nil, err
		}
		if m.FilePath == "" || m.ChunkIndex < 0 {
			continue
		}
		out = append(out, candidate{
			raw: *m.Similarity,
			result: types.FusedResult{
				FilePath:     m.FilePath,
				Location:     m.ChunkIndex,
				LocationKind: types.LocationChunk,
				Content:      m.Content,
				MatchType:    types.MatchSemantic,
				StartLine:    m.StartLine,
				EndLine:      m.EndLine,
			},
		})
	}

	for i, m := range statistical {
		if err := checkFinite(types.MatchStatistical, i, m.DocID, m.Score); err != nil {
			return nil, err
		}
		filePath, chunkIndex, err := types.ParseDocID(m.DocID)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{
			raw: m.Score,
			result: types.FusedResult{
				FilePath:     filePath,
				Location:     chunkIndex,
				LocationKind: types.LocationChunk,
				MatchType:    types.MatchStatistical,
			},
		})
	}

	return out, nil
}

func checkFinite(signal types.MatchType, i int, subject string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &types.CorruptedDataError{
			Description: fmt.Sprintf("%s match %d (%s) has non-finite score %v", signal, i, subject, v),
		}
	}
	return nil
}

// calibrate fills result.Score from the raw signal score.
func (e *Engine) calibrate(candidates []candidate) {
	if e.cfg.ScoreMode == ScoreRaw {
		for i := range candidates {
			candidates[i].result.Score = math.Max(candidates[i].raw, 0)
		}
		return
	}

	var maxStatistical float64
	for _, c := range candidates {
		if c.result.MatchType == types.MatchStatistical && c.raw > maxStatistical {
			maxStatistical = c.raw
		}
	}

	for i := range candidates {
		c := &candidates[i]
		switch c.result.MatchType {
		case types.MatchExact:
			c.result.Score = e.cfg.ExactScore
		case types.MatchSymbol:
			c.result.Score = e.cfg.SymbolScore
		case types.MatchSemantic:
			c.result.Score = clamp(c.raw, 0, 1) * e.cfg.SemanticWeight
		case types.MatchStatistical:
			if maxStatistical > 0 {
				c.result.Score = clamp(c.raw/maxStatistical, 0, 1) * e.cfg.StatisticalCeiling
			} else {
				c.result.Score = 0
			}
		}
	}
}

// dedupe keeps one candidate per key: the highest priority signal, then
// the higher score, then the first seen.
func dedupe(candidates []candidate) []types.FusedResult {
	index := make(map[key]int, len(candidates))
	results := make([]types.FusedResult, 0, len(candidates))

	for _, c := range candidates {
		k := key{filePath: c.result.FilePath, location: c.result.Location}
		i, seen := index[k]
		if !seen {
			index[k] = len(results)
			results = append(results, c.result)
			continue
		}

		cur := results[i]
		switch {
		case c.result.MatchType.Priority() < cur.MatchType.Priority():
			results[i] = c.result
		case c.result.MatchType == cur.MatchType && c.result.Score > cur.Score:
			results[i] = c.result
		}
	}
	return results
}

// SortResults orders results by score descending, then signal priority,
// then file path and location ascending.
func SortResults(results []types.FusedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.MatchType != b.MatchType {
			return a.MatchType.Priority() < b.MatchType.Priority()
		}
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		return a.Location < b.Location
	})
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
