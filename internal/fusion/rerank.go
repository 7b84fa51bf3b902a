package fusion

import (
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/dshills/codefuse/pkg/types"
)

// Rerank multipliers.
const (
	testFilePenalty     = 0.3
	testDirPenalty      = 0.4
	sourceDirBoost      = 1.8
	filenameQueryBoost  = 2.0
	filenameWordBoost   = 1.3
	pathQueryBoost      = 1.4
	definitionBoost     = 2.2
	contentQueryBoost   = 1.2
	identifierWordBoost = 1.5
	leadingLinesBoost   = 1.3
	largeChunkPenalty   = 0.9
	smallChunkBoost     = 1.05
	codeFileBoost       = 1.1
	semanticRerankCap   = 1.5
	exactRerankFloor    = 1.6
	largeChunkLines     = 200
	smallChunkLines     = 10
	leadingLinesChecked = 5
)

var codeExtensions = map[string]bool{
	".go": true, ".rs": true, ".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".hpp": true, ".cs": true, ".rb": true,
	".php": true, ".swift": true, ".kt": true, ".scala": true, ".sql": true,
}

var definitionPrefixes = []string{
	"func ", "fn ", "function ", "def ", "class ", "interface ", "struct ", "enum ", "type ",
}

// Rerank adjusts fused scores with query-aware heuristics (test files sink,
// matching file names and definitions rise) and re-sorts. Exact matches are
// floored above any semantic match. The input slice is not modified.
func (e *Engine) Rerank(results []types.FusedResult, query string) ([]types.FusedResult, error) {
	out := make([]types.FusedResult, len(results))
	copy(out, results)

	q := strings.ToLower(strings.TrimSpace(query))
	words := strings.Fields(q)

	for i := range out {
		r := &out[i]
		if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
			return nil, &types.CorruptedDataError{
				Description: fmt.Sprintf("result for %s has non-finite score %v", r.FilePath, r.Score),
			}
		}
		if q != "" {
			r.Score *= rerankMultiplier(r, q, words)
		}

		switch r.MatchType {
		case types.MatchSemantic:
			r.Score = math.Min(r.Score, semanticRerankCap)
		case types.MatchExact:
			r.Score = math.Max(r.Score, exactRerankFloor)
		}
	}

	SortResults(out)
	return out, nil
}

func rerankMultiplier(r *types.FusedResult, q string, words []string) float64 {
	m := 1.0
	filePath := strings.ToLower(strings.ReplaceAll(r.FilePath, "\\", "/"))
	filename := path.Base(filePath)

	if IsTestFile(filePath) {
		m *= testFilePenalty
	}
	switch path.Base(path.Dir(filePath)) {
	case "src", "lib", "core", "internal", "pkg", "cmd":
		m *= sourceDirBoost
	case "test", "tests", "spec", "specs", "testdata":
		m *= testDirPenalty
	}

	if strings.Contains(filename, q) {
		m *= filenameQueryBoost
	}
	for _, w := range words {
		if len(w) > 1 && strings.Contains(filename, w) {
			m *= filenameWordBoost
		}
	}
	if strings.Contains(filePath, q) {
		m *= pathQueryBoost
	}

	content := strings.ToLower(r.Content)
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		if isDefinition(strings.TrimSpace(line)) && strings.Contains(line, q) {
			m *= definitionBoost
			break
		}
	}
	for _, w := range words {
		if len(w) > 2 && hasIdentifierUse(lines, w) {
			m *= identifierWordBoost
		}
	}
	if strings.Contains(content, q) {
		m *= contentQueryBoost
	}

	lead := lines
	if len(lead) > leadingLinesChecked {
		lead = lead[:leadingLinesChecked]
	}
	if strings.Contains(strings.Join(lead, "\n"), q) {
		m *= leadingLinesBoost
	}

	var matchedWords int
	for _, w := range words {
		if len(w) > 1 && strings.Contains(content, w) {
			matchedWords++
		}
	}
	if matchedWords > 1 {
		m *= 1 + 0.1*float64(matchedWords)
	}

	if r.Content != "" {
		switch n := len(lines); {
		case n > largeChunkLines:
			m *= largeChunkPenalty
		case n < smallChunkLines:
			m *= smallChunkBoost
		}
	}
	if codeExtensions[path.Ext(filename)] {
		m *= codeFileBoost
	}
	return m
}

// hasIdentifierUse reports whether some line uses word as an identifier
// or as part of a snake_case name.
func hasIdentifierUse(lines []string, word string) bool {
	for _, line := range lines {
		if !strings.Contains(line, word) {
			continue
		}
		for _, form := range []string{word + "(", word + "[", word + " ", word + "_", "_" + word} {
			if strings.Contains(line, form) {
				return true
			}
		}
	}
	return false
}

func isDefinition(line string) bool {
	for _, p := range definitionPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return strings.Contains(line, "public ") || strings.Contains(line, "private ") || strings.Contains(line, "protected ")
}

// IsTestFile reports whether a path looks like test code.
func IsTestFile(filePath string) bool {
	p := strings.ToLower(strings.ReplaceAll(filePath, "\\", "/"))
	name := path.Base(p)
	return strings.Contains(p, "/test/") ||
		strings.Contains(p, "/tests/") ||
		strings.HasPrefix(p, "test/") ||
		strings.HasPrefix(p, "tests/") ||
		strings.Contains(name, "_test.") ||
		strings.HasPrefix(name, "test_") ||
		strings.Contains(name, "_spec.") ||
		strings.Contains(name, ".spec.") ||
		strings.Contains(name, ".test.")
}
