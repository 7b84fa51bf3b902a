package types

import "fmt"

// MatchType identifies the retrieval signal a fused result came from.
// The declaration order is the dedup priority: lower values win.
type MatchType int

const (
	MatchExact MatchType = iota
	MatchSymbol
	MatchSemantic
	MatchStatistical
)

func (m MatchType) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchSymbol:
		return "symbol"
	case MatchSemantic:
		return "semantic"
	case MatchStatistical:
		return "statistical"
	default:
		return fmt.Sprintf("MatchType(%d)", int(m))
	}
}

// Priority returns the dedup rank of the signal, 0 being strongest.
func (m MatchType) Priority() int { return int(m) }

// MarshalText renders the match type by name in JSON output.
func (m MatchType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// LocationKind says how FusedResult.Location should be read.
type LocationKind string

const (
	LocationLine  LocationKind = "line"
	LocationChunk LocationKind = "chunk"
)

// BM25Match is one statistical hit produced by the BM25 engine.
type BM25Match struct {
	DocID        string
	Score        float64
	TermScores   map[string]float64 // only terms with tf > 0
	MatchedTerms []string           // sorted, no duplicates
}

// ExactMatch is a literal or fuzzy text hit at a specific line.
type ExactMatch struct {
	FilePath    string
	LineNumber  int
	Content     string
	LineContent string
	Score       float64
}

// SymbolMatch is a hit against a declared identifier.
type SymbolMatch struct {
	FilePath  string
	Line      int
	Name      string
	Kind      SymbolKind
	Signature string
	Content   string
	Score     float64
}

// SemanticMatch is a dense-vector hit over a chunk. Similarity is nil when
// the provider returned the chunk without scoring it.
type SemanticMatch struct {
	FilePath   string
	ChunkIndex int
	StartLine  int
	EndLine    int
	Content    string
	Similarity *float64
}

// FusedResult is one entry of the merged ranking.
type FusedResult struct {
	FilePath     string       `json:"file_path"`
	Location     int          `json:"location"`
	LocationKind LocationKind `json:"location_kind"`
	Content      string       `json:"content,omitempty"`
	MatchType    MatchType    `json:"match_type"`
	Score        float64      `json:"score"`
	StartLine    int          `json:"start_line,omitempty"`
	EndLine      int          `json:"end_line,omitempty"`
	Symbol       string       `json:"symbol,omitempty"`
}

// Similarity is a convenience for building SemanticMatch values.
func Similarity(v float64) *float64 { return &v }
