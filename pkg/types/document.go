package types

import (
	"math"
	"strconv"
	"strings"
)

// DocIDFormat describes the doc id convention shared by the indexer and
// the fusion layer.
const DocIDFormat = "filepath-chunkindex"

// Token is a normalized term emitted by the tokenizer.
type Token struct {
	Text             string
	Position         int     // ordinal within the document, >= 0
	ImportanceWeight float64 // > 0; 1.0 for ordinary tokens
}

// Document is the unit indexed by the BM25 engine: one chunk of one file.
type Document struct {
	ID         string
	FilePath   string
	ChunkIndex int
	Tokens     []Token
	StartLine  int
	EndLine    int
	Language   string
}

// Validate checks the structural invariants of a document record.
func (d *Document) Validate() error {
	invalid := func(reason string) error {
		return &InvalidDocumentError{DocID: d.ID, Reason: reason}
	}

	if strings.TrimSpace(d.ID) == "" {
		return invalid("id is required")
	}
	if d.ChunkIndex < 0 {
		return invalid("chunk index must be non-negative")
	}
	if d.EndLine < d.StartLine {
		return invalid("end line precedes start line")
	}

	for i := range d.Tokens {
		tok := &d.Tokens[i]
		switch {
		case tok.Text == "":
			return invalid("token " + strconv.Itoa(i) + " has empty text")
		case tok.Position < 0:
			return invalid("token " + strconv.Itoa(i) + " has negative position")
		case tok.ImportanceWeight <= 0 || math.IsNaN(tok.ImportanceWeight) || math.IsInf(tok.ImportanceWeight, 0):
			return invalid("token " + strconv.Itoa(i) + " has invalid importance weight")
		}
	}

	return nil
}

// FormatDocID builds the doc id for chunk chunkIndex of filePath.
func FormatDocID(filePath string, chunkIndex int) string {
	return filePath + "-" + strconv.Itoa(chunkIndex)
}

// ParseDocID decodes a doc id produced by FormatDocID. The id is split at
// its last '-': the suffix must be a non-negative decimal chunk index and
// the prefix a non-empty path that does not itself end in '-'.
func ParseDocID(docID string) (string, int, error) {
	bad := &InvalidDocIDError{DocID: docID, ExpectedFormat: DocIDFormat}

	i := strings.LastIndexByte(docID, '-')
	if i <= 0 || i == len(docID)-1 {
		return "", 0, bad
	}

	filePath, suffix := docID[:i], docID[i+1:]
	if strings.HasSuffix(filePath, "-") {
		return "", 0, bad
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return "", 0, bad
		}
	}

	chunkIndex, err := strconv.Atoi(suffix)
	if err != nil {
		return "", 0, bad
	}
	return filePath, chunkIndex, nil
}
