package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/dshills/codefuse/pkg/types"
)

// SearchVector ranks every chunk embedded under model by cosine similarity
// to vector and returns the top limit. Embeddings of a different dimension
// are skipped. An empty model matches any model.
func (s *SQLiteStorage) SearchVector(ctx context.Context, vector []float32, model string, limit int) ([]types.SemanticMatch, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrInvalidInput)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	query := `
		SELECT f.path, c.chunk_index, c.start_line, c.end_line, c.content, e.vector
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN files f ON c.file_id = f.id
		WHERE e.dimension = ?
	`
	args := []any{len(vector)}
	if model != "" {
		query += " AND e.model = ?"
		args = append(args, model)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates := make([]candidate, 0, 256)
	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.path, &c.chunkIndex, &c.startLine, &c.endLine, &c.content, &blob); err != nil {
			return nil, err
		}
		stored := deserializeVector(blob)
		if len(stored) != len(vector) {
			continue
		}
		c.score = cosineSimilarity(vector, stored)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortCandidates(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]types.SemanticMatch, len(candidates))
	for i, c := range candidates {
		results[i] = types.SemanticMatch{
			FilePath:   c.path,
			ChunkIndex: c.chunkIndex,
			StartLine:  c.startLine,
			EndLine:    c.endLine,
			Content:    c.content,
			Similarity: types.Similarity(c.score),
		}
	}
	return results, nil
}

// candidate represents a chunk with its similarity score
type candidate struct {
	path       string
	chunkIndex int
	startLine  int
	endLine    int
	content    string
	score      float64
}

// sortCandidates orders by score descending, then path and chunk index so
// equal scores rank deterministically.
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.path != b.path {
			return a.path < b.path
		}
		return a.chunkIndex < b.chunkIndex
	})
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths and zero vectors give 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
