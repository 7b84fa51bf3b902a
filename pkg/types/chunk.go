package types

import (
	"errors"

	"github.com/zeebo/blake3"
)

// ChunkKind describes what a chunk was cut around.
type ChunkKind string

const (
	ChunkFunction   ChunkKind = "function"
	ChunkMethod     ChunkKind = "method"
	ChunkTypeDecl   ChunkKind = "type"
	ChunkConstGroup ChunkKind = "const_group"
	ChunkVarGroup   ChunkKind = "var_group"
	ChunkPackage    ChunkKind = "package"
	ChunkWindow     ChunkKind = "window"
)

// Chunk is a contiguous section of a file. Chunks of one file are numbered
// from zero in source order; (FilePath, ChunkIndex) is the chunk identity
// used by every index.
type Chunk struct {
	FilePath    string
	ChunkIndex  int
	Content     string
	ContentHash [32]byte
	StartLine   int
	EndLine     int
	Kind        ChunkKind
	Language    string
	SymbolName  string
}

// DocID returns the BM25 doc id for the chunk.
func (c *Chunk) DocID() string {
	return FormatDocID(c.FilePath, c.ChunkIndex)
}

// ComputeContentHash fills ContentHash with the blake3 digest of Content.
func (c *Chunk) ComputeContentHash() {
	c.ContentHash = blake3.Sum256([]byte(c.Content))
}

// Validate performs structural validation of the chunk.
func (c *Chunk) Validate() error {
	if c.FilePath == "" {
		return errors.New("chunk file path is required")
	}
	if c.ChunkIndex < 0 {
		return errors.New("chunk index must be non-negative")
	}
	if c.Content == "" {
		return errors.New("chunk content cannot be empty")
	}
	if c.StartLine <= 0 || c.EndLine < c.StartLine {
		return errors.New("invalid chunk line range")
	}
	var zero [32]byte
	if c.ContentHash == zero {
		return errors.New("content hash must be computed")
	}
	return nil
}
