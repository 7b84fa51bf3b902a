package storage

import (
	"context"
	"time"

	"github.com/dshills/codefuse/pkg/types"
)

// Storage persists one project's files, chunks, symbols and embeddings, and
// answers the exact, symbol and semantic search signals.
type Storage interface {
	// File operations
	ReplaceFile(ctx context.Context, file *File, chunks []types.Chunk, symbols []types.Symbol) error
	GetFile(ctx context.Context, path string) (*File, error)
	ListFiles(ctx context.Context) ([]*File, error)
	DeleteFile(ctx context.Context, path string) error

	// Chunk operations
	GetChunk(ctx context.Context, path string, chunkIndex int) (*types.Chunk, error)
	ListChunks(ctx context.Context) ([]types.Chunk, error)
	ListChunksByFile(ctx context.Context, path string) ([]types.Chunk, error)
	ListChunksWithoutEmbedding(ctx context.Context, path, model string) ([]types.Chunk, error)

	// Embedding operations
	UpsertEmbeddings(ctx context.Context, embeddings []Embedding) error
	CountEmbeddings(ctx context.Context, model string) (int, error)

	// Search operations
	SearchExact(ctx context.Context, query string, limit int) ([]types.ExactMatch, error)
	SearchSymbols(ctx context.Context, query string, limit int) ([]types.SymbolMatch, error)
	SearchVector(ctx context.Context, vector []float32, model string, limit int) ([]types.SemanticMatch, error)

	// Index run bookkeeping
	RecordIndexRun(ctx context.Context, run *IndexRun) error
	LastIndexRun(ctx context.Context) (*IndexRun, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// File is a tracked source file. Path is slash-separated and relative to
// the project root.
type File struct {
	ID          int64
	Path        string
	Language    string
	PackageName string
	ContentHash [32]byte
	SizeBytes   int64
	ModTime     time.Time
	ParseError  string
	IndexedAt   time.Time
}

// Embedding is the vector for one chunk under one model.
type Embedding struct {
	FilePath   string
	ChunkIndex int
	Vector     []float32
	Model      string
}

// IndexRun records the outcome of one indexing pass.
type IndexRun struct {
	ID            int64         `json:"id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
	FilesIndexed  int           `json:"files_indexed"`
	FilesSkipped  int           `json:"files_skipped"`
	FilesFailed   int           `json:"files_failed"`
	FilesRemoved  int           `json:"files_removed"`
	ChunksIndexed int           `json:"chunks_indexed"`
}

// Stats summarises the database contents.
type Stats struct {
	Files         int    `json:"files"`
	Chunks        int    `json:"chunks"`
	Symbols       int    `json:"symbols"`
	Embeddings    int    `json:"embeddings"`
	SizeBytes     int64  `json:"size_bytes"`
	SchemaVersion string `json:"schema_version"`
	BuildMode     string `json:"build_mode"`
}
