package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/codefuse/internal/bm25"
	"github.com/dshills/codefuse/internal/chunker"
	"github.com/dshills/codefuse/internal/embedder"
	"github.com/dshills/codefuse/internal/fusion"
	"github.com/dshills/codefuse/internal/logging"
	"github.com/dshills/codefuse/internal/metrics"
	"github.com/dshills/codefuse/internal/parser"
	"github.com/dshills/codefuse/internal/storage"
	"github.com/dshills/codefuse/internal/tokenizer"
	"github.com/dshills/codefuse/pkg/types"
)

// ErrIndexingInProgress is returned when another pass holds the lock.
var ErrIndexingInProgress = errors.New("indexing already in progress")

// Config contains configuration for the indexer
type Config struct {
	Workers        int      `yaml:"workers"`          // default runtime.NumCPU()
	MaxFileSize    int64    `yaml:"max_file_size"`    // bytes; larger files are skipped
	Extensions     []string `yaml:"extensions"`       // empty = every language the chunker knows
	EmbedBatchSize int      `yaml:"embed_batch_size"` // chunks per embedding request
	IncludeTests   bool     `yaml:"include_tests"`
	IncludeVendor  bool     `yaml:"include_vendor"`
}

// DefaultConfig returns the indexer defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        runtime.NumCPU(),
		MaxFileSize:    1 << 20,
		EmbedBatchSize: 32,
		IncludeTests:   true,
	}
}

// Options adjusts a single IndexProject call.
type Options struct {
	IncludeTests  bool
	IncludeVendor bool
	Force         bool // re-index files whose hash is unchanged
}

// Statistics contains statistics about the indexing operation
type Statistics struct {
	FilesIndexed      int           `json:"files_indexed"`
	FilesSkipped      int           `json:"files_skipped"`
	FilesFailed       int           `json:"files_failed"`
	FilesRemoved      int           `json:"files_removed"`
	SymbolsExtracted  int           `json:"symbols_extracted"`
	ChunksCreated     int           `json:"chunks_created"`
	EmbeddingsCreated int           `json:"embeddings_created"`
	EmbeddingErrors   int           `json:"embedding_errors"`
	Documents         int           `json:"documents"`
	Duration          time.Duration `json:"duration_ns"`
	ErrorMessages     []string      `json:"errors,omitempty"`
}

// Indexer coordinates the pipeline: read -> parse -> chunk -> store ->
// embed -> BM25.
type Indexer struct {
	cfg      Config
	parser   *parser.Parser
	chunker  *chunker.Chunker
	tok      *tokenizer.Tokenizer
	storage  storage.Storage
	engine   *bm25.Engine
	embedder embedder.Embedder // nil disables embeddings
	metrics  *metrics.Metrics
	logger   *slog.Logger
	lock     IndexLock
}

// Deps are the collaborators an Indexer writes to.
type Deps struct {
	Storage   storage.Storage
	Engine    *bm25.Engine
	Embedder  embedder.Embedder
	Tokenizer *tokenizer.Tokenizer
	Chunker   *chunker.Chunker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates an Indexer. Storage and Engine are required.
func New(cfg Config, deps Deps) (*Indexer, error) {
	if deps.Storage == nil || deps.Engine == nil {
		return nil, errors.New("indexer requires storage and a bm25 engine")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultConfig().EmbedBatchSize
	}
	if deps.Tokenizer == nil {
		deps.Tokenizer = tokenizer.New()
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New()
	}

	return &Indexer{
		cfg:      cfg,
		parser:   parser.New(),
		chunker:  deps.Chunker,
		tok:      deps.Tokenizer,
		storage:  deps.Storage,
		engine:   deps.Engine,
		embedder: deps.Embedder,
		metrics:  deps.Metrics,
		logger:   logging.WithComponent(deps.Logger, "indexer"),
	}, nil
}

// DefaultOptions returns per-call options from the configured defaults.
func (idx *Indexer) DefaultOptions() Options {
	return Options{IncludeTests: idx.cfg.IncludeTests, IncludeVendor: idx.cfg.IncludeVendor}
}

// Running reports whether a pass is in progress and since when.
func (idx *Indexer) Running() (time.Time, bool) {
	return idx.lock.HeldSince()
}

// IndexProject brings storage and the BM25 engine in line with the files
// under rootPath. Per-file failures are collected in the statistics;
// only discovery failures, cancellation and a held lock abort the pass.
func (idx *Indexer) IndexProject(ctx context.Context, rootPath string, opts Options) (*Statistics, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrIndexingInProgress
	}
	defer idx.lock.Release()

	start := time.Now()
	idx.logger.Info("indexing started", "root", rootPath, "force", opts.Force)

	files, err := idx.discoverFiles(rootPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	stats := &Statistics{ErrorMessages: make([]string, 0)}
	if err := idx.indexFiles(ctx, rootPath, files, opts, stats); err != nil {
		return nil, err
	}

	removed, err := idx.removeMissing(ctx, files)
	if err != nil {
		return nil, err
	}
	stats.FilesRemoved = removed
	stats.Documents = idx.engine.Len()
	stats.Duration = time.Since(start)

	run := &storage.IndexRun{
		StartedAt:     start,
		Duration:      stats.Duration,
		FilesIndexed:  stats.FilesIndexed,
		FilesSkipped:  stats.FilesSkipped,
		FilesFailed:   stats.FilesFailed,
		FilesRemoved:  stats.FilesRemoved,
		ChunksIndexed: stats.ChunksCreated,
	}
	if err := idx.storage.RecordIndexRun(ctx, run); err != nil {
		idx.logger.Warn("failed to record index run", "error", err)
	}
	idx.metrics.ObserveIndexRun(stats.FilesIndexed, stats.FilesSkipped, stats.FilesFailed,
		stats.FilesRemoved, stats.Documents, stats.Duration)

	idx.logger.Info("indexing finished",
		"indexed", stats.FilesIndexed,
		"skipped", stats.FilesSkipped,
		"failed", stats.FilesFailed,
		"removed", stats.FilesRemoved,
		"documents", stats.Documents,
		"duration", stats.Duration)
	return stats, nil
}

// discoverFiles returns the slash-separated relative paths of every file
// to index, sorted.
func (idx *Indexer) discoverFiles(rootPath string, opts Options) ([]string, error) {
	allowed := make(map[string]struct{}, len(idx.cfg.Extensions))
	for _, ext := range idx.cfg.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	var files []string
	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == rootPath {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || name == "node_modules" {
				return filepath.SkipDir
			}
			if !opts.IncludeVendor && name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		if chunker.Language(path) == "" {
			return nil
		}
		if len(allowed) > 0 {
			if _, ok := allowed[strings.ToLower(filepath.Ext(path))]; !ok {
				return nil
			}
		}

		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !opts.IncludeTests && fusion.IsTestFile(rel) {
			return nil
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

type counters struct {
	indexed, skipped, failed    atomic.Int32
	symbols, chunks, embeddings atomic.Int32
	embeddingErrors             atomic.Int32
}

// indexFiles runs indexFile over files on a bounded worker pool.
func (idx *Indexer) indexFiles(ctx context.Context, rootPath string, files []string, opts Options, stats *Statistics) error {
	var c counters
	var mu sync.Mutex // protects stats.ErrorMessages

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.cfg.Workers)

	for _, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := idx.indexFile(gctx, rootPath, rel, opts, &c); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.failed.Add(1)
				idx.logger.Warn("failed to index file", "path", rel, "error", err)
				mu.Lock()
				stats.ErrorMessages = append(stats.ErrorMessages, fmt.Sprintf("%s: %v", rel, err))
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	sort.Strings(stats.ErrorMessages)
	stats.FilesIndexed = int(c.indexed.Load())
	stats.FilesSkipped = int(c.skipped.Load())
	stats.FilesFailed = int(c.failed.Load())
	stats.SymbolsExtracted = int(c.symbols.Load())
	stats.ChunksCreated = int(c.chunks.Load())
	stats.EmbeddingsCreated = int(c.embeddings.Load())
	stats.EmbeddingErrors = int(c.embeddingErrors.Load())
	return nil
}

// indexFile indexes a single file
func (idx *Indexer) indexFile(ctx context.Context, rootPath, rel string, opts Options, c *counters) error {
	abs := filepath.Join(rootPath, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if idx.cfg.MaxFileSize > 0 && info.Size() > idx.cfg.MaxFileSize {
		idx.logger.Debug("skipping large file", "path", rel, "size", info.Size())
		c.skipped.Add(1)
		return nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	hash := blake3.Sum256(content)

	existing, err := idx.storage.GetFile(ctx, rel)
	switch {
	case err == nil:
		if !opts.Force && existing.ContentHash == hash {
			c.skipped.Add(1)
			return nil
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}

	file := &storage.File{
		Path:        rel,
		Language:    chunker.Language(rel),
		ContentHash: hash,
		SizeBytes:   info.Size(),
		ModTime:     info.ModTime(),
	}

	var parsed *types.ParseResult
	var symbols []types.Symbol
	if file.Language == "go" {
		parsed = idx.parser.ParseSource(rel, content)
		file.PackageName = parsed.PackageName
		if parsed.HasErrors() {
			file.ParseError = parsed.Errors[0].Message
		}
		for i := range parsed.Symbols {
			if err := parsed.Symbols[i].Validate(); err != nil {
				idx.logger.Debug("dropping symbol", "path", rel, "symbol", parsed.Symbols[i].Name, "error", err)
				continue
			}
			symbols = append(symbols, parsed.Symbols[i])
		}
	}

	chunks := idx.chunker.ChunkSource(rel, content, parsed)
	if err := idx.storage.ReplaceFile(ctx, file, chunks, symbols); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	docs := make([]types.Document, len(chunks))
	for i := range chunks {
		docs[i] = chunker.ToDocument(&chunks[i], idx.tok)
	}
	if _, err := idx.engine.ReplaceFile(rel, docs); err != nil {
		return fmt.Errorf("bm25: %w", err)
	}

	if idx.embedder != nil {
		n, err := idx.embedFile(ctx, rel)
		c.embeddings.Add(int32(n))
		if err != nil {
			c.embeddingErrors.Add(1)
			idx.logger.Warn("failed to embed file", "path", rel, "error", err)
		}
	}

	c.indexed.Add(1)
	c.symbols.Add(int32(len(symbols)))
	c.chunks.Add(int32(len(chunks)))
	return nil
}

// embedFile embeds the chunks of rel that have no vector for the current
// model and returns how many were stored.
func (idx *Indexer) embedFile(ctx context.Context, rel string) (int, error) {
	model := idx.embedder.Model()
	missing, err := idx.storage.ListChunksWithoutEmbedding(ctx, rel, model)
	if err != nil {
		return 0, err
	}

	stored := 0
	for start := 0; start < len(missing); start += idx.cfg.EmbedBatchSize {
		batch := missing[start:min(start+idx.cfg.EmbedBatchSize, len(missing))]
		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Content
		}

		vectors, err := idx.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return stored, err
		}

		embeddings := make([]storage.Embedding, len(batch))
		for i := range batch {
			embeddings[i] = storage.Embedding{
				FilePath:   rel,
				ChunkIndex: batch[i].ChunkIndex,
				Vector:     vectors[i],
				Model:      model,
			}
		}
		if err := idx.storage.UpsertEmbeddings(ctx, embeddings); err != nil {
			return stored, err
		}
		stored += len(batch)
	}
	return stored, nil
}

// removeMissing drops stored files that discovery no longer returned.
func (idx *Indexer) removeMissing(ctx context.Context, current []string) (int, error) {
	stored, err := idx.storage.ListFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored files: %w", err)
	}

	keep := make(map[string]struct{}, len(current))
	for _, p := range current {
		keep[p] = struct{}{}
	}

	removed := 0
	for _, f := range stored {
		if _, ok := keep[f.Path]; ok {
			continue
		}
		if err := idx.storage.DeleteFile(ctx, f.Path); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return removed, fmt.Errorf("failed to delete %s: %w", f.Path, err)
		}
		if _, err := idx.engine.RemoveByFile(f.Path); err != nil {
			return removed, err
		}
		idx.logger.Debug("removed file", "path", f.Path)
		removed++
	}
	return removed, nil
}

// Rebuild repopulates the BM25 engine from the chunks in storage. Used
// when the snapshot is missing or unreadable.
func (idx *Indexer) Rebuild(ctx context.Context) (int, error) {
	if !idx.lock.TryAcquire() {
		return 0, ErrIndexingInProgress
	}
	defer idx.lock.Release()

	chunks, err := idx.storage.ListChunks(ctx)
	if err != nil {
		return 0, err
	}

	idx.engine.Clear()
	for start := 0; start < len(chunks); {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := start
		for end < len(chunks) && chunks[end].FilePath == chunks[start].FilePath {
			end++
		}
		docs := make([]types.Document, 0, end-start)
		for i := start; i < end; i++ {
			docs = append(docs, chunker.ToDocument(&chunks[i], idx.tok))
		}
		if _, err := idx.engine.ReplaceFile(chunks[start].FilePath, docs); err != nil {
			return 0, fmt.Errorf("rebuild %s: %w", chunks[start].FilePath, err)
		}
		start = end
	}

	idx.logger.Info("bm25 index rebuilt from storage", "documents", idx.engine.Len())
	return idx.engine.Len(), nil
}
