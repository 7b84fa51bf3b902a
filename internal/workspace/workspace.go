// Package workspace binds a project root to its database, BM25 engine,
// embedder, indexer and searcher.
package workspace

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dshills/codefuse/internal/bm25"
	"github.com/dshills/codefuse/internal/config"
	"github.com/dshills/codefuse/internal/embedder"
	"github.com/dshills/codefuse/internal/fusion"
	"github.com/dshills/codefuse/internal/indexer"
	"github.com/dshills/codefuse/internal/logging"
	"github.com/dshills/codefuse/internal/metrics"
	"github.com/dshills/codefuse/internal/searcher"
	"github.com/dshills/codefuse/internal/storage"
	"github.com/dshills/codefuse/internal/tokenizer"
)

var (
	ErrNotDirectory = errors.New("project path is not a directory")
	ErrClosed       = errors.New("workspace is closed")
)

// Workspace is one indexed project.
type Workspace struct {
	root         string
	id           string
	dbPath       string
	snapshotPath string
	compression  bm25.Compression

	store    *storage.SQLiteStorage
	engine   *bm25.Engine
	embedder embedder.Embedder
	indexer  *indexer.Indexer
	searcher *searcher.Searcher
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Status describes a workspace for the get_status tool.
type Status struct {
	Root           string            `json:"root"`
	ID             string            `json:"id"`
	Indexed        bool              `json:"indexed"`
	Indexing       bool              `json:"indexing"`
	IndexingSince  *time.Time        `json:"indexing_since,omitempty"`
	Storage        *storage.Stats    `json:"storage"`
	BM25           bm25.Stats        `json:"bm25"`
	LastRun        *storage.IndexRun `json:"last_run,omitempty"`
	EmbeddingModel string            `json:"embedding_model,omitempty"`
	CachedQueries  int               `json:"cached_queries"`
}

// ID returns the stable identifier of a project root: the first 16 hex
// digits of its blake3 digest.
func ID(root string) string {
	sum := blake3.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])[:16]
}

// CanonicalRoot resolves root to an absolute, symlink-free directory path.
func CanonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}
	return abs, nil
}

// Open opens or creates the workspace for root. The BM25 engine is loaded
// from its snapshot, or rebuilt from storage when the snapshot is missing,
// unreadable or out of step with the database.
func Open(ctx context.Context, root string, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Workspace, error) {
	root, err := CanonicalRoot(root)
	if err != nil {
		return nil, err
	}
	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	id := ID(root)
	ws := &Workspace{
		root:         root,
		id:           id,
		dbPath:       filepath.Join(dataDir, id+".db"),
		snapshotPath: filepath.Join(dataDir, id+".bm25"),
		compression:  cfg.Compression(),
		logger:       logging.WithComponent(logger, "workspace").With("root", root),
	}

	ws.store, err = storage.NewSQLiteStorage(ctx, ws.dbPath)
	if err != nil {
		return nil, err
	}

	ws.engine, err = bm25.New(cfg.BM25)
	if err != nil {
		_ = ws.store.Close()
		return nil, err
	}

	ws.embedder, err = embedder.New(cfg.Embedder)
	if err != nil {
		// Keyword search still works without embeddings.
		ws.logger.Warn("embedder unavailable, semantic search disabled", "error", err)
		ws.embedder = nil
	}

	fe, err := fusion.New(cfg.Fusion)
	if err != nil {
		ws.closeResources()
		return nil, err
	}

	tok := tokenizer.New()
	ws.indexer, err = indexer.New(cfg.Indexer, indexer.Deps{
		Storage:   ws.store,
		Engine:    ws.engine,
		Embedder:  ws.embedder,
		Tokenizer: tok,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		ws.closeResources()
		return nil, err
	}

	ws.searcher, err = searcher.New(cfg.Search, searcher.Deps{
		Storage:      ws.store,
		Engine:       ws.engine,
		Fusion:       fe,
		Embedder:     ws.embedder,
		Preprocessor: tokenizer.NewQueryPreprocessor(tok),
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		ws.closeResources()
		return nil, err
	}

	if err := ws.loadEngine(ctx); err != nil {
		ws.closeResources()
		return nil, err
	}
	return ws, nil
}

func (ws *Workspace) loadEngine(ctx context.Context) error {
	err := ws.engine.LoadFile(ws.snapshotPath)
	switch {
	case err == nil:
		stats, serr := ws.store.Stats(ctx)
		if serr != nil {
			return serr
		}
		if stats.Chunks == ws.engine.Len() {
			ws.logger.Debug("bm25 snapshot loaded", "documents", ws.engine.Len())
			return nil
		}
		ws.logger.Warn("bm25 snapshot out of date, rebuilding",
			"snapshot_documents", ws.engine.Len(), "stored_chunks", stats.Chunks)
	case bm25.IsSnapshotMissing(err):
		ws.logger.Debug("no bm25 snapshot, rebuilding from storage")
	default:
		ws.logger.Warn("bm25 snapshot unreadable, rebuilding", "error", err)
	}

	if _, err := ws.indexer.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuilding bm25 index: %w", err)
	}
	return nil
}

// Root returns the canonical project root.
func (ws *Workspace) Root() string { return ws.root }

// ID returns the workspace identifier.
func (ws *Workspace) ID() string { return ws.id }

// Index brings the workspace up to date with the files on disk, drops
// cached queries and persists the BM25 snapshot.
func (ws *Workspace) Index(ctx context.Context, opts indexer.Options) (*indexer.Statistics, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if ws.closed {
		return nil, ErrClosed
	}

	// A failed pass may still have replaced some files.
	defer ws.searcher.InvalidateCache()

	stats, err := ws.indexer.IndexProject(ctx, ws.root, opts)
	if err != nil {
		return nil, err
	}

	if err := ws.engine.SaveFile(ws.snapshotPath, ws.compression); err != nil {
		ws.logger.Warn("failed to save bm25 snapshot", "error", err)
	}
	return stats, nil
}

// DefaultIndexOptions returns the configured indexing defaults.
func (ws *Workspace) DefaultIndexOptions() indexer.Options {
	return ws.indexer.DefaultOptions()
}

// Search runs a query against the workspace.
func (ws *Workspace) Search(ctx context.Context, req searcher.SearchRequest) (*searcher.SearchResponse, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if ws.closed {
		return nil, ErrClosed
	}
	return ws.searcher.Search(ctx, req)
}

// SearchDefaults returns the searcher configuration.
func (ws *Workspace) SearchDefaults() searcher.Config {
	return ws.searcher.Config()
}

// Status reports what is indexed and whether a pass is running.
func (ws *Workspace) Status(ctx context.Context) (*Status, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if ws.closed {
		return nil, ErrClosed
	}

	stats, err := ws.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Root:          ws.root,
		ID:            ws.id,
		Indexed:       stats.Files > 0,
		Storage:       stats,
		BM25:          ws.engine.Stats(),
		CachedQueries: ws.searcher.CacheLen(),
	}
	if since, running := ws.indexer.Running(); running {
		st.Indexing = true
		st.IndexingSince = &since
	}
	if ws.embedder != nil {
		st.EmbeddingModel = ws.embedder.Model()
	}

	run, err := ws.store.LastIndexRun(ctx)
	switch {
	case err == nil:
		st.LastRun = run
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}
	return st, nil
}

// Close saves the BM25 snapshot and releases the database and embedder.
func (ws *Workspace) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return nil
	}
	ws.closed = true

	var errs []error
	if err := ws.engine.SaveFile(ws.snapshotPath, ws.compression); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, ws.closeResources())
	return errors.Join(errs...)
}

func (ws *Workspace) closeResources() error {
	var errs []error
	if ws.embedder != nil {
		errs = append(errs, ws.embedder.Close())
	}
	if ws.store != nil {
		errs = append(errs, ws.store.Close())
	}
	return errors.Join(errs...)
}
