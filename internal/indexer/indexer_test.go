package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codefuse/internal/bm25"
	"github.com/dshills/codefuse/internal/embedder"
	"github.com/dshills/codefuse/internal/logging"
	"github.com/dshills/codefuse/internal/storage"
	"github.com/dshills/codefuse/pkg/types"
)

const loginSrc = `package auth

import "errors"

// ErrDenied is returned for bad credentials.
var ErrDenied = errors.New("denied")

// Authenticate checks a user's password.
func Authenticate(user, password string) error {
	if !verifyPassword(user, password) {
		return ErrDenied
	}
	return nil
}

func verifyPassword(user, password string) bool {
	return user != "" && password != ""
}
`

const serverSrc = `package server

// Server accepts connections.
type Server struct {
	Addr string
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return nil
}
`

type fixture struct {
	root    string
	store   *storage.SQLiteStorage
	engine  *bm25.Engine
	indexer *Indexer
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func setupFixture(t *testing.T, cfg Config, emb embedder.Embedder) *fixture {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "auth/login.go", loginSrc)
	writeFile(t, root, "server/server.go", serverSrc)
	writeFile(t, root, "server/server_test.go", "package server\n\nfunc TestServe(t *testing.T) {}\n")
	writeFile(t, root, "README.md", "# Demo\n\nAuthentication and serving.\n")
	writeFile(t, root, "vendor/lib/lib.go", "package lib\n\nfunc Vendored() {}\n")
	writeFile(t, root, ".git/config", "[core]\n")
	writeFile(t, root, "image.png", "not really a png")

	store, err := storage.NewSQLiteStorage(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := bm25.New(bm25.DefaultConfig())
	require.NoError(t, err)

	idx, err := New(cfg, Deps{Storage: store, Engine: engine, Embedder: emb, Logger: logging.Discard()})
	require.NoError(t, err)

	return &fixture{root: root, store: store, engine: engine, indexer: idx}
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestDiscoverFiles(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)

	files, err := f.indexer.discoverFiles(f.root, Options{IncludeTests: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "auth/login.go", "server/server.go", "server/server_test.go"}, files)

	files, err = f.indexer.discoverFiles(f.root, Options{IncludeVendor: true})
	require.NoError(t, err)
	assert.Contains(t, files, "vendor/lib/lib.go")
	assert.NotContains(t, files, "server/server_test.go")

	cfg := DefaultConfig()
	cfg.Extensions = []string{"go"}
	g := setupFixture(t, cfg, nil)
	files, err = g.indexer.discoverFiles(g.root, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"auth/login.go", "server/server.go"}, files)
}

func TestIndexProject(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, DefaultConfig(), embedder.NewLocalProvider(64))

	stats, err := f.indexer.IndexProject(ctx, f.root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FilesIndexed)
	assert.Equal(t, 0, stats.FilesFailed)
	assert.Empty(t, stats.ErrorMessages)
	assert.Positive(t, stats.SymbolsExtracted)
	assert.Equal(t, stats.ChunksCreated, stats.Documents)
	assert.Equal(t, stats.ChunksCreated, stats.EmbeddingsCreated)
	assert.Equal(t, stats.Documents, f.engine.Len())

	file, err := f.store.GetFile(ctx, "auth/login.go")
	require.NoError(t, err)
	assert.Equal(t, "auth", file.PackageName)
	assert.Equal(t, "go", file.Language)
	assert.Empty(t, file.ParseError)

	matches, err := f.engine.Search("authenticate password", 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	path, _, err := types.ParseDocID(matches[0].DocID)
	require.NoError(t, err)
	assert.Equal(t, "auth/login.go", path)

	syms, err := f.store.SearchSymbols(ctx, "ListenAndServe", 5)
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, types.KindMethod, syms[0].Kind)

	run, err := f.store.LastIndexRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, run.FilesIndexed)

	_, running := f.indexer.Running()
	assert.False(t, running)
}

func TestIncrementalIndexing(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, DefaultConfig(), nil)

	_, err := f.indexer.IndexProject(ctx, f.root, Options{})
	require.NoError(t, err)

	t.Run("unchanged files are skipped", func(t *testing.T) {
		stats, err := f.indexer.IndexProject(ctx, f.root, Options{})
		require.NoError(t, err)
		assert.Equal(t, 0, stats.FilesIndexed)
		assert.Equal(t, 3, stats.FilesSkipped)
	})

	t.Run("force reindexes everything", func(t *testing.T) {
		stats, err := f.indexer.IndexProject(ctx, f.root, Options{Force: true})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.FilesIndexed)
	})

	t.Run("changed file is replaced", func(t *testing.T) {
		writeFile(t, f.root, "auth/login.go", "package auth\n\n// Logout ends a session.\nfunc Logout() {}\n")
		stats, err := f.indexer.IndexProject(ctx, f.root, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.FilesIndexed)

		matches, err := f.engine.Search("verifypassword", 5)
		require.NoError(t, err)
		assert.Empty(t, matches)

		matches, err = f.engine.Search("logout", 5)
		require.NoError(t, err)
		assert.NotEmpty(t, matches)
	})

	t.Run("deleted file is removed", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(f.root, "server", "server.go")))
		stats, err := f.indexer.IndexProject(ctx, f.root, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.FilesRemoved)

		_, err = f.store.GetFile(ctx, "server/server.go")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		matches, err := f.engine.Search("listenandserve", 5)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})
}

func TestParseErrorsAreRecorded(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, DefaultConfig(), nil)
	writeFile(t, f.root, "broken/broken.go", "package broken\n\nfunc Good() {}\n\nfunc Bad( {\n")

	stats, err := f.indexer.IndexProject(ctx, f.root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesFailed)

	file, err := f.store.GetFile(ctx, "broken/broken.go")
	require.NoError(t, err)
	assert.Contains(t, file.ParseError, "syntax error")
}

func TestMaxFileSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileSize = 100
	f := setupFixture(t, cfg, nil)

	stats, err := f.indexer.IndexProject(context.Background(), f.root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesSkipped, "login.go and server.go exceed the cap")
	assert.Equal(t, 1, stats.FilesIndexed)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, DefaultConfig(), nil)
	_, err := f.indexer.IndexProject(ctx, f.root, Options{})
	require.NoError(t, err)

	want := f.engine.Stats()
	before, err := f.engine.Search("authenticate", 5)
	require.NoError(t, err)

	f.engine.Clear()
	require.Zero(t, f.engine.Len())

	n, err := f.indexer.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.TotalDocuments, n)
	assert.Equal(t, want, f.engine.Stats())

	after, err := f.engine.Search("authenticate", 5)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIndexLock(t *testing.T) {
	var l IndexLock
	_, held := l.HeldSince()
	assert.False(t, held)

	require.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	since, held := l.HeldSince()
	assert.True(t, held)
	assert.WithinDuration(t, time.Now(), since, time.Minute)

	l.Release()
	assert.True(t, l.TryAcquire())
}

func TestConcurrentIndexingRejected(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)
	require.True(t, f.indexer.lock.TryAcquire())
	defer f.indexer.lock.Release()

	_, err := f.indexer.IndexProject(context.Background(), f.root, Options{})
	assert.ErrorIs(t, err, ErrIndexingInProgress)
	_, err = f.indexer.Rebuild(context.Background())
	assert.ErrorIs(t, err, ErrIndexingInProgress)
}

func TestCancelledContext(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.indexer.IndexProject(ctx, f.root, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
