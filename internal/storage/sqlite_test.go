package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codefuse/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func chunk(path string, idx, start int, content string) types.Chunk {
	c := types.Chunk{
		FilePath:   path,
		ChunkIndex: idx,
		Content:    content,
		StartLine:  start,
		EndLine:    start + countLines(content) - 1,
		Kind:       types.ChunkFunction,
		Language:   "go",
	}
	c.ComputeContentHash()
	return c
}

func countLines(s string) int {
	n := 1
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}

func symbol(name string, kind types.SymbolKind, line int, sig string) types.Symbol {
	return types.Symbol{
		Name:      name,
		Kind:      kind,
		Package:   "auth",
		Signature: sig,
		Scope:     types.ScopeExported,
		Start:     types.Position{Line: line, Column: 1},
		End:       types.Position{Line: line + 2, Column: 1},
	}
}

func seedAuth(t *testing.T, s *SQLiteStorage) {
	t.Helper()
	ctx := context.Background()
	chunks := []types.Chunk{
		chunk("internal/auth/login.go", 0, 1, "package auth\n\nimport \"errors\""),
		chunk("internal/auth/login.go", 1, 5, "// Authenticate checks a password.\nfunc Authenticate(user, password string) error {\n\treturn verifyPassword(user, password)\n}"),
	}
	symbols := []types.Symbol{
		symbol("Authenticate", types.KindFunction, 6, "func Authenticate(user, password string) error"),
	}
	require.NoError(t, s.ReplaceFile(ctx, &File{Path: "internal/auth/login.go", Language: "go", PackageName: "auth"}, chunks, symbols))

	other := []types.Chunk{
		chunk("internal/http/server.go", 0, 1, "func ListenAndServe(addr string) error {\n\treturn nil\n}"),
	}
	require.NoError(t, s.ReplaceFile(ctx, &File{Path: "internal/http/server.go", Language: "go", PackageName: "http"}, other,
		[]types.Symbol{symbol("ListenAndServe", types.KindFunction, 1, "func ListenAndServe(addr string) error")}))
}

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)

	v, err := SchemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)

	// Re-applying is a no-op.
	require.NoError(t, ApplyMigrations(ctx, s.db))

	require.NoError(t, RollbackMigration(ctx, s.db))
	v, err = SchemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	require.NoError(t, ApplyMigrations(ctx, s.db))
	v, err = SchemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestReplaceFile(t *testing.T) {
	ctx := context.Background()

	t.Run("stores file and chunks", func(t *testing.T) {
		s := setupTestDB(t)
		seedAuth(t, s)

		f, err := s.GetFile(ctx, "internal/auth/login.go")
		require.NoError(t, err)
		assert.Equal(t, "auth", f.PackageName)
		assert.False(t, f.IndexedAt.IsZero())

		chunks, err := s.ListChunksByFile(ctx, "internal/auth/login.go")
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, 1, chunks[1].ChunkIndex)
		assert.Equal(t, 5, chunks[1].StartLine)
		assert.Equal(t, types.ChunkFunction, chunks[1].Kind)

		all, err := s.ListChunks(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Equal(t, "internal/auth/login.go", all[0].FilePath)
		assert.Equal(t, "internal/http/server.go", all[2].FilePath)
	})

	t.Run("replacement drops old rows", func(t *testing.T) {
		s := setupTestDB(t)
		seedAuth(t, s)

		replacement := []types.Chunk{chunk("internal/auth/login.go", 0, 1, "package auth\n\nfunc Logout() {}")}
		require.NoError(t, s.ReplaceFile(ctx, &File{Path: "internal/auth/login.go", Language: "go"}, replacement, nil))

		chunks, err := s.ListChunksByFile(ctx, "internal/auth/login.go")
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Contains(t, chunks[0].Content, "Logout")

		exact, err := s.SearchExact(ctx, "verifyPassword", 10)
		require.NoError(t, err)
		assert.Empty(t, exact, "full-text index must forget replaced chunks")

		syms, err := s.SearchSymbols(ctx, "Authenticate", 10)
		require.NoError(t, err)
		assert.Empty(t, syms)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Files)
		assert.Equal(t, 2, stats.Chunks)
		assert.Equal(t, 1, stats.Symbols)
	})

	t.Run("rejects foreign chunks", func(t *testing.T) {
		s := setupTestDB(t)
		err := s.ReplaceFile(ctx, &File{Path: "a.go", Language: "go"},
			[]types.Chunk{chunk("b.go", 0, 1, "x")}, nil)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = s.GetFile(ctx, "a.go")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects invalid symbols", func(t *testing.T) {
		s := setupTestDB(t)
		bad := symbol("Run", types.KindMethod, 1, "func Run()")
		err := s.ReplaceFile(ctx, &File{Path: "a.go", Language: "go"}, nil, []types.Symbol{bad})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("requires a path", func(t *testing.T) {
		s := setupTestDB(t)
		assert.ErrorIs(t, s.ReplaceFile(ctx, &File{}, nil, nil), ErrInvalidInput)
		assert.ErrorIs(t, s.ReplaceFile(ctx, nil, nil, nil), ErrInvalidInput)
	})
}

func TestGetChunk(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	seedAuth(t, s)

	c, err := s.GetChunk(ctx, "internal/auth/login.go", 1)
	require.NoError(t, err)
	assert.Contains(t, c.Content, "func Authenticate")
	assert.Equal(t, types.FormatDocID("internal/auth/login.go", 1), c.DocID())

	_, err = s.GetChunk(ctx, "internal/auth/login.go", 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	seedAuth(t, s)

	require.NoError(t, s.UpsertEmbeddings(ctx, []Embedding{
		{FilePath: "internal/auth/login.go", ChunkIndex: 1, Vector: []float32{1, 0}, Model: "m"},
	}))

	require.NoError(t, s.DeleteFile(ctx, "internal/auth/login.go"))
	assert.ErrorIs(t, s.DeleteFile(ctx, "internal/auth/login.go"), ErrNotFound)

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "internal/http/server.go", files[0].Path)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 1, stats.Symbols)
	assert.Equal(t, 0, stats.Embeddings, "embeddings cascade with their chunks")
}

func TestEmbeddings(t *testing.T) {
	ctx := context.Background()

	t.Run("vector search ranks by cosine", func(t *testing.T) {
		s := setupTestDB(t)
		seedAuth(t, s)

		require.NoError(t, s.UpsertEmbeddings(ctx, []Embedding{
			{FilePath: "internal/auth/login.go", ChunkIndex: 0, Vector: []float32{0, 1, 0}, Model: "m"},
			{FilePath: "internal/auth/login.go", ChunkIndex: 1, Vector: []float32{1, 0, 0}, Model: "m"},
			{FilePath: "internal/http/server.go", ChunkIndex: 0, Vector: []float32{0.7, 0.7, 0}, Model: "m"},
		}))

		results, err := s.SearchVector(ctx, []float32{1, 0, 0}, "m", 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "internal/auth/login.go", results[0].FilePath)
		assert.Equal(t, 1, results[0].ChunkIndex)
		require.NotNil(t, results[0].Similarity)
		assert.InDelta(t, 1.0, *results[0].Similarity, 1e-6)
		assert.Equal(t, "internal/http/server.go", results[1].FilePath)
		assert.Equal(t, 5, results[0].StartLine)

		other, err := s.SearchVector(ctx, []float32{1, 0, 0}, "other-model", 5)
		require.NoError(t, err)
		assert.Empty(t, other)

		wrongDim, err := s.SearchVector(ctx, []float32{1, 0}, "m", 5)
		require.NoError(t, err)
		assert.Empty(t, wrongDim)

		n, err := s.CountEmbeddings(ctx, "m")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		s := setupTestDB(t)
		seedAuth(t, s)
		e := Embedding{FilePath: "internal/http/server.go", ChunkIndex: 0, Vector: []float32{1, 0}, Model: "m"}
		require.NoError(t, s.UpsertEmbeddings(ctx, []Embedding{e}))
		e.Vector = []float32{0, 1}
		require.NoError(t, s.UpsertEmbeddings(ctx, []Embedding{e}))

		n, err := s.CountEmbeddings(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		results, err := s.SearchVector(ctx, []float32{0, 1}, "m", 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.InDelta(t, 1.0, *results[0].Similarity, 1e-6)
	})

	t.Run("unknown chunk fails the batch", func(t *testing.T) {
		s := setupTestDB(t)
		seedAuth(t, s)
		err := s.UpsertEmbeddings(ctx, []Embedding{
			{FilePath: "internal/http/server.go", ChunkIndex: 0, Vector: []float32{1}, Model: "m"},
			{FilePath: "missing.go", ChunkIndex: 0, Vector: []float32{1}, Model: "m"},
		})
		assert.ErrorIs(t, err, ErrNotFound)

		n, err := s.CountEmbeddings(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("invalid vectors", func(t *testing.T) {
		s := setupTestDB(t)
		assert.ErrorIs(t, s.UpsertEmbeddings(ctx, []Embedding{{FilePath: "a", Model: "m"}}), ErrInvalidInput)
		assert.ErrorIs(t, s.UpsertEmbeddings(ctx, []Embedding{{FilePath: "a", Vector: []float32{1}}}), ErrInvalidInput)
		_, err := s.SearchVector(ctx, nil, "m", 1)
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = s.SearchVector(ctx, []float32{1}, "m", 0)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("unchanged chunks keep embeddings across replace", func(t *testing.T) {
		s := setupTestDB(t)
		seedAuth(t, s)
		require.NoError(t, s.UpsertEmbeddings(ctx, []Embedding{
			{FilePath: "internal/auth/login.go", ChunkIndex: 0, Vector: []float32{1, 0}, Model: "m"},
			{FilePath: "internal/auth/login.go", ChunkIndex: 1, Vector: []float32{0, 1}, Model: "m"},
		}))

		old, err := s.ListChunksByFile(ctx, "internal/auth/login.go")
		require.NoError(t, err)
		changed := chunk("internal/auth/login.go", 1, 5, "func Authenticate() error { return nil }")
		require.NoError(t, s.ReplaceFile(ctx, &File{Path: "internal/auth/login.go", Language: "go"},
			[]types.Chunk{old[0], changed}, nil))

		missing, err := s.ListChunksWithoutEmbedding(ctx, "internal/auth/login.go", "m")
		require.NoError(t, err)
		require.Len(t, missing, 1)
		assert.Equal(t, 1, missing[0].ChunkIndex)

		n, err := s.CountEmbeddings(ctx, "m")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestSearchExact(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	seedAuth(t, s)

	results, err := s.SearchExact(ctx, "verifyPassword", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "internal/auth/login.go", results[0].FilePath)
	assert.Equal(t, 7, results[0].LineNumber)
	assert.Equal(t, "return verifyPassword(user, password)", results[0].LineContent)
	assert.Greater(t, results[0].Score, 0.0)
	assert.Less(t, results[0].Score, 1.0)

	phrase, err := s.SearchExact(ctx, "password string", 10)
	require.NoError(t, err)
	require.Len(t, phrase, 1)
	assert.Equal(t, 6, phrase[0].LineNumber)

	none, err := s.SearchExact(ctx, "password user", 10)
	require.NoError(t, err)
	assert.Empty(t, none, "word order matters for phrases")

	punct, err := s.SearchExact(ctx, `"(*)"`, 10)
	require.NoError(t, err)
	assert.Empty(t, punct)

	quoted, err := s.SearchExact(ctx, `say "hi" AND NOT`, 10)
	require.NoError(t, err)
	assert.Empty(t, quoted)

	_, err = s.SearchExact(ctx, "x", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchSymbols(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	seedAuth(t, s)

	results, err := s.SearchSymbols(ctx, "Authenticate", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Authenticate", results[0].Name)
	assert.Equal(t, types.KindFunction, results[0].Kind)
	assert.Equal(t, 6, results[0].Line)
	assert.Equal(t, 1.0, results[0].Score)

	prefix, err := s.SearchSymbols(ctx, "listen", 10)
	require.NoError(t, err)
	require.Len(t, prefix, 1)
	assert.Equal(t, "ListenAndServe", prefix[0].Name)
	assert.Less(t, prefix[0].Score, 1.0)

	both, err := s.SearchSymbols(ctx, "auth OR listen", 10)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	empty, err := s.SearchSymbols(ctx, "!!!", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIndexRuns(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)

	_, err := s.LastIndexRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	started := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, s.RecordIndexRun(ctx, &IndexRun{StartedAt: started, Duration: time.Second, FilesIndexed: 3}))
	run := &IndexRun{StartedAt: started, Duration: 1500 * time.Millisecond, FilesIndexed: 4, ChunksIndexed: 12}
	require.NoError(t, s.RecordIndexRun(ctx, run))
	assert.NotZero(t, run.ID)

	last, err := s.LastIndexRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, last.FilesIndexed)
	assert.Equal(t, 12, last.ChunksIndexed)
	assert.Equal(t, 1500*time.Millisecond, last.Duration)
	assert.True(t, started.Equal(last.StartedAt))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	seedAuth(t, s)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, 2, stats.Symbols)
	assert.Greater(t, stats.SizeBytes, int64(0))
	assert.Equal(t, CurrentSchemaVersion, stats.SchemaVersion)
	assert.Equal(t, BuildMode, stats.BuildMode)
}
