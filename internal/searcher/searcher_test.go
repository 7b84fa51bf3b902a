package searcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codefuse/internal/bm25"
	"github.com/dshills/codefuse/internal/embedder"
	"github.com/dshills/codefuse/internal/fusion"
	"github.com/dshills/codefuse/internal/indexer"
	"github.com/dshills/codefuse/internal/logging"
	"github.com/dshills/codefuse/internal/metrics"
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

const cacheSrc = `package cache

// Cache keeps recently used values in memory.
type Cache struct {
	items map[string]string
}

// Lookup returns the cached value for key.
func (c *Cache) Lookup(key string) (string, bool) {
	v, ok := c.items[key]
	return v, ok
}
`

type fixture struct {
	store    *storage.SQLiteStorage
	engine   *bm25.Engine
	metrics  *metrics.Metrics
	searcher *Searcher
}

func setupFixture(t *testing.T, cfg Config, emb embedder.Embedder) *fixture {
	t.Helper()
	ctx := context.Background()

	root := t.TempDir()
	for rel, src := range map[string]string{
		"auth/login.go":  loginSrc,
		"cache/cache.go": cacheSrc,
		"README.md":      "# Demo\n\nPassword authentication and an in-memory cache.\n",
	} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}

	store, err := storage.NewSQLiteStorage(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := bm25.New(bm25.DefaultConfig())
	require.NoError(t, err)

	idx, err := indexer.New(indexer.DefaultConfig(), indexer.Deps{
		Storage: store, Engine: engine, Embedder: emb, Logger: logging.Discard(),
	})
	require.NoError(t, err)
	_, err = idx.IndexProject(ctx, root, indexer.Options{})
	require.NoError(t, err)

	fe, err := fusion.New(fusion.DefaultConfig())
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	s, err := New(cfg, Deps{
		Storage:  store,
		Engine:   engine,
		Fusion:   fe,
		Embedder: emb,
		Metrics:  m,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	return &fixture{store: store, engine: engine, metrics: m, searcher: s}
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.CandidateMultiplier = 0
	_, err = New(cfg, Deps{})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    SearchMode
		wantErr bool
	}{
		{"", SearchModeHybrid, false},
		{"hybrid", SearchModeHybrid, false},
		{" Keyword ", SearchModeKeyword, false},
		{"VECTOR", SearchModeVector, false},
		{"fuzzy", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateRequest(t *testing.T) {
	s := &Searcher{cfg: DefaultConfig()}

	tests := []struct {
		name      string
		req       SearchRequest
		wantErr   error
		wantLimit int
		wantMode  SearchMode
	}{
		{name: "defaults", req: SearchRequest{Query: " auth "}, wantLimit: 10, wantMode: SearchModeHybrid},
		{name: "clamped", req: SearchRequest{Query: "auth", Limit: 500, Mode: SearchModeKeyword}, wantLimit: 100, wantMode: SearchModeKeyword},
		{name: "empty query", req: SearchRequest{Query: "   "}, wantErr: types.ErrEmptyQuery},
		{name: "negative limit", req: SearchRequest{Query: "auth", Limit: -1}, wantErr: types.ErrInvalidLimit},
		{name: "bad mode", req: SearchRequest{Query: "auth", Mode: "fuzzy"}, wantErr: ErrInvalidMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := s.validateRequest(&req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, req.Limit)
			assert.Equal(t, tt.wantMode, req.Mode)
			assert.Equal(t, "auth", req.Query)
		})
	}
}

func TestSearchHybrid(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), embedder.NewLocalProvider(64))

	resp, err := f.searcher.Search(context.Background(), SearchRequest{Query: "Authenticate", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.LessOrEqual(t, len(resp.Results), 5)
	assert.Equal(t, len(resp.Results), resp.TotalResults)
	assert.Equal(t, SearchModeHybrid, resp.SearchMode)
	assert.False(t, resp.CacheHit)
	assert.False(t, resp.Degraded)
	assert.Empty(t, resp.SignalErrors)
	assert.Len(t, resp.SignalCounts, 4)

	assert.Equal(t, "auth/login.go", resp.Results[0].FilePath)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestSearchHydratesStatisticalResults(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)

	resp, err := f.searcher.Search(context.Background(), SearchRequest{
		Query: "verify password user",
		Mode:  SearchModeKeyword,
	})
	require.NoError(t, err)

	var statistical int
	for _, r := range resp.Results {
		if r.MatchType != types.MatchStatistical {
			continue
		}
		statistical++
		assert.NotEmpty(t, r.Content, "statistical result %s:%d not hydrated", r.FilePath, r.Location)
		assert.Positive(t, r.StartLine)
		assert.GreaterOrEqual(t, r.EndLine, r.StartLine)
	}
	assert.Positive(t, statistical)
}

func TestSearchToleratesMissingEmbedder(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	resp, err := f.searcher.Search(ctx, SearchRequest{Query: "cache lookup"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.SignalErrors, "semantic")
	assert.False(t, resp.Degraded)

	_, err = f.searcher.Search(ctx, SearchRequest{Query: "cache lookup", Mode: SearchModeVector})
	assert.ErrorIs(t, err, ErrAllSignalsFailed)
}

func TestSearchVectorMode(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), embedder.NewLocalProvider(64))

	resp, err := f.searcher.Search(context.Background(), SearchRequest{
		Query: "cache lookup key",
		Mode:  SearchModeVector,
		Limit: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Len(t, resp.SignalCounts, 1)
	for _, r := range resp.Results {
		assert.Equal(t, types.MatchSemantic, r.MatchType)
		assert.NotEmpty(t, r.Content)
	}
}

func TestSearchDegradesOnCorruptStatisticalID(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)

	require.NoError(t, f.engine.AddDocument(types.Document{
		ID:       "not-a-chunk",
		FilePath: "ghost.go",
		Tokens:   []types.Token{{Text: "authenticate", Position: 0, ImportanceWeight: 2}},
	}))

	resp, err := f.searcher.Search(context.Background(), SearchRequest{
		Query: "authenticate",
		Mode:  SearchModeKeyword,
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.SignalErrors, "statistical")
	for _, r := range resp.Results {
		assert.NotEqual(t, types.MatchStatistical, r.MatchType)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DegradedTotal))
}

func TestSearchRerankDemotesTests(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)

	resp, err := f.searcher.Search(context.Background(), SearchRequest{
		Query:  "Authenticate",
		Mode:   SearchModeKeyword,
		Rerank: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "auth/login.go", resp.Results[0].FilePath)
}

func TestSearchCache(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	req := SearchRequest{Query: "Authenticate", Mode: SearchModeKeyword, UseCache: true}

	first, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 1, f.searcher.CacheLen())

	second, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)

	// Mutating a returned response must not leak into the cache.
	second.Results[0].FilePath = "mutated.go"
	third, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Results[0].FilePath, third.Results[0].FilePath)

	f.searcher.InvalidateCache()
	assert.Zero(t, f.searcher.CacheLen())
	fourth, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CacheHitsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CacheMissesTotal))
}

func TestSearchCacheDropsStaleGeneration(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	req := SearchRequest{Query: "Authenticate", Mode: SearchModeKeyword, UseCache: true}

	_, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)
	hit, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)
	require.True(t, hit.CacheHit)

	// The engine changes without an explicit invalidation.
	require.NoError(t, f.engine.AddDocument(types.Document{
		ID:       types.FormatDocID("auth/extra.go", 0),
		FilePath: "auth/extra.go",
		Tokens:   []types.Token{{Text: "authenticate", Position: 0, ImportanceWeight: 1}},
	}))

	resp, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)

	again, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
}

func TestSearchRerankUsesStatisticalContent(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	req := SearchRequest{Query: "lookup items", Mode: SearchModeKeyword, Limit: 100}

	plain, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)
	want, err := f.searcher.fusion.Rerank(plain.Results, req.Query)
	require.NoError(t, err)

	req.Rerank = true
	got, err := f.searcher.Search(ctx, req)
	require.NoError(t, err)

	var statistical int
	for _, r := range got.Results {
		if r.MatchType == types.MatchStatistical {
			statistical++
			assert.NotEmpty(t, r.Content)
		}
	}
	require.Positive(t, statistical)
	assert.Equal(t, want, got.Results)
}

func TestSearchCacheDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheSize = 0
	f := setupFixture(t, cfg, nil)

	req := SearchRequest{Query: "Authenticate", Mode: SearchModeKeyword, UseCache: true}
	for range 2 {
		resp, err := f.searcher.Search(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, resp.CacheHit)
	}
	assert.Zero(t, f.searcher.CacheLen())
}

func TestSearchConcurrent(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), embedder.NewLocalProvider(64))

	var wg sync.WaitGroup
	results := make([][]types.FusedResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.searcher.Search(context.Background(), SearchRequest{Query: "cache lookup", UseCache: true})
			if assert.NoError(t, err) {
				results[i] = resp.Results
			}
		}()
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestSearchMetrics(t *testing.T) {
	f := setupFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := f.searcher.Search(ctx, SearchRequest{Query: "Authenticate", Mode: SearchModeKeyword})
	require.NoError(t, err)
	_, err = f.searcher.Search(ctx, SearchRequest{Query: ""})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SearchQueriesTotal.WithLabelValues("keyword", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SearchQueriesTotal.WithLabelValues("invalid", "error")))
}
