package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestLocalProvider(t *testing.T) {
	ctx := context.Background()
	p := NewLocalProvider(0)
	assert.Equal(t, LocalDimension, p.Dimension())
	assert.Equal(t, DefaultLocalModel, p.Model())

	t.Run("deterministic and normalised", func(t *testing.T) {
		a, err := p.Embed(ctx, "func ParseFile(path string) error")
		require.NoError(t, err)
		b, err := p.Embed(ctx, "func ParseFile(path string) error")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, LocalDimension)
		assert.InDelta(t, 1.0, norm(a), 1e-5)
	})

	t.Run("shared identifiers are closer", func(t *testing.T) {
		q, err := p.Embed(ctx, "parse file path")
		require.NoError(t, err)
		near, err := p.Embed(ctx, "func ParseFile(path string) error")
		require.NoError(t, err)
		far, err := p.Embed(ctx, "type HTTPServer struct { listener net.Listener }")
		require.NoError(t, err)
		assert.Greater(t, dot(q, near), dot(q, far))
	})

	t.Run("empty text", func(t *testing.T) {
		_, err := p.Embed(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyText)
	})

	t.Run("batch", func(t *testing.T) {
		out, err := p.EmbedBatch(ctx, []string{"alpha beta", "gamma delta"})
		require.NoError(t, err)
		require.Len(t, out, 2)
		single, err := p.Embed(ctx, "gamma delta")
		require.NoError(t, err)
		assert.Equal(t, single, out[1])

		_, err = p.EmbedBatch(ctx, []string{"ok", ""})
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = p.EmbedBatch(ctx, nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("only stop words gives zero vector", func(t *testing.T) {
		v, err := p.Embed(ctx, "a")
		require.NoError(t, err)
		assert.Zero(t, norm(v))
	})
}

type countingEmbedder struct {
	*LocalProvider
	calls atomic.Int32
	texts atomic.Int32
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	c.texts.Add(int32(len(texts)))
	return c.LocalProvider.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	c.texts.Add(1)
	return c.LocalProvider.Embed(ctx, text)
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{LocalProvider: NewLocalProvider(64)}
	c, err := NewCached(inner, 16)
	require.NoError(t, err)

	first, err := c.Embed(ctx, "open database")
	require.NoError(t, err)
	second, err := c.Embed(ctx, "open database")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	// Mutating a returned vector must not poison the cache.
	second[0] = 42
	third, err := c.Embed(ctx, "open database")
	require.NoError(t, err)
	assert.Equal(t, first, third)

	out, err := c.EmbedBatch(ctx, []string{"open database", "close handle", "read rows"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, first, out[0])
	assert.Equal(t, int32(3), inner.texts.Load(), "only the two misses reach the provider")
	assert.Equal(t, 3, c.Len())

	_, err = c.EmbedBatch(ctx, []string{"open database"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())

	assert.Equal(t, 64, c.Dimension())
}

func TestComputeHash(t *testing.T) {
	a := ComputeHash("hello")
	assert.Len(t, a, 64)
	assert.Equal(t, a, ComputeHash("hello"))
	assert.NotEqual(t, a, ComputeHash("hello!"))
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := NormalizeVector([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func embeddingServer(t *testing.T, dim int, status *atomic.Int32, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if code := status.Load(); code != 0 {
			status.Store(0)
			w.WriteHeader(int(code))
			return
		}

		var req embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		// Reverse order to check the client sorts by index.
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			v := make([]float32, dim)
			v[0] = float32(i)
			data = append(data, item{Embedding: v, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestHTTPProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("batches and orders results", func(t *testing.T) {
		var status, hits atomic.Int32
		srv := embeddingServer(t, 8, &status, &hits)
		defer srv.Close()

		p, err := NewHTTPProvider(HTTPOptions{
			Endpoint: srv.URL, APIKey: "test-key", Model: "m", Dimension: 8, BatchSize: 2, Retry: fastRetry(),
		})
		require.NoError(t, err)
		defer p.Close()

		out, err := p.EmbedBatch(ctx, []string{"a", "b", "c"})
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, float32(0), out[0][0])
		assert.Equal(t, float32(1), out[1][0])
		assert.Equal(t, float32(0), out[2][0], "third text is index 0 of the second batch")
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("retries server errors", func(t *testing.T) {
		var status, hits atomic.Int32
		status.Store(http.StatusServiceUnavailable)
		srv := embeddingServer(t, 4, &status, &hits)
		defer srv.Close()

		p, err := NewHTTPProvider(HTTPOptions{
			Endpoint: srv.URL, APIKey: "test-key", Model: "m", Dimension: 4, Retry: fastRetry(),
		})
		require.NoError(t, err)

		v, err := p.Embed(ctx, "x")
		require.NoError(t, err)
		assert.Len(t, v, 4)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var status, hits atomic.Int32
		status.Store(http.StatusBadRequest)
		srv := embeddingServer(t, 4, &status, &hits)
		defer srv.Close()

		p, err := NewHTTPProvider(HTTPOptions{
			Endpoint: srv.URL, APIKey: "test-key", Model: "m", Dimension: 4, Retry: fastRetry(),
		})
		require.NoError(t, err)

		_, err = p.Embed(ctx, "x")
		assert.ErrorIs(t, err, ErrProviderFailed)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		var status, hits atomic.Int32
		srv := embeddingServer(t, 3, &status, &hits)
		defer srv.Close()

		p, err := NewHTTPProvider(HTTPOptions{
			Endpoint: srv.URL, APIKey: "test-key", Model: "m", Dimension: 4, Retry: fastRetry(),
		})
		require.NoError(t, err)
		_, err = p.Embed(ctx, "x")
		assert.Error(t, err)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("option validation", func(t *testing.T) {
		_, err := NewHTTPProvider(HTTPOptions{Endpoint: "http://x", Model: "m", Dimension: 4})
		assert.ErrorIs(t, err, ErrMissingAPIKey)
		_, err = NewHTTPProvider(HTTPOptions{APIKey: "k", Model: "m", Dimension: 4})
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = NewHTTPProvider(HTTPOptions{Endpoint: "http://x", APIKey: "k", Dimension: 4})
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = NewHTTPProvider(HTTPOptions{Endpoint: "http://x", APIKey: "k", Model: "m"})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		_, err := retryWithBackoff(ctx, fastRetry(), func() (int, error) {
			calls++
			return 0, errors.New("boom")
		})
		assert.EqualError(t, err, "boom")
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		calls := 0
		sentinel := errors.New("bad request")
		_, err := retryWithBackoff(ctx, fastRetry(), func() (int, error) {
			calls++
			return 0, permanent(sentinel)
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := retryWithBackoff(cctx, fastRetry(), func() (int, error) {
			return 0, errors.New("boom")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNew(t *testing.T) {
	t.Run("default is local", func(t *testing.T) {
		emb, err := New(DefaultConfig())
		require.NoError(t, err)
		assert.Equal(t, LocalDimension, emb.Dimension())
		assert.Equal(t, DefaultLocalModel, emb.Model())
		require.NoError(t, emb.Close())
	})

	t.Run("unsupported provider", func(t *testing.T) {
		_, err := New(Config{Provider: "word2vec"})
		assert.ErrorIs(t, err, ErrUnsupportedProvider)
	})

	t.Run("openai needs a key", func(t *testing.T) {
		t.Setenv(EnvOpenAIAPIKey, "")
		_, err := New(Config{Provider: ProviderOpenAI})
		assert.ErrorIs(t, err, ErrMissingAPIKey)
	})

	t.Run("openai key from env", func(t *testing.T) {
		t.Setenv(EnvOpenAIAPIKey, "sk-test")
		emb, err := New(Config{Provider: "OpenAI"})
		require.NoError(t, err)
		assert.Equal(t, OpenAIDimension, emb.Dimension())
		assert.Equal(t, DefaultOpenAIModel, emb.Model())
	})

	t.Run("jina preset", func(t *testing.T) {
		emb, err := New(Config{Provider: ProviderJina, APIKey: "jk"})
		require.NoError(t, err)
		assert.Equal(t, JinaDimension, emb.Dimension())
		assert.Equal(t, DefaultJinaModel, emb.Model())
	})
}
