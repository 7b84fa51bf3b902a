package embedder

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dshills/codefuse/internal/tokenizer"
)

// Provider configuration
const (
	ProviderLocal  = "local"
	ProviderOpenAI = "openai"
	ProviderJina   = "jina"

	// Default models
	DefaultLocalModel  = "codefuse-hash-v1"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultJinaModel   = "jina-embeddings-v3"

	// Endpoints
	DefaultOpenAIEndpoint = "https://api.openai.com/v1/embeddings"
	DefaultJinaEndpoint   = "https://api.jina.ai/v1/embeddings"

	// Dimensions
	LocalDimension  = 384
	OpenAIDimension = 1536
	JinaDimension   = 1024

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100
)

// LocalProvider is a deterministic feature-hashing embedder. Each token is
// hashed into a bucket with a sign bit and weighted by its importance, so
// texts that share identifiers land close together. It needs no network
// and no model files.
type LocalProvider struct {
	dimension int
	tok       *tokenizer.Tokenizer
}

// NewLocalProvider creates a hashing embedder with the given dimension.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{dimension: dimension, tok: tokenizer.New()}
}

func (l *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := make([]float32, l.dimension)
	for _, t := range l.tok.Tokenize(text) {
		sum := blake3.Sum256([]byte(t.Text))
		bucket := binary.LittleEndian.Uint64(sum[:8]) % uint64(l.dimension)
		w := float32(t.ImportanceWeight)
		if sum[8]&1 == 1 {
			w = -w
		}
		v[bucket] += w
	}
	return NormalizeVector(v), nil
}

func (l *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateBatch(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := l.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (l *LocalProvider) Dimension() int { return l.dimension }
func (l *LocalProvider) Model() string  { return DefaultLocalModel }
func (l *LocalProvider) Close() error   { return nil }

// HTTPProvider calls an OpenAI-compatible embeddings endpoint. Jina AI
// speaks the same request and response shape.
type HTTPProvider struct {
	endpoint   string
	apiKey     string
	model      string
	dimension  int
	batchSize  int
	httpClient *http.Client
	retry      RetryConfig
}

// HTTPOptions configures an HTTPProvider.
type HTTPOptions struct {
	Endpoint  string
	APIKey    string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
	Retry     RetryConfig
}

// NewHTTPProvider creates a provider for an OpenAI-compatible endpoint.
func NewHTTPProvider(opts HTTPOptions) (*HTTPProvider, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidInput)
	}
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidInput)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidInput)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchSize > MaxBatchSize {
		opts.BatchSize = MaxBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = DefaultRetryConfig()
	}

	return &HTTPProvider{
		endpoint:   opts.Endpoint,
		apiKey:     opts.APIKey,
		model:      opts.Model,
		dimension:  opts.Dimension,
		batchSize:  opts.BatchSize,
		httpClient: &http.Client{Timeout: opts.Timeout},
		retry:      opts.Retry,
	}, nil
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *HTTPProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateBatch(texts); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := min(start+p.batchSize, len(texts))
		batch := texts[start:end]

		vectors, err := retryWithBackoff(ctx, p.retry, func() ([][]float32, error) {
			return p.callAPI(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (p *HTTPProvider) Dimension() int { return p.dimension }
func (p *HTTPProvider) Model() string  { return p.model }

func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (p *HTTPProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("API error (status %d): %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, permanent(err)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(decoded.Data)))
	}

	sort.Slice(decoded.Data, func(i, j int) bool { return decoded.Data[i].Index < decoded.Data[j].Index })
	out := make([][]float32, len(decoded.Data))
	for i, d := range decoded.Data {
		if len(d.Embedding) != p.dimension {
			return nil, permanent(fmt.Errorf("expected dimension %d, got %d", p.dimension, len(d.Embedding)))
		}
		for _, x := range d.Embedding {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return nil, permanent(fmt.Errorf("embedding %d contains non-finite values", i))
			}
		}
		out[i] = d.Embedding
	}
	return out, nil
}
