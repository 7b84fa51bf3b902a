package searcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/codefuse/internal/bm25"
	"github.com/dshills/codefuse/internal/embedder"
	"github.com/dshills/codefuse/internal/fusion"
	"github.com/dshills/codefuse/internal/logging"
	"github.com/dshills/codefuse/internal/metrics"
	"github.com/dshills/codefuse/internal/storage"
	"github.com/dshills/codefuse/internal/tokenizer"
	"github.com/dshills/codefuse/pkg/types"
)

// SearchMode selects which retrieval signals run.
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"  // all four signals
	SearchModeKeyword SearchMode = "keyword" // exact, symbol and statistical
	SearchModeVector  SearchMode = "vector"  // semantic only
)

// ParseMode maps a user supplied mode name to a SearchMode. The empty
// string selects hybrid.
func ParseMode(s string) (SearchMode, error) {
	switch m := SearchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return SearchModeHybrid, nil
	case SearchModeHybrid, SearchModeKeyword, SearchModeVector:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

var (
	ErrInvalidMode       = errors.New("unsupported search mode")
	ErrAllSignalsFailed  = errors.New("all retrieval signals failed")
	ErrNoSemanticBackend = errors.New("no embedder configured")
)

// Signal names used in responses, logs and metric labels.
const (
	signalExact       = "exact"
	signalSymbol      = "symbol"
	signalSemantic    = "semantic"
	signalStatistical = "statistical"
)

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	Query    string
	Limit    int
	Mode     SearchMode
	UseCache bool
	Rerank   bool
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	Results      []types.FusedResult `json:"results"`
	TotalResults int                 `json:"total_results"`
	SearchMode   SearchMode          `json:"search_mode"`
	Duration     time.Duration       `json:"duration_ns"`
	CacheHit     bool                `json:"cache_hit"`
	Degraded     bool                `json:"degraded,omitempty"`
	SignalCounts map[string]int      `json:"signal_counts"`
	SignalErrors map[string]string   `json:"signal_errors,omitempty"`
}

// Deps are the collaborators a Searcher reads from.
type Deps struct {
	Storage      storage.Storage
	Engine       *bm25.Engine
	Fusion       *fusion.Engine
	Embedder     embedder.Embedder // nil disables the semantic signal
	Preprocessor *tokenizer.QueryPreprocessor
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Searcher runs the retrieval signals for a query and fuses them.
type Searcher struct {
	cfg      Config
	storage  storage.Storage
	engine   *bm25.Engine
	fusion   *fusion.Engine
	embedder embedder.Embedder
	pre      *tokenizer.QueryPreprocessor
	metrics  *metrics.Metrics
	logger   *slog.Logger

	cache *expirable.LRU[string, cacheEntry] // nil when caching is off
	group singleflight.Group
	epoch atomic.Uint64
}

// cacheEntry pairs a response with the index generation it was built from.
type cacheEntry struct {
	resp *SearchResponse
	gen  uint64
}

// New creates a Searcher. Storage, Engine and Fusion are required.
func New(cfg Config, deps Deps) (*Searcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Storage == nil || deps.Engine == nil || deps.Fusion == nil {
		return nil, errors.New("searcher requires storage, a bm25 engine and a fusion engine")
	}
	if deps.Preprocessor == nil {
		deps.Preprocessor = tokenizer.NewQueryPreprocessor(tokenizer.New())
	}

	s := &Searcher{
		cfg:      cfg,
		storage:  deps.Storage,
		engine:   deps.Engine,
		fusion:   deps.Fusion,
		embedder: deps.Embedder,
		pre:      deps.Preprocessor,
		metrics:  deps.Metrics,
		logger:   logging.WithComponent(deps.Logger, "searcher"),
	}
	if cfg.CacheSize > 0 {
		s.cache = expirable.NewLRU[string, cacheEntry](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return s, nil
}

// Config returns the facade configuration.
func (s *Searcher) Config() Config {
	return s.cfg
}

// Search performs a search based on the request parameters
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	start := time.Now()

	if err := s.validateRequest(&req); err != nil {
		s.metrics.ObserveSearch("invalid", "error", 0, time.Since(start))
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	gen := s.generation()
	key := cacheKey(req)
	if req.UseCache && s.cache != nil {
		if cached, ok := s.cache.Get(key); ok && cached.gen == gen {
			s.metrics.CacheHit()
			resp := cached.resp.clone()
			resp.CacheHit = true
			resp.Duration = time.Since(start)
			s.metrics.ObserveSearch(string(req.Mode), "cached", resp.TotalResults, resp.Duration)
			return resp, nil
		}
		s.metrics.CacheMiss()
	}

	flight := key + ":" + strconv.FormatUint(gen, 10)
	v, err, _ := s.group.Do(flight, func() (any, error) {
		return s.search(ctx, req)
	})
	if err != nil {
		s.metrics.ObserveSearch(string(req.Mode), "error", 0, time.Since(start))
		return nil, err
	}

	shared := v.(*SearchResponse)
	// A response computed while the index changed is returned but not kept.
	if req.UseCache && s.cache != nil && len(shared.Results) > 0 && s.generation() == gen {
		s.cache.Add(key, cacheEntry{resp: shared, gen: gen})
	}

	resp := shared.clone()
	resp.Duration = time.Since(start)
	outcome := "ok"
	if resp.TotalResults == 0 {
		outcome = "empty"
	}
	s.metrics.ObserveSearch(string(req.Mode), outcome, resp.TotalResults, resp.Duration)
	return resp, nil
}

// InvalidateCache drops every cached response and marks responses still
// being computed as stale. Call it after the index or storage changes.
func (s *Searcher) InvalidateCache() {
	s.epoch.Add(1)
	if s.cache != nil {
		s.cache.Purge()
	}
}

// generation changes whenever the BM25 engine is mutated or the cache is
// invalidated. Both counters only grow, so their sum does too.
func (s *Searcher) generation() uint64 {
	return s.engine.Generation() + s.epoch.Load()
}

// CacheLen reports the number of cached responses.
func (s *Searcher) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

type signalSet struct {
	exact       []types.ExactMatch
	symbol      []types.SymbolMatch
	semantic    []types.SemanticMatch
	statistical []types.BM25Match

	mu     sync.Mutex
	errs   map[string]error
	counts map[string]int
}

func (ss *signalSet) record(name string, n int, err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err != nil {
		ss.errs[name] = err
		return
	}
	ss.counts[name] = n
}

func (s *Searcher) search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	fetch := req.Limit * s.cfg.CandidateMultiplier
	signals := s.collect(ctx, req, fetch)

	selected := signalsFor(req.Mode)
	if len(signals.errs) == len(selected) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrAllSignalsFailed, joinErrors(signals.errs))
	}

	resp := &SearchResponse{
		SearchMode:   req.Mode,
		SignalCounts: signals.counts,
	}
	if len(signals.errs) > 0 {
		resp.SignalErrors = make(map[string]string, len(signals.errs))
		for name, err := range signals.errs {
			resp.SignalErrors[name] = err.Error()
		}
	}
	if _, failed := signals.errs[signalStatistical]; failed {
		s.metrics.Degraded()
		resp.Degraded = true
	}

	results, err := s.fusion.Fuse(signals.exact, signals.symbol, signals.semantic, signals.statistical)
	if err != nil && len(signals.statistical) > 0 &&
		(errors.Is(err, types.ErrInvalidDocID) || errors.Is(err, types.ErrCorruptedData)) {
		s.logger.Warn("statistical signal rejected by fusion, continuing without it",
			"error", err, "query", req.Query)
		s.metrics.Degraded()
		resp.Degraded = true
		if resp.SignalErrors == nil {
			resp.SignalErrors = make(map[string]string, 1)
		}
		resp.SignalErrors[signalStatistical] = err.Error()
		results, err = s.fusion.Fuse(signals.exact, signals.symbol, signals.semantic, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("fusion failed: %w", err)
	}

	if req.Rerank {
		// Statistical results carry no text until hydrated and the content
		// boosts need it.
		s.hydrate(ctx, results)
		results, err = s.fusion.Rerank(results, req.Query)
		if err != nil {
			return nil, fmt.Errorf("rerank failed: %w", err)
		}
	}

	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	s.hydrate(ctx, results)

	resp.Results = results
	resp.TotalResults = len(results)
	return resp, nil
}

func signalsFor(mode SearchMode) []string {
	switch mode {
	case SearchModeKeyword:
		return []string{signalExact, signalSymbol, signalStatistical}
	case SearchModeVector:
		return []string{signalSemantic}
	default:
		return []string{signalExact, signalSymbol, signalSemantic, signalStatistical}
	}
}

// collect runs the signals selected by the mode concurrently. A failing
// signal is recorded and does not cancel the others.
func (s *Searcher) collect(ctx context.Context, req SearchRequest, fetch int) *signalSet {
	ss := &signalSet{errs: make(map[string]error), counts: make(map[string]int)}
	cleaned := s.pre.Preprocess(req.Query)

	var g errgroup.Group
	for _, name := range signalsFor(req.Mode) {
		g.Go(func() error {
			var n int
			var err error
			switch name {
			case signalExact:
				ss.exact, err = s.storage.SearchExact(ctx, req.Query, fetch)
				n = len(ss.exact)
			case signalSymbol:
				ss.symbol, err = s.storage.SearchSymbols(ctx, cleaned, fetch)
				n = len(ss.symbol)
			case signalSemantic:
				ss.semantic, err = s.searchSemantic(ctx, req.Query, fetch)
				n = len(ss.semantic)
			case signalStatistical:
				ss.statistical, err = s.searchStatistical(req.Query, fetch)
				n = len(ss.statistical)
			}
			if err != nil {
				s.logger.Warn("signal failed", "signal", name, "error", err)
			}
			s.metrics.ObserveSignal(name, n, err)
			ss.record(name, n, err)
			return nil
		})
	}
	_ = g.Wait()
	return ss
}

func (s *Searcher) searchSemantic(ctx context.Context, query string, limit int) ([]types.SemanticMatch, error) {
	if s.embedder == nil {
		return nil, ErrNoSemanticBackend
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return s.storage.SearchVector(ctx, vec, s.embedder.Model(), limit)
}

// searchStatistical queries the BM25 engine with the preprocessed terms. A
// query with no indexable terms yields no matches rather than an error.
func (s *Searcher) searchStatistical(query string, limit int) ([]types.BM25Match, error) {
	matches, err := s.engine.SearchTerms(s.pre.Terms(query), limit)
	if errors.Is(err, types.ErrEmptyQuery) {
		return nil, nil
	}
	return matches, err
}

// hydrate fills content and line spans of chunk results from storage. BM25
// matches carry only a doc id.
func (s *Searcher) hydrate(ctx context.Context, results []types.FusedResult) {
	for i := range results {
		r := &results[i]
		if r.LocationKind != types.LocationChunk || r.Content != "" {
			continue
		}
		chunk, err := s.storage.GetChunk(ctx, r.FilePath, r.Location)
		if err != nil {
			s.logger.Debug("chunk not hydrated", "file", r.FilePath, "chunk", r.Location, "error", err)
			continue
		}
		r.Content = chunk.Content
		r.StartLine = chunk.StartLine
		r.EndLine = chunk.EndLine
		if r.Symbol == "" {
			r.Symbol = chunk.SymbolName
		}
	}
}

// validateRequest ensures search request is valid
func (s *Searcher) validateRequest(req *SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return types.ErrEmptyQuery
	}

	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return err
	}
	req.Mode = mode

	switch {
	case req.Limit == 0:
		req.Limit = s.cfg.DefaultLimit
	case req.Limit < 0:
		return types.ErrInvalidLimit
	case req.Limit > s.cfg.MaxLimit:
		req.Limit = s.cfg.MaxLimit
	}
	return nil
}

func cacheKey(req SearchRequest) string {
	h := blake3.New()
	_, _ = h.Write([]byte(req.Query))
	_, _ = h.Write([]byte("\x00" + string(req.Mode) + "\x00" + strconv.Itoa(req.Limit) + "\x00" + strconv.FormatBool(req.Rerank)))
	return hex.EncodeToString(h.Sum(nil))
}

func (r *SearchResponse) clone() *SearchResponse {
	out := *r
	out.Results = append([]types.FusedResult(nil), r.Results...)
	out.SignalCounts = make(map[string]int, len(r.SignalCounts))
	for k, v := range r.SignalCounts {
		out.SignalCounts[k] = v
	}
	if r.SignalErrors != nil {
		out.SignalErrors = make(map[string]string, len(r.SignalErrors))
		for k, v := range r.SignalErrors {
			out.SignalErrors[k] = v
		}
	}
	return &out
}

func joinErrors(errs map[string]error) string {
	parts := make([]string, 0, len(errs))
	for _, name := range []string{signalExact, signalSymbol, signalSemantic, signalStatistical} {
		if err, ok := errs[name]; ok {
			parts = append(parts, name+": "+err.Error())
		}
	}
	return strings.Join(parts, "; ")
}
