// Package searcher is the query facade over the four retrieval signals.
//
// A search runs the signals selected by its mode concurrently:
//   - hybrid (default): exact, symbol, semantic and statistical
//   - keyword: exact, symbol and statistical; works without an embedder
//   - vector: semantic only
//
// Each signal is over-fetched by CandidateMultiplier so that fusion has
// room to deduplicate before the result list is cut to the requested
// limit. A failing signal is reported in SearchResponse.SignalErrors and
// the remaining ones are still fused; the request fails only when every
// selected signal fails.
//
// If the fusion engine rejects the statistical candidates (an undecodable
// doc id or a non-finite score) the search is retried without them and the
// response is marked Degraded.
//
// # Basic Usage
//
//	s, err := searcher.New(searcher.DefaultConfig(), searcher.Deps{
//	    Storage:  store,
//	    Engine:   bm25Engine,
//	    Fusion:   fusionEngine,
//	    Embedder: emb,
//	})
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    Query:    "user authentication",
//	    Limit:    10,
//	    Mode:     searcher.SearchModeHybrid,
//	    UseCache: true,
//	    Rerank:   true,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("%s:%d-%d %s %.2f\n", r.FilePath, r.StartLine, r.EndLine, r.MatchType, r.Score)
//	}
//
// # Caching
//
// Responses are cached in an expiring LRU keyed by query, mode, limit and
// rerank flag. Concurrent identical queries share one execution.
//
// Every cached response records the index generation it was computed
// against. The generation moves when the BM25 engine is mutated or when
// InvalidateCache is called, so a lookup never returns a response built
// from an older index, and a response whose search overlapped an index
// change is returned to its caller but not cached. Call InvalidateCache
// after storage changes that do not go through the engine, such as new
// embeddings.
//
// # Reranking
//
// With Rerank set, statistical results are hydrated with their chunk text
// before fusion.Engine.Rerank runs, so every signal is reranked on its
// content. The list is cut to the requested limit afterwards.
package searcher
