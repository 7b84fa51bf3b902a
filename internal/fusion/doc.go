// Package fusion merges the results of independent retrieval signals into
// a single ranked list.
//
// Four signals feed Fuse as typed slices: exact text matches, symbol
// matches, semantic (vector) matches and statistical (BM25) matches. The
// Engine holds only configuration and is safe for concurrent use.
//
// # Basic Usage
//
//	engine, err := fusion.New(fusion.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//
//	results, err := engine.Fuse(exact, symbols, semantic, statistical)
//	if err != nil {
//	    // corrupt input; nothing is returned
//	    return err
//	}
//
//	results, err = engine.Rerank(results, query)
//
//	for _, r := range results {
//	    fmt.Printf("%-11s %.2f %s:%d\n", r.MatchType, r.Score, r.FilePath, r.Location)
//	}
//
// Any slice may be nil when its signal did not run.
//
// # Deduplication
//
// Each match is reduced to an identity key (file path, location), where
// the location is a line number for exact and symbol matches and a chunk
// index for semantic and statistical ones. Statistical doc ids are decoded
// with types.ParseDocID. When several signals report the same key only one
// survives, with priority
//
//	Exact > Symbol > Semantic > Statistical
//
// regardless of score. Within one signal the higher score wins.
//
// # Scores
//
// In ScoreCalibrated mode (the default) scores are mapped onto a shared
// scale:
//   - Exact: 1.0
//   - Symbol: 0.95
//   - Semantic: similarity clamped to [0, 1], times 0.7
//   - Statistical: score / best statistical score, times 0.9
//
// ScoreRaw keeps each signal's own score, with negatives clamped to zero.
// Results are sorted by score, then priority, then file path and location,
// and capped at Config.MaxResults after deduplication.
//
// # Validation
//
// Fuse validates every input before merging, signal by signal in the order
// exact, symbol, semantic, statistical:
//   - a NaN or infinite score fails with *types.CorruptedDataError
//   - a semantic match without a similarity fails with
//     *types.MissingSimilarityError
//   - a statistical doc id that does not follow "<file_path>-<chunk_index>"
//     fails with *types.InvalidDocIDError
//
// Matches with an empty file path or a negative location are dropped
// without failing the call.
//
// # Reranking
//
// Rerank multiplies each score by query-aware factors and re-sorts:
// test files and test directories sink, source directories and file names
// containing the query rise, and chunks whose content defines or uses the
// query words as identifiers rise. Content boosts need the chunk text, so
// callers hydrate statistical results first. Exact matches keep a floor
// above every semantic match.
package fusion
