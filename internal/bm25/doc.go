// Package bm25 implements an incrementally maintained Okapi BM25 index.
//
// An Engine owns a term -> document -> posting inverted index plus the
// corpus aggregates BM25 needs (document count, per-document length and
// average length). Documents are added, replaced and removed one at a time
// or per file; every mutation updates postings and aggregates under a
// single write lock, so concurrent searches never see a half-indexed
// document.
//
// # Basic Usage
//
//	engine, err := bm25.New(bm25.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//
//	err = engine.AddDocument(types.Document{
//	    ID:        types.FormatDocID("internal/auth/login.go", 0),
//	    FilePath:  "internal/auth/login.go",
//	    StartLine: 1,
//	    EndLine:   24,
//	    Language:  "go",
//	    Tokens:    tok.Tokenize(src),
//	})
//
//	matches, err := engine.Search("authenticate user", 10)
//	for _, m := range matches {
//	    fmt.Printf("%s %.3f %v\n", m.DocID, m.Score, m.MatchedTerms)
//	}
//
// Search splits on whitespace; callers with their own query tokenizer use
// SearchTerms. An empty query fails with types.ErrEmptyQuery and a
// non-positive limit with types.ErrInvalidLimit.
//
// # Scoring
//
//	idf(t)      = ln((N - n_t + 0.5) / (n_t + 0.5) + 1)
//	score(q, d) = Σ idf(t) · tf·(k1+1) / (tf + k1·(1 - b + b·|d|/avgdl))
//
// k1 and b come from Config (defaults 1.2 and 0.75). IDF stays positive for
// every n_t, so a term present in all documents still contributes. With
// Config.UseImportanceWeights, tf is the sum of the importance weights of
// the term's occurrences instead of their count; the tokenizer weights
// declaration lines above comment lines.
//
// Search only visits documents reachable from the postings of the query
// terms. Matches are ordered by score descending, then doc id ascending.
// Scores of zero are dropped and a non-finite score aborts the search with
// *types.CorruptedDataError.
//
// The average document length is the tracked integer total length divided
// by the document count, recomputed on every mutation.
//
// # File Updates
//
// The indexer keeps a file's chunks in sync with ReplaceFile, which
// validates the new documents first and then swaps them in for the file's
// old ones in one step:
//
//	removed, err := engine.ReplaceFile("internal/auth/login.go", docs)
//
//	// file deleted from disk
//	removed, err = engine.RemoveByFile("internal/auth/login.go")
//
// Generation changes on every mutation. Callers caching derived results
// compare it to detect a changed index.
//
// # Snapshots
//
// The index is persisted as a deterministic CBOR snapshot behind a small
// header (magic, version, compression tag):
//
//	err := engine.SaveFile(path, bm25.CompressionZstd)
//
//	restored, _ := bm25.New(cfg)
//	if err := restored.LoadFile(path); err != nil {
//	    if bm25.IsSnapshotMissing(err) {
//	        // first run: rebuild from storage
//	    }
//	}
//
// SaveFile writes through a temp file and renames it into place. Load
// validates the snapshot completely before swapping it in; a corrupt or
// mismatched snapshot leaves the engine unchanged.
package bm25
