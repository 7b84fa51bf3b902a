// Package types provides the data model shared across codefuse.
//
// # Documents and doc ids
//
// Every indexed chunk becomes a Document whose ID follows the
// "<file_path>-<chunk_index>" convention:
//
//	id := types.FormatDocID("internal/auth/login.go", 3) // "internal/auth/login.go-3"
//	path, idx, err := types.ParseDocID(id)
//
// ParseDocID splits at the last '-', so paths that contain dashes round-trip,
// while ids such as "-5", "file.go-", "file.go-abc" or "file.go--1" are
// rejected with an *InvalidDocIDError.
//
// # Matches
//
// Each retrieval signal reports its own match type: ExactMatch, SymbolMatch,
// SemanticMatch and BM25Match. The fusion layer merges them into
// FusedResult values tagged with a MatchType. MatchType values are ordered by
// dedup priority (Exact, Symbol, Semantic, Statistical).
//
// # Errors
//
// Structured errors unwrap to package sentinels:
//
//	if errors.Is(err, types.ErrInvalidDocID) {
//	    var idErr *types.InvalidDocIDError
//	    errors.As(err, &idErr)
//	}
package types
