// Package storage provides SQLite persistence for one indexed project.
//
// Each project lives in its own database file. The schema holds:
//   - files: relative paths, blake3 content hashes, parse errors
//   - chunks: the retrieval units, mirrored into the chunks_fts FTS5 table
//   - symbols: parsed declarations, mirrored into symbols_fts
//   - embeddings: one float32 vector per chunk and model
//   - index_runs: a history of indexing passes
//
// The three non-statistical search signals are answered here: SearchExact
// (FTS5 phrase match), SearchSymbols (prefix match over names, signatures
// and doc comments) and SearchVector (cosine similarity computed in Go).
// BM25 statistical search lives in package bm25.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage(ctx, "/var/lib/codefuse/3f2a9c.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	err = db.ReplaceFile(ctx, &storage.File{Path: "internal/parser/parser.go"}, chunks, symbols)
//
// ReplaceFile is transactional: a reader sees either the old chunks and
// symbols of a file or the new ones.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite. Building with the sqlite_cgo
// tag switches to github.com/mattn/go-sqlite3, which also needs the
// sqlite_fts5 tag.
package storage
