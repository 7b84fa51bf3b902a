// Package indexer keeps a project's storage and BM25 index in step with the
// files on disk.
//
// # Pipeline
//
// IndexProject walks the root (skipping hidden directories, node_modules,
// vendor unless requested, and test files unless requested), then runs
// each file through:
//
//  1. blake3 content hash; unchanged files are skipped unless Force is set
//  2. Go files are parsed for symbols; other languages are windowed
//  3. chunking, one chunk per top-level declaration where possible
//  4. storage.ReplaceFile, which swaps the file's rows transactionally
//  5. bm25 Engine.ReplaceFile with the tokenised chunks
//  6. embeddings for chunks that have none under the current model
//
// Files run on an errgroup bounded by Config.Workers. A failure in one file
// is recorded in Statistics.ErrorMessages and does not stop the pass;
// embedding failures only leave the semantic signal short of vectors.
// Files that vanished since the last pass are removed from both indexes.
//
// # Locking
//
// One pass runs at a time per Indexer. A second caller gets
// ErrIndexingInProgress instead of waiting.
//
// # Rebuild
//
// The BM25 index is persisted as a snapshot by the workspace. When the
// snapshot is missing or corrupt, Rebuild regenerates it from the chunks in
// storage without touching the file system.
package indexer
