// Package chunker splits source files into the chunks every index works on.
//
// Go files are cut along their top-level declarations as reported by the
// parser package, one chunk per function, method, type or value
// declaration. Declarations longer than the configured maximum are split
// into consecutive pieces. Files of other languages, and Go files where
// nothing could be parsed, are cut into fixed-size line windows.
//
// Chunks of one file are numbered from zero in source order, so
// (file path, chunk index) identifies a chunk and
// types.FormatDocID(path, index) is its BM25 doc id. ToDocument turns a
// chunk into the types.Document the BM25 engine indexes.
package chunker
