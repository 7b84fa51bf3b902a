// Package parser extracts symbols from Go source using go/ast.
//
// Only top-level declarations are reported: functions, methods (with their
// receiver type), structs, interfaces, other named types, constants and
// variables. Each symbol carries its signature, doc comment, visibility and
// source span. The symbols feed the symbol index and give the chunker its
// chunk boundaries.
//
// Syntax errors do not abort parsing. go/parser returns a partial AST for
// most malformed files; the error is recorded in ParseResult.Errors and the
// symbols that could be recovered are still returned.
package parser
