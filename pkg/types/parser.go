package types

// ParseResult is the output of parsing one source file.
type ParseResult struct {
	FilePath    string
	PackageName string
	Imports     []Import
	Symbols     []Symbol

	// Syntax errors; a partial AST may still have produced symbols.
	Errors []ParseError
}

// Import is one import spec of a Go file.
type Import struct {
	Path  string
	Alias string
}

// ParseError is a syntax error reported by the parser.
type ParseError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (pe *ParseError) Error() string {
	return pe.Message
}

// HasErrors reports whether parsing recorded any error.
func (pr *ParseResult) HasErrors() bool {
	return len(pr.Errors) > 0
}

// AddError records a parse error against the result.
func (pr *ParseResult) AddError(file string, line, col int, msg string) {
	pr.Errors = append(pr.Errors, ParseError{File: file, Line: line, Column: col, Message: msg})
}
