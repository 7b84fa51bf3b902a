package types

import (
	"errors"
	"go/token"
)

// SymbolKind represents the type of declared identifier.
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindStruct    SymbolKind = "struct"
	KindInterface SymbolKind = "interface"
	KindType      SymbolKind = "type"
	KindConst     SymbolKind = "const"
	KindVar       SymbolKind = "var"
)

// SymbolScope represents the visibility of a symbol.
type SymbolScope string

const (
	ScopeExported   SymbolScope = "exported"
	ScopeUnexported SymbolScope = "unexported"
)

// Position represents a location in source code.
type Position struct {
	Line   int
	Column int
}

// Symbol is a declaration extracted from source by the parser and stored
// in the symbol index.
type Symbol struct {
	Name       string
	Kind       SymbolKind
	Package    string
	Signature  string
	DocComment string
	Scope      SymbolScope
	Receiver   string // methods only

	Start Position
	End   Position
}

// IsExported reports whether the symbol is visible outside its package.
func (s *Symbol) IsExported() bool {
	return s.Scope == ScopeExported && token.IsExported(s.Name)
}

// Validate checks the symbol before it is written to storage.
func (s *Symbol) Validate() error {
	if s.Name == "" {
		return errors.New("symbol name is required")
	}

	switch s.Kind {
	case KindFunction, KindMethod, KindStruct, KindInterface, KindType, KindConst, KindVar:
	default:
		return errors.New("invalid symbol kind")
	}

	if (s.Kind == KindMethod) != (s.Receiver != "") {
		return errors.New("receiver must be set for methods and only for methods")
	}

	if s.Start.Line <= 0 || s.End.Line < s.Start.Line {
		return errors.New("invalid symbol position")
	}

	return nil
}
