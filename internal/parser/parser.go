package parser

import (
	"fmt"
	"go/ast"
	goparser "go/parser"
	"go/token"
	gotypes "go/types"
	"os"
	"strings"

	"github.com/dshills/codefuse/pkg/types"
)

// Parser extracts top-level declarations from Go source files.
type Parser struct {
	mode goparser.Mode
}

// New creates a parser that keeps doc comments.
func New() *Parser {
	return &Parser{mode: goparser.ParseComments | goparser.SkipObjectResolution}
}

// ParseFile reads and parses a Go source file.
func (p *Parser) ParseFile(filePath string) (*types.ParseResult, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return p.ParseSource(filePath, content), nil
}

// ParseSource parses src as the contents of filePath. Syntax errors are
// recorded on the result; whatever the partial AST holds is still
// extracted.
func (p *Parser) ParseSource(filePath string, src []byte) *types.ParseResult {
	result := &types.ParseResult{FilePath: filePath}

	fset := token.NewFileSet()
	file, err := goparser.ParseFile(fset, filePath, src, p.mode)
	if err != nil {
		result.AddError(filePath, 0, 0, fmt.Sprintf("syntax error: %v", err))
	}
	if file == nil {
		return result
	}

	if file.Name != nil {
		result.PackageName = file.Name.Name
	}
	for _, imp := range file.Imports {
		spec := types.Import{Path: strings.Trim(imp.Path.Value, `"`)}
		if imp.Name != nil {
			spec.Alias = imp.Name.Name
		}
		result.Imports = append(result.Imports, spec)
	}

	x := &extractor{fset: fset, pkg: result.PackageName}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			x.function(d)
		case *ast.GenDecl:
			x.genDecl(d)
		}
	}
	result.Symbols = x.symbols
	return result
}

type extractor struct {
	fset    *token.FileSet
	pkg     string
	symbols []types.Symbol
}

func (x *extractor) function(fn *ast.FuncDecl) {
	if fn.Name == nil {
		return
	}
	sym := types.Symbol{
		Name:       fn.Name.Name,
		Kind:       types.KindFunction,
		Package:    x.pkg,
		DocComment: docText(fn.Doc),
		Scope:      scope(fn.Name.Name),
		Start:      x.position(fn.Pos()),
		End:        x.position(fn.End()),
	}

	var sig strings.Builder
	sig.WriteString("func ")
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		sym.Kind = types.KindMethod
		sym.Receiver = receiverName(fn.Recv.List[0].Type)
		fmt.Fprintf(&sig, "(%s) ", gotypes.ExprString(fn.Recv.List[0].Type))
	}
	sig.WriteString(fn.Name.Name)
	sig.WriteString(strings.TrimPrefix(gotypes.ExprString(fn.Type), "func"))
	sym.Signature = sig.String()

	x.symbols = append(x.symbols, sym)
}

func (x *extractor) genDecl(gd *ast.GenDecl) {
	for _, spec := range gd.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			x.typeSpec(s, gd)
		case *ast.ValueSpec:
			x.valueSpec(s, gd)
		}
	}
}

func (x *extractor) typeSpec(ts *ast.TypeSpec, gd *ast.GenDecl) {
	doc := ts.Doc
	if doc == nil {
		doc = gd.Doc
	}
	sym := types.Symbol{
		Name:       ts.Name.Name,
		Package:    x.pkg,
		DocComment: docText(doc),
		Scope:      scope(ts.Name.Name),
		Start:      x.position(ts.Pos()),
		End:        x.position(ts.End()),
	}

	switch t := ts.Type.(type) {
	case *ast.StructType:
		sym.Kind = types.KindStruct
		sym.Signature = fmt.Sprintf("type %s struct { ... } // %d fields", ts.Name.Name, t.Fields.NumFields())
	case *ast.InterfaceType:
		sym.Kind = types.KindInterface
		sym.Signature = fmt.Sprintf("type %s interface { ... } // %d methods", ts.Name.Name, t.Methods.NumFields())
	default:
		sym.Kind = types.KindType
		sym.Signature = fmt.Sprintf("type %s %s", ts.Name.Name, gotypes.ExprString(ts.Type))
	}

	x.symbols = append(x.symbols, sym)
}

func (x *extractor) valueSpec(vs *ast.ValueSpec, gd *ast.GenDecl) {
	kind := types.KindVar
	if gd.Tok == token.CONST {
		kind = types.KindConst
	}
	doc := vs.Doc
	if doc == nil {
		doc = gd.Doc
	}

	for _, name := range vs.Names {
		if name.Name == "_" {
			continue
		}
		sig := name.Name
		switch {
		case vs.Type != nil:
			sig += " " + gotypes.ExprString(vs.Type)
		case len(vs.Values) > 0:
			sig += " = ..."
		}
		x.symbols = append(x.symbols, types.Symbol{
			Name:       name.Name,
			Kind:       kind,
			Package:    x.pkg,
			Signature:  sig,
			DocComment: docText(doc),
			Scope:      scope(name.Name),
			Start:      x.position(vs.Pos()),
			End:        x.position(vs.End()),
		})
	}
}

func (x *extractor) position(pos token.Pos) types.Position {
	p := x.fset.Position(pos)
	return types.Position{Line: p.Line, Column: p.Column}
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.IndexExpr: // generic receiver T[K]
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

func docText(doc *ast.CommentGroup) string {
	if doc == nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}

func scope(name string) types.SymbolScope {
	if token.IsExported(name) {
		return types.ScopeExported
	}
	return types.ScopeUnexported
}
