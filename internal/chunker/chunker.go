package chunker

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/codefuse/internal/tokenizer"
	"github.com/dshills/codefuse/pkg/types"
)

const (
	// DefaultWindowLines is the window size used for files without symbols.
	DefaultWindowLines = 60

	// DefaultMaxChunkLines is the size above which a symbol chunk is split.
	DefaultMaxChunkLines = 200
)

var languages = map[string]string{
	".go":    "go",
	".rs":    "rust",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sql":   "sql",
	".sh":    "shell",
	".md":    "markdown",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".proto": "protobuf",
}

// Language returns the language name for a path, or "" when the extension
// is not indexed.
func Language(filePath string) string {
	return languages[strings.ToLower(filepath.Ext(filePath))]
}

// Chunker cuts source files into chunks.
type Chunker struct {
	windowLines   int
	maxChunkLines int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithWindowLines sets the window size for symbol-less files.
func WithWindowLines(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.windowLines = n
		}
	}
}

// WithMaxChunkLines sets the size above which symbol chunks are split.
func WithMaxChunkLines(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxChunkLines = n
		}
	}
}

// New creates a Chunker.
func New(opts ...Option) *Chunker {
	c := &Chunker{windowLines: DefaultWindowLines, maxChunkLines: DefaultMaxChunkLines}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChunkSource cuts src into chunks numbered from zero in source order.
// With parse results that hold symbols, each top-level symbol becomes a
// chunk (oversized ones are split); otherwise the file is cut into fixed
// line windows. Blank windows are skipped.
func (c *Chunker) ChunkSource(filePath string, src []byte, parsed *types.ParseResult) []types.Chunk {
	lines := strings.Split(string(src), "\n")
	lang := Language(filePath)

	var chunks []types.Chunk
	if parsed != nil && len(parsed.Symbols) > 0 {
		chunks = c.symbolChunks(filePath, lines, parsed.Symbols)
	}
	if len(chunks) == 0 {
		chunks = c.windowChunks(lines, 1, len(lines), types.ChunkWindow, "")
		if parsed != nil && parsed.PackageName != "" {
			for i := range chunks {
				chunks[i].Kind = types.ChunkPackage
			}
		}
	}

	for i := range chunks {
		chunks[i].FilePath = filePath
		chunks[i].ChunkIndex = i
		chunks[i].Language = lang
		chunks[i].ComputeContentHash()
	}
	return chunks
}

func (c *Chunker) symbolChunks(filePath string, lines []string, symbols []types.Symbol) []types.Chunk {
	sorted := make([]types.Symbol, len(symbols))
	copy(sorted, symbols)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Line < sorted[j].Start.Line })

	var chunks []types.Chunk
	covered := 0 // last line already inside a chunk
	for _, sym := range sorted {
		start, end := sym.Start.Line, sym.End.Line
		if start <= 0 || start > len(lines) || end < start {
			continue
		}
		if end > len(lines) {
			end = len(lines)
		}
		if end <= covered {
			continue
		}
		if start <= covered {
			start = covered + 1
		}

		kind := kindForSymbol(sym.Kind)
		if end-start+1 > c.maxChunkLines {
			chunks = append(chunks, c.windowChunks(lines, start, end, kind, sym.Name)...)
		} else {
			chunks = append(chunks, types.Chunk{
				Content:    strings.Join(lines[start-1:end], "\n"),
				StartLine:  start,
				EndLine:    end,
				Kind:       kind,
				SymbolName: sym.Name,
			})
		}
		covered = end
	}
	return chunks
}

// windowChunks splits lines [from, to] (1-based, inclusive) into windows.
func (c *Chunker) windowChunks(lines []string, from, to int, kind types.ChunkKind, symbol string) []types.Chunk {
	size := c.windowLines
	if symbol != "" {
		size = c.maxChunkLines
	}

	var chunks []types.Chunk
	for start := from; start <= to; start += size {
		end := start + size - 1
		if end > to {
			end = to
		}
		content := strings.Join(lines[start-1:end], "\n")
		if strings.TrimSpace(content) == "" {
			continue
		}
		chunks = append(chunks, types.Chunk{
			Content:    content,
			StartLine:  start,
			EndLine:    end,
			Kind:       kind,
			SymbolName: symbol,
		})
	}
	return chunks
}

func kindForSymbol(kind types.SymbolKind) types.ChunkKind {
	switch kind {
	case types.KindFunction:
		return types.ChunkFunction
	case types.KindMethod:
		return types.ChunkMethod
	case types.KindStruct, types.KindInterface, types.KindType:
		return types.ChunkTypeDecl
	case types.KindConst:
		return types.ChunkConstGroup
	case types.KindVar:
		return types.ChunkVarGroup
	default:
		return types.ChunkPackage
	}
}

// ToDocument converts a chunk into a BM25 document using tok.
func ToDocument(chunk *types.Chunk, tok *tokenizer.Tokenizer) types.Document {
	return types.Document{
		ID:         chunk.DocID(),
		FilePath:   chunk.FilePath,
		ChunkIndex: chunk.ChunkIndex,
		Tokens:     tok.Tokenize(chunk.Content),
		StartLine:  chunk.StartLine,
		EndLine:    chunk.EndLine,
		Language:   chunk.Language,
	}
}
