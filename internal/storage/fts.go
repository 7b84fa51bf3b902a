package storage

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/dshills/codefuse/pkg/types"
)

// SearchExact finds chunks containing query as a phrase and reports the
// first line that contains it.
func (s *SQLiteStorage) SearchExact(ctx context.Context, query string, limit int) ([]types.ExactMatch, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	phrase := ftsPhrase(query)
	if phrase == "" {
		return []types.ExactMatch{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.path, c.start_line, c.content, bm25(chunks_fts) AS score
		FROM chunks_fts
		INNER JOIN chunks c ON c.id = chunks_fts.rowid
		INNER JOIN files f ON f.id = c.file_id
		WHERE chunks_fts MATCH ?
		ORDER BY score, f.path, c.chunk_index
		LIMIT ?
	`, phrase, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute exact search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]types.ExactMatch, 0)
	for rows.Next() {
		var path, content string
		var startLine int
		var rank float64
		if err := rows.Scan(&path, &startLine, &content, &rank); err != nil {
			return nil, err
		}
		offset, line := locateLine(content, query)
		results = append(results, types.ExactMatch{
			FilePath:    path,
			LineNumber:  startLine + offset,
			Content:     content,
			LineContent: strings.TrimSpace(line),
			Score:       normalizeRank(rank),
		})
	}
	return results, rows.Err()
}

// SearchSymbols matches query words as prefixes of symbol names,
// signatures and doc comments. Names weigh most.
func (s *SQLiteStorage) SearchSymbols(ctx context.Context, query string, limit int) ([]types.SymbolMatch, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	match := ftsPrefixQuery(query)
	if match == "" {
		return []types.SymbolMatch{}, nil
	}

	// In FTS5 bm25() is negative and lower is better.
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.path, s.name, s.kind, s.signature, s.doc_comment, s.start_line,
		       bm25(symbols_fts, 10.0, 2.0, 1.0) AS score
		FROM symbols_fts
		INNER JOIN symbols s ON s.id = symbols_fts.rowid
		INNER JOIN files f ON f.id = s.file_id
		WHERE symbols_fts MATCH ?
		ORDER BY score, f.path, s.start_line
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute symbol search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	compact := strings.ToLower(strings.Join(ftsWords(query), ""))
	results := make([]types.SymbolMatch, 0)
	for rows.Next() {
		var m types.SymbolMatch
		var kind, signature, doc string
		var rank float64
		if err := rows.Scan(&m.FilePath, &m.Name, &kind, &signature, &doc, &m.Line, &rank); err != nil {
			return nil, err
		}
		m.Kind = types.SymbolKind(kind)
		m.Signature = signature
		m.Content = signature
		if doc != "" {
			m.Content = strings.TrimSpace(doc) + "\n" + signature
		}
		m.Score = normalizeRank(rank)
		if strings.ToLower(m.Name) == compact {
			m.Score = 1.0
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// ftsPhrase quotes query as a single FTS5 phrase. Quotes are escaped by
// doubling. Queries without any letters or digits give "".
func ftsPhrase(query string) string {
	query = strings.TrimSpace(query)
	if len(ftsWords(query)) == 0 {
		return ""
	}
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}

// ftsPrefixQuery ORs every word of query as a quoted prefix term.
func ftsPrefixQuery(query string) string {
	words := ftsWords(query)
	if len(words) == 0 {
		return ""
	}
	seen := make(map[string]struct{}, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(w)
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " OR ")
}

// ftsWords splits on anything the unicode61 tokenizer treats as a
// separator.
func ftsWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// locateLine returns the zero-based offset and text of the first line of
// content containing query, case-insensitively. When the phrase spans
// lines or differs in punctuation it falls back to the first query word,
// then to the first line.
func locateLine(content, query string) (int, string) {
	lines := strings.Split(content, "\n")
	needles := []string{strings.ToLower(strings.TrimSpace(query))}
	if words := ftsWords(query); len(words) > 0 {
		needles = append(needles, strings.ToLower(words[0]))
	}
	for _, needle := range needles {
		if needle == "" {
			continue
		}
		for i, line := range lines {
			if strings.Contains(strings.ToLower(line), needle) {
				return i, line
			}
		}
	}
	return 0, lines[0]
}

// normalizeRank maps an FTS5 bm25 rank (negative, lower is better) into
// (0, 1) with better matches higher.
func normalizeRank(rank float64) float64 {
	s := -rank
	if s <= 0 {
		return 0
	}
	return s / (1 + s)
}
