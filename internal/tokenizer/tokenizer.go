// Package tokenizer turns source text into weighted terms for the BM25
// index and cleans up free-text queries.
//
// Identifiers are kept whole and also split on snake_case and camelCase
// boundaries, so "parseHTTPRequest" yields "parsehttprequest", "parse",
// "http" and "request". Tokens on declaration lines carry a higher
// importance weight than ordinary code; comment tokens carry a lower one.
package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dshills/codefuse/pkg/types"
)

// Importance weights attached to emitted tokens.
const (
	WeightDeclaration = 2.0
	WeightCode        = 1.0
	WeightComment     = 0.5
)

var defaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from", "has",
	"in", "is", "it", "its", "of", "on", "or", "that", "the", "to", "was",
	"were", "will", "with", "this", "but", "if", "not", "no", "so",
	"return", "nil", "null", "none", "true", "false", "self",
}

var declarationKeywords = map[string]struct{}{
	"func": {}, "type": {}, "class": {}, "def": {}, "fn": {}, "struct": {},
	"interface": {}, "impl": {}, "trait": {}, "enum": {}, "function": {},
}

var commentPrefixes = []string{"//", "#", "/*", "*", "--", `"""`}

// Tokenizer is safe for concurrent use once constructed.
type Tokenizer struct {
	minLength int
	maxLength int
	stopWords map[string]struct{}
}

// Option configures a Tokenizer.
type Option func(*Tokenizer)

// WithMinLength drops terms shorter than n runes.
func WithMinLength(n int) Option {
	return func(t *Tokenizer) { t.minLength = n }
}

// WithMaxLength drops terms longer than n runes.
func WithMaxLength(n int) Option {
	return func(t *Tokenizer) { t.maxLength = n }
}

// WithStopWords replaces the default stop word list.
func WithStopWords(words []string) Option {
	return func(t *Tokenizer) { t.stopWords = toSet(words) }
}

// New creates a tokenizer with a 2..64 rune term length window and the
// default stop words.
func New(opts ...Option) *Tokenizer {
	t := &Tokenizer{
		minLength: 2,
		maxLength: 64,
		stopWords: toSet(defaultStopWords),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tokenize emits the weighted terms of text in order.
func (t *Tokenizer) Tokenize(text string) []types.Token {
	var tokens []types.Token
	emit := func(term string, weight float64) {
		if !t.keep(term) {
			return
		}
		tokens = append(tokens, types.Token{Text: term, Position: len(tokens), ImportanceWeight: weight})
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		words := splitWords(trimmed)
		weight := WeightCode
		declaration := false
		switch {
		case isComment(trimmed):
			weight = WeightComment
		case len(words) > 0 && isDeclarationKeyword(words[0]):
			declaration = true
		}

		for _, word := range words {
			w := weight
			if declaration && !isDeclarationKeyword(word) {
				w = WeightDeclaration
			}
			emit(strings.ToLower(word), w)

			parts := SplitIdentifier(word)
			if len(parts) > 1 || len(parts) == 1 && parts[0] != word {
				for _, p := range parts {
					emit(strings.ToLower(p), w)
				}
			}
		}
	}
	return tokens
}

// Terms returns the distinct terms of text in first-seen order.
func (t *Tokenizer) Terms(text string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, tok := range t.Tokenize(text) {
		if _, ok := seen[tok.Text]; ok {
			continue
		}
		seen[tok.Text] = struct{}{}
		terms = append(terms, tok.Text)
	}
	return terms
}

func (t *Tokenizer) keep(term string) bool {
	n := utf8.RuneCountInString(term)
	if n < t.minLength || n > t.maxLength {
		return false
	}
	if _, stop := t.stopWords[term]; stop {
		return false
	}
	return strings.IndexFunc(term, isWordRune) >= 0 && strings.Trim(term, "_") != ""
}

// SplitIdentifier splits an identifier on underscores and case changes.
// "HTTPServer" becomes ["HTTP", "Server"], "max_retry_count" becomes
// ["max", "retry", "count"].
func SplitIdentifier(ident string) []string {
	var parts []string
	for _, segment := range strings.FieldsFunc(ident, func(r rune) bool { return r == '_' }) {
		parts = append(parts, splitCamel(segment)...)
	}
	return parts
}

func splitCamel(s string) []string {
	runes := []rune(s)
	var parts []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		boundary := unicode.IsLower(prev) && unicode.IsUpper(cur) ||
			unicode.IsDigit(prev) && unicode.IsLetter(cur) && unicode.IsUpper(cur) ||
			unicode.IsUpper(prev) && unicode.IsUpper(cur) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if boundary {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	return append(parts, string(runes[start:]))
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return !isWordRune(r) })
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func isComment(line string) bool {
	for _, p := range commentPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func isDeclarationKeyword(word string) bool {
	_, ok := declarationKeywords[strings.ToLower(word)]
	return ok
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}
