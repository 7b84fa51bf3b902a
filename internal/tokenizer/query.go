package tokenizer

import "strings"

var noiseWords = []string{
	"find", "show", "me", "where", "is", "the", "how", "does", "do", "what",
	"which", "code", "for", "a", "an", "of", "all", "get", "search", "look",
	"implementation", "defined", "located", "please",
}

var abbreviations = map[string]string{
	"fn":     "function",
	"func":   "function",
	"db":     "database",
	"auth":   "authentication",
	"config": "configuration",
	"cfg":    "configuration",
	"err":    "error",
	"req":    "request",
	"resp":   "response",
	"ctx":    "context",
	"msg":    "message",
	"init":   "initialize",
	"impl":   "implementation",
	"util":   "utility",
}

// QueryPreprocessor normalizes user queries before they reach the
// retrieval signals.
type QueryPreprocessor struct {
	tok   *Tokenizer
	noise map[string]struct{}
}

// NewQueryPreprocessor creates a preprocessor that tokenizes with tok.
func NewQueryPreprocessor(tok *Tokenizer) *QueryPreprocessor {
	return &QueryPreprocessor{tok: tok, noise: toSet(noiseWords)}
}

// Preprocess lowercases the query and drops conversational noise words.
// A query made only of noise is returned trimmed and lowercased.
func (p *QueryPreprocessor) Preprocess(query string) string {
	return strings.ToLower(p.strip(query))
}

// Terms returns the BM25 terms for a query: the tokenizer's terms of the
// denoised query followed by expansions of known abbreviations.
func (p *QueryPreprocessor) Terms(query string) []string {
	terms := p.tok.Terms(p.strip(query))

	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		seen[t] = struct{}{}
	}
	for _, t := range terms {
		if exp, ok := abbreviations[t]; ok {
			if _, dup := seen[exp]; !dup {
				seen[exp] = struct{}{}
				terms = append(terms, exp)
			}
		}
	}
	return terms
}

// strip removes noise words but keeps the case of the remaining words so
// camelCase identifiers can still be split.
func (p *QueryPreprocessor) strip(query string) string {
	words := strings.Fields(query)

	kept := make([]string, 0, len(words))
	for _, w := range words {
		if _, noisy := p.noise[strings.ToLower(w)]; noisy {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return strings.Join(words, " ")
	}
	return strings.Join(kept, " ")
}
