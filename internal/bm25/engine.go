package bm25

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dshills/codefuse/pkg/types"
)

// Engine is an incrementally maintained BM25 index over document records.
// It is safe for concurrent use: mutations are applied under a write lock
// together with the corpus aggregates, so a concurrent Search observes a
// document either fully indexed or absent.
type Engine struct {
	cfg Config

	mu  sync.RWMutex
	idx *index
	gen atomic.Uint64
}

// Stats summarizes the current index.
type Stats struct {
	TotalDocuments        int     `json:"total_documents"`
	TotalTerms            int     `json:"total_terms"`
	TotalFiles            int     `json:"total_files"`
	AverageDocumentLength float64 `json:"average_document_length"`
	K1                    float64 `json:"k1"`
	B                     float64 `json:"b"`
}

// DocumentInfo describes an indexed document without its postings.
type DocumentInfo struct {
	ID         string
	FilePath   string
	ChunkIndex int
	StartLine  int
	EndLine    int
	Language   string
	Length     int
}

// New creates an empty engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, idx: newIndex()}, nil
}

// Config returns the scoring parameters the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// AddDocument indexes doc. Re-adding an id replaces the earlier record.
func (e *Engine) AddDocument(doc types.Document) error {
	p, err := e.prepare(&doc)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.idx.insert(p)
	e.gen.Add(1)
	e.mu.Unlock()
	return nil
}

// ReplaceFile swaps every document of filePath for docs in one step.
// All docs must belong to filePath. Nothing changes if any doc is invalid.
func (e *Engine) ReplaceFile(filePath string, docs []types.Document) (int, error) {
	if filePath == "" {
		return 0, &types.InvalidDocumentError{Reason: "file path is required"}
	}

	batch := make([]*prepared, 0, len(docs))
	for i := range docs {
		if docs[i].FilePath != filePath {
			return 0, &types.InvalidDocumentError{
				DocID:  docs[i].ID,
				Reason: fmt.Sprintf("belongs to %q, not %q", docs[i].FilePath, filePath),
			}
		}
		p, err := e.prepare(&docs[i])
		if err != nil {
			return 0, err
		}
		batch = append(batch, p)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen.Add(1)

	removed := e.idx.removeFile(filePath)
	for _, p := range batch {
		e.idx.insert(p)
	}
	return removed, nil
}

// RemoveByFile removes every document whose file path is filePath and
// returns the number removed. Unknown paths remove nothing.
func (e *Engine) RemoveByFile(filePath string) (int, error) {
	if filePath == "" {
		return 0, &types.InvalidDocumentError{Reason: "file path is required"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	removed := e.idx.removeFile(filePath)
	if removed > 0 {
		e.gen.Add(1)
	}
	return removed, nil
}

// RemoveDocument removes a single document and reports whether it existed.
func (e *Engine) RemoveDocument(docID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.idx.remove(docID) {
		return false
	}
	e.gen.Add(1)
	return true
}

// Clear drops every document.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.idx = newIndex()
	e.gen.Add(1)
	e.mu.Unlock()
}

// Generation returns a counter that changes whenever the indexed documents
// change. Callers caching derived results compare generations to detect
// staleness.
func (e *Engine) Generation() uint64 {
	return e.gen.Load()
}

// Contains reports whether docID is indexed.
func (e *Engine) Contains(docID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.idx.docs[docID]
	return ok
}

// Len returns the number of indexed documents.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.idx.docs)
}

// Document returns metadata for an indexed document.
func (e *Engine) Document(docID string) (DocumentInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.idx.docs[docID]
	if !ok {
		return DocumentInfo{}, false
	}
	return DocumentInfo{
		ID:         docID,
		FilePath:   entry.filePath,
		ChunkIndex: entry.chunkIndex,
		StartLine:  entry.startLine,
		EndLine:    entry.endLine,
		Language:   entry.language,
		Length:     entry.length,
	}, true
}

// Stats returns a snapshot of the corpus aggregates.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		TotalDocuments:        len(e.idx.docs),
		TotalTerms:            len(e.idx.postings),
		TotalFiles:            len(e.idx.files),
		AverageDocumentLength: e.idx.avgLength,
		K1:                    e.cfg.K1,
		B:                     e.cfg.B,
	}
}

// CalculateIDF returns ln((N - n + 0.5) / (n + 0.5) + 1) where N is the
// number of documents and n the number containing term. Unknown terms
// use n = 0.
func (e *Engine) CalculateIDF(term string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.idfLocked(e.normalize(term))
}

// CalculateBM25Score scores one document against the distinct query terms.
func (e *Engine) CalculateBM25Score(queryTerms []string, docID string) (float64, error) {
	terms := e.queryTerms(queryTerms)

	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.idx.docs[docID]
	if !ok {
		return 0, &types.DocumentNotFoundError{DocID: docID}
	}

	var score float64
	for _, term := range terms {
		post, ok := e.idx.postings[term][docID]
		if !ok {
			continue
		}
		score += e.termScore(e.idfLocked(term), e.tf(post), entry.length)
	}
	return score, nil
}

// Search splits query on whitespace and ranks the documents containing at
// least one of its terms.
func (e *Engine) Search(query string, limit int) ([]types.BM25Match, error) {
	return e.SearchTerms(strings.Fields(query), limit)
}

// SearchTerms ranks documents for pre-tokenized query terms. Results are
// ordered by score descending, then doc id ascending, and never include a
// zero score.
func (e *Engine) SearchTerms(queryTerms []string, limit int) ([]types.BM25Match, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: got %d", types.ErrInvalidLimit, limit)
	}

	terms := e.queryTerms(queryTerms)
	if len(terms) == 0 {
		return nil, types.ErrEmptyQuery
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	type candidate struct {
		score      float64
		termScores map[string]float64
	}
	candidates := make(map[string]*candidate)

	for _, term := range terms {
		docs := e.idx.postings[term]
		if len(docs) == 0 {
			continue
		}
		idf := e.idfLocked(term)
		for docID, post := range docs {
			s := e.termScore(idf, e.tf(post), e.idx.docs[docID].length)
			c, ok := candidates[docID]
			if !ok {
				c = &candidate{termScores: make(map[string]float64, len(terms))}
				candidates[docID] = c
			}
			c.score += s
			c.termScores[term] = s
		}
	}

	matches := make([]types.BM25Match, 0, len(candidates))
	for docID, c := range candidates {
		if math.IsNaN(c.score) || math.IsInf(c.score, 0) {
			return nil, &types.CorruptedDataError{
				Description: fmt.Sprintf("bm25 score for %q is not finite: %v", docID, c.score),
			}
		}
		if c.score <= 0 {
			continue
		}

		matched := make([]string, 0, len(c.termScores))
		for term := range c.termScores {
			matched = append(matched, term)
		}
		sort.Strings(matched)

		matches = append(matches, types.BM25Match{
			DocID:        docID,
			Score:        c.score,
			TermScores:   c.termScores,
			MatchedTerms: matched,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].DocID < matches[j].DocID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// prepare validates doc and builds its postings outside the lock.
func (e *Engine) prepare(doc *types.Document) (*prepared, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	postings := make(map[string]*posting)
	terms := make([]string, 0, len(doc.Tokens))
	for _, tok := range doc.Tokens {
		term := e.normalize(tok.Text)
		post, ok := postings[term]
		if !ok {
			post = &posting{}
			postings[term] = post
			terms = append(terms, term)
		}
		post.frequency++
		post.weighted += tok.ImportanceWeight
		post.positions = append(post.positions, tok.Position)
	}

	return &prepared{
		id: doc.ID,
		entry: &docEntry{
			filePath:   doc.FilePath,
			chunkIndex: doc.ChunkIndex,
			startLine:  doc.StartLine,
			endLine:    doc.EndLine,
			language:   doc.Language,
			length:     len(doc.Tokens),
			terms:      terms,
		},
		postings: postings,
	}, nil
}

func (e *Engine) normalize(term string) string {
	if e.cfg.CaseSensitive {
		return term
	}
	return strings.ToLower(term)
}

// queryTerms normalizes, dedupes and sorts query terms so that scores do
// not depend on term order.
func (e *Engine) queryTerms(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	terms := make([]string, 0, len(raw))
	for _, r := range raw {
		term := e.normalize(strings.TrimSpace(r))
		if term == "" {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms
}

func (e *Engine) idfLocked(term string) float64 {
	n := float64(len(e.idx.postings[term]))
	total := float64(len(e.idx.docs))
	return math.Log((total-n+0.5)/(n+0.5) + 1)
}

func (e *Engine) tf(p *posting) float64 {
	if e.cfg.UseImportanceWeights {
		return p.weighted
	}
	return float64(p.frequency)
}

func (e *Engine) termScore(idf, tf float64, length int) float64 {
	ratio := 1.0
	if e.idx.avgLength > 0 {
		ratio = float64(length) / e.idx.avgLength
	}
	norm := tf + e.cfg.K1*(1-e.cfg.B+e.cfg.B*ratio)
	return idf * tf * (e.cfg.K1 + 1) / norm
}
