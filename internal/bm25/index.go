package bm25

// posting records how one term occurs in one document.
type posting struct {
	frequency int
	weighted  float64 // sum of importance weights of the occurrences
	positions []int
}

// docEntry is everything the index keeps about a document besides its
// postings. terms lists the distinct terms so removal touches only the
// affected posting maps.
type docEntry struct {
	filePath   string
	chunkIndex int
	startLine  int
	endLine    int
	language   string
	length     int
	terms      []string
}

// index is the inverted index proper. It is not safe for concurrent use;
// Engine serializes access.
type index struct {
	postings map[string]map[string]*posting // term -> doc id -> posting
	docs     map[string]*docEntry
	files    map[string]map[string]struct{} // file path -> doc ids

	totalLength int64
	avgLength   float64
}

func newIndex() *index {
	return &index{
		postings: make(map[string]map[string]*posting),
		docs:     make(map[string]*docEntry),
		files:    make(map[string]map[string]struct{}),
	}
}

// prepared is a document already converted to postings, ready to be
// applied under the write lock.
type prepared struct {
	id       string
	entry    *docEntry
	postings map[string]*posting
}

// insert adds a prepared document, replacing any record with the same id.
// The average is kept as total/N from an exact integer total, so repeated
// inserts and removals cannot accumulate floating point drift.
func (ix *index) insert(p *prepared) {
	if _, exists := ix.docs[p.id]; exists {
		ix.remove(p.id)
	}

	for term, post := range p.postings {
		docs, ok := ix.postings[term]
		if !ok {
			docs = make(map[string]*posting)
			ix.postings[term] = docs
		}
		docs[p.id] = post
	}

	ix.docs[p.id] = p.entry
	ids, ok := ix.files[p.entry.filePath]
	if !ok {
		ids = make(map[string]struct{})
		ix.files[p.entry.filePath] = ids
	}
	ids[p.id] = struct{}{}

	ix.totalLength += int64(p.entry.length)
	ix.recomputeAverage()
}

// remove deletes a document and recomputes the average length exactly.
func (ix *index) remove(id string) bool {
	entry, ok := ix.docs[id]
	if !ok {
		return false
	}

	for _, term := range entry.terms {
		docs := ix.postings[term]
		delete(docs, id)
		if len(docs) == 0 {
			delete(ix.postings, term)
		}
	}

	delete(ix.docs, id)
	if ids := ix.files[entry.filePath]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(ix.files, entry.filePath)
		}
	}

	ix.totalLength -= int64(entry.length)
	ix.recomputeAverage()
	return true
}

// removeFile deletes every document of filePath and returns how many
// were removed.
func (ix *index) removeFile(filePath string) int {
	ids := ix.files[filePath]
	if len(ids) == 0 {
		return 0
	}

	// remove mutates ix.files[filePath]; collect first.
	victims := make([]string, 0, len(ids))
	for id := range ids {
		victims = append(victims, id)
	}
	for _, id := range victims {
		ix.remove(id)
	}
	return len(victims)
}

func (ix *index) recomputeAverage() {
	if len(ix.docs) == 0 {
		ix.totalLength = 0
		ix.avgLength = 0
		return
	}
	ix.avgLength = float64(ix.totalLength) / float64(len(ix.docs))
}
