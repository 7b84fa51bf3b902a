package bm25

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/dshills/codefuse/pkg/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how a snapshot body is compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

const snapshotVersion = 1

var snapshotMagic = []byte("CFBM")

// ParseCompression validates a compression name from configuration.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(name); c {
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return c, nil
	case "":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("bm25: unknown snapshot compression %q", name)
	}
}

func (c Compression) tag() (byte, error) {
	switch c {
	case CompressionNone:
		return 0, nil
	case CompressionZstd, "":
		return 1, nil
	case CompressionLZ4:
		return 2, nil
	default:
		return 0, fmt.Errorf("bm25: unknown snapshot compression %q", c)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: the same index always yields the same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bm25: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: math.MaxInt32,
		MaxMapPairs:      math.MaxInt32,
	}.DecMode()
	if err != nil {
		panic("bm25: CBOR decoder initialization failed: " + err.Error())
	}
}

type snapshot struct {
	Version       int            `cbor:"version"`
	CaseSensitive bool           `cbor:"case_sensitive"`
	Documents     []snapshotDoc  `cbor:"documents"`
	Terms         []snapshotTerm `cbor:"terms"`
}

type snapshotDoc struct {
	ID         string `cbor:"id"`
	FilePath   string `cbor:"file_path"`
	ChunkIndex int    `cbor:"chunk_index"`
	StartLine  int    `cbor:"start_line"`
	EndLine    int    `cbor:"end_line"`
	Language   string `cbor:"language,omitempty"`
	Length     int    `cbor:"length"`
}

type snapshotTerm struct {
	Term     string            `cbor:"term"`
	Postings []snapshotPosting `cbor:"postings"`
}

type snapshotPosting struct {
	DocID     string  `cbor:"doc"`
	Frequency int     `cbor:"freq"`
	Weighted  float64 `cbor:"weighted"`
	Positions []int   `cbor:"positions,omitempty"`
}

// Save writes the index to w. The snapshot is copied under the read lock
// and encoded afterwards, so searches are not blocked on w.
func (e *Engine) Save(w io.Writer, compression Compression) error {
	tag, err := compression.tag()
	if err != nil {
		return err
	}

	snap := e.snapshot()

	header := append(append([]byte{}, snapshotMagic...), snapshotVersion, tag)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("bm25: write snapshot header: %w", err)
	}

	switch tag {
	case 0:
		return encodeSnapshot(w, snap)
	case 1:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("bm25: create zstd writer: %w", err)
		}
		if err := encodeSnapshot(zw, snap); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	default:
		lw := lz4.NewWriter(w)
		if err := encodeSnapshot(lw, snap); err != nil {
			lw.Close()
			return err
		}
		return lw.Close()
	}
}

// Load replaces the index with the snapshot read from r. The snapshot is
// fully validated first; on any error the engine is left unchanged.
func (e *Engine) Load(r io.Reader) error {
	br := bufio.NewReader(r)

	header := make([]byte, len(snapshotMagic)+2)
	if _, err := io.ReadFull(br, header); err != nil {
		return corrupted("read snapshot header: %v", err)
	}
	if !bytes.Equal(header[:len(snapshotMagic)], snapshotMagic) {
		return corrupted("not a bm25 snapshot")
	}
	if header[len(snapshotMagic)] != snapshotVersion {
		return corrupted("unsupported snapshot version %d", header[len(snapshotMagic)])
	}

	var body io.Reader
	switch header[len(snapshotMagic)+1] {
	case 0:
		body = br
	case 1:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return fmt.Errorf("bm25: create zstd reader: %w", err)
		}
		defer zr.Close()
		body = zr
	case 2:
		body = lz4.NewReader(br)
	default:
		return corrupted("unknown compression tag %d", header[len(snapshotMagic)+1])
	}

	var snap snapshot
	if err := decMode.NewDecoder(body).Decode(&snap); err != nil {
		return corrupted("decode snapshot: %v", err)
	}
	if snap.CaseSensitive != e.cfg.CaseSensitive {
		return fmt.Errorf("bm25: snapshot case_sensitive=%v does not match engine configuration", snap.CaseSensitive)
	}

	idx, err := rebuild(&snap)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.idx = idx
	e.gen.Add(1)
	e.mu.Unlock()
	return nil
}

// SaveFile writes a snapshot to path atomically via a temp file rename.
func (e *Engine) SaveFile(path string, compression Compression) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bm25: create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".bm25-*")
	if err != nil {
		return fmt.Errorf("bm25: create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := e.Save(bw, compression); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("bm25: flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("bm25: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("bm25: install snapshot: %w", err)
	}
	return nil
}

// LoadFile loads a snapshot written by SaveFile. A missing file is
// reported with an error satisfying errors.Is(err, fs.ErrNotExist).
func (e *Engine) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("bm25: open snapshot: %w", err)
	}
	defer f.Close()
	return e.Load(f)
}

func (e *Engine) snapshot() *snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &snapshot{
		Version:       snapshotVersion,
		CaseSensitive: e.cfg.CaseSensitive,
		Documents:     make([]snapshotDoc, 0, len(e.idx.docs)),
		Terms:         make([]snapshotTerm, 0, len(e.idx.postings)),
	}

	for id, d := range e.idx.docs {
		snap.Documents = append(snap.Documents, snapshotDoc{
			ID:         id,
			FilePath:   d.filePath,
			ChunkIndex: d.chunkIndex,
			StartLine:  d.startLine,
			EndLine:    d.endLine,
			Language:   d.language,
			Length:     d.length,
		})
	}
	sort.Slice(snap.Documents, func(i, j int) bool { return snap.Documents[i].ID < snap.Documents[j].ID })

	for term, docs := range e.idx.postings {
		st := snapshotTerm{Term: term, Postings: make([]snapshotPosting, 0, len(docs))}
		for id, p := range docs {
			st.Postings = append(st.Postings, snapshotPosting{
				DocID:     id,
				Frequency: p.frequency,
				Weighted:  p.weighted,
				Positions: append([]int(nil), p.positions...),
			})
		}
		sort.Slice(st.Postings, func(i, j int) bool { return st.Postings[i].DocID < st.Postings[j].DocID })
		snap.Terms = append(snap.Terms, st)
	}
	sort.Slice(snap.Terms, func(i, j int) bool { return snap.Terms[i].Term < snap.Terms[j].Term })

	return snap
}

func encodeSnapshot(w io.Writer, snap *snapshot) error {
	if err := encMode.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("bm25: encode snapshot: %w", err)
	}
	return nil
}

// rebuild converts a decoded snapshot into an index, checking that every
// posting refers to a known document and that term frequencies add up to
// the recorded document lengths.
func rebuild(snap *snapshot) (*index, error) {
	if snap.Version != snapshotVersion {
		return nil, corrupted("unsupported snapshot version %d", snap.Version)
	}

	idx := newIndex()
	tokenSums := make(map[string]int, len(snap.Documents))

	for _, d := range snap.Documents {
		if d.ID == "" {
			return nil, corrupted("document with empty id")
		}
		if _, dup := idx.docs[d.ID]; dup {
			return nil, corrupted("duplicate document %q", d.ID)
		}
		if d.Length < 0 || d.ChunkIndex < 0 || d.EndLine < d.StartLine {
			return nil, corrupted("document %q has invalid metadata", d.ID)
		}
		idx.docs[d.ID] = &docEntry{
			filePath:   d.FilePath,
			chunkIndex: d.ChunkIndex,
			startLine:  d.StartLine,
			endLine:    d.EndLine,
			language:   d.Language,
			length:     d.Length,
		}
		ids, ok := idx.files[d.FilePath]
		if !ok {
			ids = make(map[string]struct{})
			idx.files[d.FilePath] = ids
		}
		ids[d.ID] = struct{}{}
		idx.totalLength += int64(d.Length)
	}

	for _, t := range snap.Terms {
		if t.Term == "" || len(t.Postings) == 0 {
			return nil, corrupted("term %q has no postings", t.Term)
		}
		if _, dup := idx.postings[t.Term]; dup {
			return nil, corrupted("duplicate term %q", t.Term)
		}
		docs := make(map[string]*posting, len(t.Postings))
		for _, p := range t.Postings {
			entry, ok := idx.docs[p.DocID]
			if !ok {
				return nil, corrupted("term %q references unknown document %q", t.Term, p.DocID)
			}
			if _, dup := docs[p.DocID]; dup {
				return nil, corrupted("term %q lists document %q twice", t.Term, p.DocID)
			}
			if p.Frequency <= 0 || len(p.Positions) != p.Frequency {
				return nil, corrupted("term %q in %q has inconsistent frequency", t.Term, p.DocID)
			}
			if p.Weighted <= 0 || math.IsNaN(p.Weighted) || math.IsInf(p.Weighted, 0) {
				return nil, corrupted("term %q in %q has invalid weight %v", t.Term, p.DocID, p.Weighted)
			}
			docs[p.DocID] = &posting{
				frequency: p.Frequency,
				weighted:  p.Weighted,
				positions: p.Positions,
			}
			entry.terms = append(entry.terms, t.Term)
			tokenSums[p.DocID] += p.Frequency
		}
		idx.postings[t.Term] = docs
	}

	for id, entry := range idx.docs {
		if tokenSums[id] != entry.length {
			return nil, corrupted("document %q length %d does not match its postings (%d)", id, entry.length, tokenSums[id])
		}
	}

	idx.recomputeAverage()
	return idx, nil
}

func corrupted(format string, args ...any) error {
	return &types.CorruptedDataError{Description: "bm25 snapshot: " + fmt.Sprintf(format, args...)}
}

// IsSnapshotMissing reports whether err came from loading a snapshot file
// that does not exist.
func IsSnapshotMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
