package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dshills/codefuse/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned for arguments that cannot be stored or searched
	ErrInvalidInput = errors.New("invalid input")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens (or creates) the database at dbPath and applies
// pending migrations. Use ":memory:" for a throwaway database.
func NewSQLiteStorage(ctx context.Context, dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// File operations

// ReplaceFile stores file and swaps its chunks and symbols for the given
// ones in a single transaction. Embeddings of chunks whose content hash is
// unchanged are carried over to the new chunk rows.
func (s *SQLiteStorage) ReplaceFile(ctx context.Context, file *File, chunks []types.Chunk, symbols []types.Symbol) error {
	if file == nil || file.Path == "" {
		return fmt.Errorf("%w: file path is required", ErrInvalidInput)
	}
	for i := range chunks {
		if chunks[i].FilePath != file.Path {
			return fmt.Errorf("%w: chunk %d belongs to %q, not %q", ErrInvalidInput, i, chunks[i].FilePath, file.Path)
		}
		if err := chunks[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	for i := range symbols {
		if err := symbols[i].Validate(); err != nil {
			return fmt.Errorf("%w: symbol %d: %v", ErrInvalidInput, i, err)
		}
	}
	if file.IndexedAt.IsZero() {
		file.IndexedAt = time.Now()
	}

	return s.withTx(ctx, func(q querier) error {
		fileID, err := upsertFile(ctx, q, file)
		if err != nil {
			return err
		}

		carried, err := loadEmbeddingsByHash(ctx, q, fileID)
		if err != nil {
			return err
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM symbols WHERE file_id = ?`, fileID); err != nil {
			return fmt.Errorf("failed to delete symbols: %w", err)
		}

		for i := range chunks {
			chunkID, err := insertChunk(ctx, q, fileID, &chunks[i])
			if err != nil {
				return err
			}
			if emb, ok := carried[chunks[i].ContentHash]; ok {
				if _, err := q.ExecContext(ctx,
					`INSERT INTO embeddings (chunk_id, vector, dimension, model) VALUES (?, ?, ?, ?)`,
					chunkID, emb.vector, emb.dimension, emb.model); err != nil {
					return fmt.Errorf("failed to carry embedding: %w", err)
				}
			}
		}

		for i := range symbols {
			if err := insertSymbol(ctx, q, fileID, &symbols[i]); err != nil {
				return err
			}
		}

		file.ID = fileID
		return nil
	})
}

func upsertFile(ctx context.Context, q querier, file *File) (int64, error) {
	query := `
		INSERT INTO files (path, language, package_name, content_hash, size_bytes, mod_time, parse_error, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			language = excluded.language,
			package_name = excluded.package_name,
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			mod_time = excluded.mod_time,
			parse_error = excluded.parse_error,
			indexed_at = excluded.indexed_at
		RETURNING id
	`
	var id int64
	err := q.QueryRowContext(ctx, query,
		file.Path, file.Language, file.PackageName, file.ContentHash[:], file.SizeBytes,
		toMillis(file.ModTime), file.ParseError, file.IndexedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert file: %w", err)
	}
	return id, nil
}

type storedEmbedding struct {
	vector    []byte
	dimension int
	model     string
}

func loadEmbeddingsByHash(ctx context.Context, q querier, fileID int64) (map[[32]byte]storedEmbedding, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.content_hash, e.vector, e.dimension, e.model
		FROM chunks c
		INNER JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.file_id = ?
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[[32]byte]storedEmbedding)
	for rows.Next() {
		var hash []byte
		var emb storedEmbedding
		if err := rows.Scan(&hash, &emb.vector, &emb.dimension, &emb.model); err != nil {
			return nil, err
		}
		var key [32]byte
		copy(key[:], hash)
		out[key] = emb
	}
	return out, rows.Err()
}

func insertChunk(ctx context.Context, q querier, fileID int64, c *types.Chunk) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO chunks (file_id, chunk_index, content, content_hash, start_line, end_line, kind, language, symbol_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, fileID, c.ChunkIndex, c.Content, c.ContentHash[:], c.StartLine, c.EndLine,
		string(c.Kind), c.Language, c.SymbolName,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
	}
	return id, nil
}

func insertSymbol(ctx context.Context, q querier, fileID int64, sym *types.Symbol) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO symbols (file_id, name, kind, package_name, signature, doc_comment, scope, receiver,
		                     start_line, start_col, end_line, end_col)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, fileID, sym.Name, string(sym.Kind), sym.Package, sym.Signature, sym.DocComment,
		string(sym.Scope), sym.Receiver, sym.Start.Line, sym.Start.Column, sym.End.Line, sym.End.Column)
	if err != nil {
		return fmt.Errorf("failed to insert symbol %s: %w", sym.Name, err)
	}
	return nil
}

const fileColumns = `id, path, language, package_name, content_hash, size_bytes, mod_time, parse_error, indexed_at`

func scanFile(row scanner) (*File, error) {
	var f File
	var hash []byte
	var pkg, parseErr sql.NullString
	var modTime sql.NullInt64
	var indexedAt int64
	if err := row.Scan(&f.ID, &f.Path, &f.Language, &pkg, &hash, &f.SizeBytes, &modTime, &parseErr, &indexedAt); err != nil {
		return nil, err
	}
	copy(f.ContentHash[:], hash)
	f.PackageName = pkg.String
	f.ParseError = parseErr.String
	if modTime.Valid {
		f.ModTime = time.UnixMilli(modTime.Int64)
	}
	f.IndexedAt = time.UnixMilli(indexedAt)
	return &f, nil
}

func (s *SQLiteStorage) GetFile(ctx context.Context, path string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

func (s *SQLiteStorage) ListFiles(ctx context.Context) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	files := make([]*File, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes a file and, by cascade, its chunks, symbols and
// embeddings.
func (s *SQLiteStorage) DeleteFile(ctx context.Context, path string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Chunk operations

const chunkColumns = `f.path, c.chunk_index, c.content, c.content_hash, c.start_line, c.end_line, c.kind, c.language, c.symbol_name`

func scanChunk(row scanner) (types.Chunk, error) {
	var c types.Chunk
	var hash []byte
	var kind string
	var symbol sql.NullString
	if err := row.Scan(&c.FilePath, &c.ChunkIndex, &c.Content, &hash, &c.StartLine, &c.EndLine, &kind, &c.Language, &symbol); err != nil {
		return c, err
	}
	copy(c.ContentHash[:], hash)
	c.Kind = types.ChunkKind(kind)
	c.SymbolName = symbol.String
	return c, nil
}

func (s *SQLiteStorage) GetChunk(ctx context.Context, path string, chunkIndex int) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks c
		INNER JOIN files f ON f.id = c.file_id
		WHERE f.path = ? AND c.chunk_index = ?
	`, path, chunkIndex)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return &c, nil
}

// ListChunks returns every chunk ordered by path and chunk index.
func (s *SQLiteStorage) ListChunks(ctx context.Context) ([]types.Chunk, error) {
	return s.listChunks(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks c
		INNER JOIN files f ON f.id = c.file_id
		ORDER BY f.path, c.chunk_index
	`)
}

func (s *SQLiteStorage) ListChunksByFile(ctx context.Context, path string) ([]types.Chunk, error) {
	return s.listChunks(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks c
		INNER JOIN files f ON f.id = c.file_id
		WHERE f.path = ?
		ORDER BY c.chunk_index
	`, path)
}

// ListChunksWithoutEmbedding returns the chunks of path that have no
// embedding under model.
func (s *SQLiteStorage) ListChunksWithoutEmbedding(ctx context.Context, path, model string) ([]types.Chunk, error) {
	return s.listChunks(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks c
		INNER JOIN files f ON f.id = c.file_id
		LEFT JOIN embeddings e ON e.chunk_id = c.id AND e.model = ?
		WHERE f.path = ? AND e.chunk_id IS NULL
		ORDER BY c.chunk_index
	`, model, path)
}

func (s *SQLiteStorage) listChunks(ctx context.Context, query string, args ...any) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]types.Chunk, 0)
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Embedding operations

// UpsertEmbeddings stores vectors for existing chunks. All embeddings are
// written in one transaction; an embedding for an unknown chunk fails the
// whole batch with ErrNotFound.
func (s *SQLiteStorage) UpsertEmbeddings(ctx context.Context, embeddings []Embedding) error {
	for i, e := range embeddings {
		if len(e.Vector) == 0 {
			return fmt.Errorf("%w: embedding %d has an empty vector", ErrInvalidInput, i)
		}
		if e.Model == "" {
			return fmt.Errorf("%w: embedding %d has no model", ErrInvalidInput, i)
		}
		for _, x := range e.Vector {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return fmt.Errorf("%w: embedding %d contains non-finite values", ErrInvalidInput, i)
			}
		}
	}

	return s.withTx(ctx, func(q querier) error {
		for _, e := range embeddings {
			result, err := q.ExecContext(ctx, `
				INSERT INTO embeddings (chunk_id, vector, dimension, model)
				SELECT c.id, ?, ?, ?
				FROM chunks c
				INNER JOIN files f ON f.id = c.file_id
				WHERE f.path = ? AND c.chunk_index = ?
				ON CONFLICT(chunk_id) DO UPDATE SET
					vector = excluded.vector,
					dimension = excluded.dimension,
					model = excluded.model
			`, serializeVector(e.Vector), len(e.Vector), e.Model, e.FilePath, e.ChunkIndex)
			if err != nil {
				return fmt.Errorf("failed to upsert embedding: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: chunk %s", ErrNotFound, types.FormatDocID(e.FilePath, e.ChunkIndex))
			}
		}
		return nil
	})
}

// CountEmbeddings counts stored vectors; an empty model counts all.
func (s *SQLiteStorage) CountEmbeddings(ctx context.Context, model string) (int, error) {
	var n int
	var err error
	if model == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings WHERE model = ?`, model).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// Index runs

func (s *SQLiteStorage) RecordIndexRun(ctx context.Context, run *IndexRun) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO index_runs (started_at, duration_ms, files_indexed, files_skipped, files_failed, files_removed, chunks_indexed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.StartedAt.UnixMilli(), run.Duration.Milliseconds(), run.FilesIndexed, run.FilesSkipped,
		run.FilesFailed, run.FilesRemoved, run.ChunksIndexed)
	if err != nil {
		return fmt.Errorf("failed to record index run: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

func (s *SQLiteStorage) LastIndexRun(ctx context.Context) (*IndexRun, error) {
	var run IndexRun
	var startedAt, durationMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, duration_ms, files_indexed, files_skipped, files_failed, files_removed, chunks_indexed
		FROM index_runs
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&run.ID, &startedAt, &durationMs, &run.FilesIndexed, &run.FilesSkipped,
		&run.FilesFailed, &run.FilesRemoved, &run.ChunksIndexed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index run: %w", err)
	}
	run.StartedAt = time.UnixMilli(startedAt)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return &run, nil
}

// Stats returns row counts and the on-disk size of the database.
func (s *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{BuildMode: BuildMode}

	counts := []struct {
		table string
		dst   *int
	}{
		{"files", &stats.Files},
		{"chunks", &stats.Chunks},
		{"symbols", &stats.Symbols},
		{"embeddings", &stats.Embeddings},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to read page size: %w", err)
	}
	stats.SizeBytes = pageCount * pageSize

	version, err := SchemaVersion(ctx, s.db)
	if err != nil {
		return nil, err
	}
	stats.SchemaVersion = version
	return stats, nil
}

func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
