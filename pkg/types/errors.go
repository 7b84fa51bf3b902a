package types

import (
	"errors"
	"fmt"
)

// Domain errors shared by the index, the fusion layer and their callers.
// Structured errors below unwrap to one of these so callers can test with
// errors.Is without caring about the payload.
var (
	ErrInvalidDocument   = errors.New("invalid document")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrEmptyQuery        = errors.New("query contains no searchable terms")
	ErrInvalidLimit      = errors.New("limit must be greater than zero")
	ErrInvalidDocID      = errors.New("invalid document id")
	ErrCorruptedData     = errors.New("corrupted data")
	ErrMissingSimilarity = errors.New("missing similarity score")
)

// InvalidDocumentError reports a document record that failed validation.
type InvalidDocumentError struct {
	DocID  string
	Reason string
}

func (e *InvalidDocumentError) Error() string {
	if e.DocID == "" {
		return fmt.Sprintf("invalid document: %s", e.Reason)
	}
	return fmt.Sprintf("invalid document %q: %s", e.DocID, e.Reason)
}

func (e *InvalidDocumentError) Unwrap() error { return ErrInvalidDocument }

// DocumentNotFoundError reports a lookup of a doc id the index does not hold.
type DocumentNotFoundError struct {
	DocID string
}

func (e *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("document not found: %q", e.DocID)
}

func (e *DocumentNotFoundError) Unwrap() error { return ErrDocumentNotFound }

// InvalidDocIDError reports a statistical doc id that cannot be decoded
// into a (file path, chunk index) pair.
type InvalidDocIDError struct {
	DocID          string
	ExpectedFormat string
}

func (e *InvalidDocIDError) Error() string {
	return fmt.Sprintf("invalid document id %q: expected format %q", e.DocID, e.ExpectedFormat)
}

func (e *InvalidDocIDError) Unwrap() error { return ErrInvalidDocID }

// CorruptedDataError reports a non-finite score or an inconsistent
// persisted index.
type CorruptedDataError struct {
	Description string
}

func (e *CorruptedDataError) Error() string {
	return "corrupted data: " + e.Description
}

func (e *CorruptedDataError) Unwrap() error { return ErrCorruptedData }

// MissingSimilarityError reports a semantic match whose provider did not
// attach a similarity score.
type MissingSimilarityError struct {
	FilePath   string
	ChunkIndex int
}

func (e *MissingSimilarityError) Error() string {
	return fmt.Sprintf("missing similarity score for %s chunk %d", e.FilePath, e.ChunkIndex)
}

func (e *MissingSimilarityError) Unwrap() error { return ErrMissingSimilarity }
