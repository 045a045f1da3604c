package ingest

import "fmt"

// FetchError wraps a failure reaching the provider for one record.
type FetchError struct {
	RecordID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("provider fetch failed for record %s: %v", e.RecordID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractError wraps a PDF/text extraction failure for one record.
type ExtractError struct {
	RecordID string
	Err      error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("text extraction failed for record %s: %v", e.RecordID, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// EmbedError wraps an embedding-model failure. It fails the whole record:
// no chunk of the record is upserted.
type EmbedError struct {
	RecordID string
	Err      error
}

func (e *EmbedError) Error() string {
	return fmt.Sprintf("embedding failed for record %s: %v", e.RecordID, e.Err)
}

func (e *EmbedError) Unwrap() error { return e.Err }

// StoreError wraps a vector-store failure. Exhausted store retries are fatal
// to the run: silent data loss on write is not acceptable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("vector store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
