package retrieval

import (
	"context"
	"fmt"
)

// StoredChunk is one persisted chunk read back from the vector store.
type StoredChunk struct {
	VectorID       string
	RecordID       string
	ChunkIndex     int
	Content        string
	ContentHash    string
	Title          string
	Creators       string
	Date           string
	Venue          string
	DOI            string
	URL            string
	ItemType       string
	Abstract       string
	EmbeddingModel string
	Vector         []float32
}

// ScoredChunk pairs a stored chunk with its similarity score.
type ScoredChunk struct {
	Chunk StoredChunk
	Score float32
}

// Filter restricts a similarity query by metadata. Predicates are applied by
// the store itself, not post-filtered client-side, so top-k counts stay
// correct.
type Filter struct {
	ItemType string // equality on itemType
	Creator  string // substring match on the creators field
	DateFrom string // inclusive lower bound on date
	DateTo   string // inclusive upper bound on date
}

func (f *Filter) Empty() bool {
	return f == nil || (f.ItemType == "" && f.Creator == "" && f.DateFrom == "" && f.DateTo == "")
}

// CollectionStats is the store's aggregate view.
type CollectionStats struct {
	Items          int    `json:"items"`
	Chunks         int    `json:"chunks"`
	EmbeddingModel string `json:"embedding_model"`
	Dimensionality int    `json:"dimensionality"`
}

// SearchResult is one distinct record surfaced to the caller, represented by
// its best-scoring chunk.
type SearchResult struct {
	RecordID   string  `json:"record_id"`
	Citation   string  `json:"citation"`
	Title      string  `json:"title,omitempty"`
	Creators   string  `json:"creators,omitempty"`
	Date       string  `json:"date,omitempty"`
	Venue      string  `json:"venue,omitempty"`
	DOI        string  `json:"doi,omitempty"`
	URL        string  `json:"url,omitempty"`
	ItemType   string  `json:"item_type,omitempty"`
	Excerpt    string  `json:"excerpt,omitempty"`
	Score      float32 `json:"score"`
	ChunkIndex int     `json:"chunk_index"`
}

// ItemDetail is the full view of one record: metadata plus its chunk texts in
// document order.
type ItemDetail struct {
	RecordID string   `json:"record_id"`
	Citation string   `json:"citation"`
	Title    string   `json:"title,omitempty"`
	Creators string   `json:"creators,omitempty"`
	Date     string   `json:"date,omitempty"`
	Venue    string   `json:"venue,omitempty"`
	DOI      string   `json:"doi,omitempty"`
	URL      string   `json:"url,omitempty"`
	ItemType string   `json:"item_type,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	Chunks   []string `json:"chunks"`
}

// CollectionInfo is the stats passthrough plus a human-facing summary line.
type CollectionInfo struct {
	CollectionStats
	Summary string `json:"summary"`
}

// ValidationError rejects malformed input immediately, with no retry.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotFoundError reports a record key with no chunks in the store.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("item %s not found", e.Key) }

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]ScoredChunk, error)
	GetRecordChunks(ctx context.Context, recordID string) ([]StoredChunk, error)
	// ScanMetadata pages through chunk metadata without vectors; it backs the
	// author search, which is a linear scan by design.
	ScanMetadata(ctx context.Context, limit int) ([]StoredChunk, error)
	Stats(ctx context.Context) (*CollectionStats, error)
}
