// Package ingest implements the vectorization pipeline: change detection
// against the store, chunking, embedding and batched upserts.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"refsearch/internal/text"
)

// SourceRecord is one bibliographic item as returned by the provider.
// Immutable once fetched; a changed item shows up as a fresh record on the
// next listing.
type SourceRecord struct {
	Key           string
	Creators      []string
	Title         string
	Date          string
	Venue         string
	DOI           string
	URL           string
	ItemType      string
	Abstract      string
	FullText      string // provider-supplied text; may be empty
	AttachmentKey string // PDF attachment to fall back on
	Modified      time.Time
}

// DocHash is the record-level content hash used by the content_hash dedup
// strategy. When the provider supplies full text it hashes that; otherwise it
// hashes the bibliographic surface plus the last-modified stamp, so a provider
// side edit still triggers re-processing even though the PDF text is not
// available before download.
func (r SourceRecord) DocHash() string {
	if strings.TrimSpace(r.FullText) != "" {
		return text.HashContent(r.FullText)
	}
	return text.HashContent(r.Title + "\n" + r.Abstract + "\n" + r.Modified.UTC().Format(time.RFC3339))
}

// Payload is the fixed metadata schema persisted with every vector. Fields are
// enumerated explicitly rather than carried as a loose map so a missing field
// is a compile error, not a silent nil at query time.
type Payload struct {
	RecordID    string
	ChunkIndex  int
	Content     string
	ContentHash string // hash of this chunk's normalized text
	DocHash     string // record-level hash, used to bootstrap the dedup index
	TokenCount  int
	Overlap     int

	Title          string
	Creators       string // "; "-joined, in citation order
	Date           string
	Venue          string
	DOI            string
	URL            string
	ItemType       string
	Abstract       string
	EmbeddingModel string
}

// EmbeddedRecord is the unit written to the vector store.
type EmbeddedRecord struct {
	VectorID string
	Vector   []float32
	Payload  Payload
}

// RecordKey is one (record_id, doc_hash) pair read back from the store when
// bootstrapping the dedup index.
type RecordKey struct {
	RecordID string
	DocHash  string
}

var vectorIDNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("refsearch.chunks"))

// VectorID derives the deterministic store id for a (record, chunk) pair, so
// re-ingesting an unchanged chunk upserts in place instead of duplicating.
func VectorID(recordID string, chunkIndex int) string {
	return uuid.NewSHA1(vectorIDNamespace, []byte(fmt.Sprintf("%s:%d", recordID, chunkIndex))).String()
}

// JoinCreators flattens the ordered creator list for the payload schema.
func JoinCreators(creators []string) string {
	return strings.Join(creators, "; ")
}

type Provider interface {
	// ListRecords returns bibliographic records, capped at max when max > 0.
	ListRecords(ctx context.Context, max int) ([]SourceRecord, error)
	// FetchFullText returns the provider-indexed full text for an item, or
	// empty when the provider has none.
	FetchFullText(ctx context.Context, key string) (string, error)
	// DownloadAttachment returns the raw bytes of a PDF attachment.
	DownloadAttachment(ctx context.Context, key string) ([]byte, error)
}

type Extractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorStore interface {
	UpsertBatch(ctx context.Context, batch []EmbeddedRecord) error
	// DeleteStaleChunks removes a record's chunks with index >= fromIndex.
	// Upserts overwrite in place, so only trailing chunks from a longer
	// previous version need explicit removal.
	DeleteStaleChunks(ctx context.Context, recordID string, fromIndex int) error
	ListRecordKeys(ctx context.Context) ([]RecordKey, error)
}
