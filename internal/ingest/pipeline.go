package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"refsearch/internal/retry"
	"refsearch/internal/text"
)

// Config carries the per-run pipeline knobs. Zero values are replaced with
// the documented defaults.
type Config struct {
	Strategy       Strategy
	Concurrency    int // concurrent record pipelines, default 8
	BatchSize      int // chunks per upsert call, default 50
	MaxRecords     int // provider listing cap, 0 = no cap
	ChunkOpts      text.Options
	EmbeddingModel string
}

// Summary aggregates the outcome of one run. Ingestion never aborts on a
// single record failure; failures are collected here instead.
type Summary struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// errNoText marks a record with no resolvable text: counted as skipped, not
// failed.
var errNoText = errors.New("record has no extractable text")

type Pipeline struct {
	provider  Provider
	extractor Extractor
	embedder  Embedder
	store     VectorStore
	retry     retry.Policy
	cfg       Config
}

func NewPipeline(provider Provider, extractor Extractor, embedder Embedder, store VectorStore, policy retry.Policy, cfg Config) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRecordID
	}
	return &Pipeline{
		provider:  provider,
		extractor: extractor,
		embedder:  embedder,
		store:     store,
		retry:     policy,
		cfg:       cfg,
	}
}

// Run executes one ingestion pass: list provider records, partition them
// against a freshly bootstrapped dedup index, then process the changed ones
// under the concurrency bound. Per-record failures are aggregated; a store
// write failure after retries aborts the run with the partial summary.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	var records []SourceRecord
	err := p.retry.Do(ctx, func() error {
		var e error
		records, e = p.provider.ListRecords(ctx, p.cfg.MaxRecords)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("list provider records: %w", err)
	}

	var keys []RecordKey
	err = p.retry.Do(ctx, func() error {
		var e error
		keys, e = p.store.ListRecordKeys(ctx)
		return e
	})
	if err != nil {
		return nil, &StoreError{Op: "list record keys", Err: err}
	}

	// The dedup index lives exactly as long as this run.
	index := NewIndex()
	index.Load(keys)

	detector := NewDetector(index, p.cfg.Strategy)
	toProcess, skipped := detector.Partition(ctx, records)

	slog.InfoContext(ctx, "change detection complete",
		"strategy", string(p.cfg.Strategy),
		"known_records", index.Size(),
		"to_process", len(toProcess),
		"skipped", len(skipped))

	summary := &Summary{Skipped: len(skipped)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, rec := range toProcess {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			err := p.processRecord(gctx, rec)
			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				index.Record(rec.Key, rec.DocHash())
				summary.Processed++
			case errors.Is(err, errNoText):
				slog.WarnContext(gctx, "record skipped, no text", "record_id", rec.Key)
				summary.Skipped++
			case isStoreError(err):
				// Fatal: cancels the group and surfaces to the caller.
				return err
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				slog.ErrorContext(gctx, "record failed", "record_id", rec.Key, "error", err)
				summary.Failed++
				summary.FailedIDs = append(summary.FailedIDs, rec.Key)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	slog.InfoContext(ctx, "ingestion run complete",
		"processed", summary.Processed, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

// processRecord runs one record through fetch, chunk, embed and upsert.
// Nothing is written until every chunk has a vector, which keeps the record
// all-or-none: an embedding failure leaves no orphaned siblings behind.
func (p *Pipeline) processRecord(ctx context.Context, rec SourceRecord) error {
	fullText, err := p.resolveText(ctx, rec)
	if err != nil {
		return err
	}
	if strings.TrimSpace(fullText) == "" {
		return errNoText
	}

	chunks := text.Split(fullText, p.cfg.ChunkOpts)
	if len(chunks) == 0 {
		return errNoText
	}

	inputs := make([]string, len(chunks))
	for i, c := range chunks {
		inputs[i] = embedInput(rec, c)
	}

	var vectors [][]float32
	err = p.retry.Do(ctx, func() error {
		var e error
		vectors, e = p.embedder.EmbedBatch(ctx, inputs)
		return e
	})
	if err != nil {
		return &EmbedError{RecordID: rec.Key, Err: err}
	}
	if len(vectors) != len(chunks) {
		return &EmbedError{RecordID: rec.Key, Err: fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))}
	}

	docHash := rec.DocHash()
	embedded := make([]EmbeddedRecord, len(chunks))
	for i, c := range chunks {
		embedded[i] = EmbeddedRecord{
			VectorID: VectorID(rec.Key, c.Index),
			Vector:   vectors[i],
			Payload: Payload{
				RecordID:       rec.Key,
				ChunkIndex:     c.Index,
				Content:        c.Content,
				ContentHash:    c.ContentHash,
				DocHash:        docHash,
				TokenCount:     c.TokenCount,
				Overlap:        c.Overlap,
				Title:          rec.Title,
				Creators:       JoinCreators(rec.Creators),
				Date:           rec.Date,
				Venue:          rec.Venue,
				DOI:            rec.DOI,
				URL:            rec.URL,
				ItemType:       rec.ItemType,
				Abstract:       rec.Abstract,
				EmbeddingModel: p.cfg.EmbeddingModel,
			},
		}
	}

	for start := 0; start < len(embedded); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(embedded) {
			end = len(embedded)
		}
		batch := embedded[start:end]
		err = p.retry.Do(ctx, func() error {
			return p.store.UpsertBatch(ctx, batch)
		})
		if err != nil {
			return &StoreError{Op: "upsert", Err: err}
		}
	}

	// The new chunk set overwrote indexes 0..len-1 in place. If the previous
	// version of this record was longer, its trailing chunks are now stale:
	// drop them so retrieval cannot serve superseded text and the next run's
	// key listing sees a single docHash for the record.
	err = p.retry.Do(ctx, func() error {
		return p.store.DeleteStaleChunks(ctx, rec.Key, len(embedded))
	})
	if err != nil {
		return &StoreError{Op: "delete stale chunks", Err: err}
	}

	slog.InfoContext(ctx, "record ingested", "record_id", rec.Key, "chunks", len(embedded))
	return nil
}

// resolveText prefers provider-supplied text, then the provider's full-text
// index, then PDF download plus extraction.
func (p *Pipeline) resolveText(ctx context.Context, rec SourceRecord) (string, error) {
	if strings.TrimSpace(rec.FullText) != "" {
		return rec.FullText, nil
	}

	var txt string
	err := p.retry.Do(ctx, func() error {
		var e error
		txt, e = p.provider.FetchFullText(ctx, rec.Key)
		return e
	})
	if err != nil {
		return "", &FetchError{RecordID: rec.Key, Err: err}
	}
	if strings.TrimSpace(txt) != "" {
		return txt, nil
	}

	if rec.AttachmentKey == "" {
		return "", nil
	}

	var pdf []byte
	err = p.retry.Do(ctx, func() error {
		var e error
		pdf, e = p.provider.DownloadAttachment(ctx, rec.AttachmentKey)
		return e
	})
	if err != nil {
		return "", &FetchError{RecordID: rec.Key, Err: err}
	}

	var extracted string
	err = p.retry.Do(ctx, func() error {
		var e error
		extracted, e = p.extractor.ExtractText(ctx, pdf)
		return e
	})
	if err != nil {
		return "", &ExtractError{RecordID: rec.Key, Err: err}
	}
	return extracted, nil
}

// embedInput prefixes the chunk with its bibliographic context so the vector
// carries the record's identity, not just the chunk text.
func embedInput(rec SourceRecord, chunk text.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s", rec.Title)
	if len(rec.Creators) > 0 {
		fmt.Fprintf(&b, "\nCreators: %s", JoinCreators(rec.Creators))
	}
	if rec.Venue != "" {
		fmt.Fprintf(&b, "\nVenue: %s", rec.Venue)
	}
	if rec.Date != "" {
		fmt.Fprintf(&b, "\nDate: %s", rec.Date)
	}
	fmt.Fprintf(&b, "\n---\n%s", chunk.Content)
	return b.String()
}

func isStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
