package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refsearch/internal/retry"
	"refsearch/internal/text"
)

// sentence returns a ten-token sentence built around the marker word.
func sentence(marker string) string {
	return "lorem ipsum " + marker + " dolor sit amet consectetur adipiscing elit sed. "
}

func testConfig() Config {
	return Config{
		Strategy:       StrategyRecordID,
		Concurrency:    4,
		BatchSize:      50,
		ChunkOpts:      text.Options{Size: 10, Overlap: 0},
		EmbeddingModel: "gemini-embedding-001",
	}
}

func testPolicy() retry.Policy {
	return retry.NewPolicy(2, time.Millisecond)
}

func newTestPipeline(p *fakeProvider, s *fakeStore, e *fakeEmbedder, cfg Config) *Pipeline {
	return NewPipeline(p, &fakeExtractor{}, e, s, testPolicy(), cfg)
}

func TestPipeline_Run_IngestsChangedRecords(t *testing.T) {
	// A has three sentences of ten tokens each: exactly three chunks at
	// size 10. B has one sentence: one chunk.
	recA := record("A", sentence("one")+sentence("two")+sentence("three"))
	recB := record("B", sentence("solo"))

	provider := &fakeProvider{records: []SourceRecord{recA, recB}}
	store := newFakeStore()
	embedder := &fakeEmbedder{}

	summary, err := newTestPipeline(provider, store, embedder, testConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)

	assert.Len(t, store.chunksFor("A"), 3)
	assert.Len(t, store.chunksFor("B"), 1)

	// One batched embedding call per record.
	assert.Equal(t, 2, embedder.calls)

	for _, chunk := range store.chunksFor("A") {
		assert.Equal(t, "A", chunk.Payload.RecordID)
		assert.Equal(t, recA.DocHash(), chunk.Payload.DocHash)
		assert.Equal(t, "gemini-embedding-001", chunk.Payload.EmbeddingModel)
		assert.Equal(t, VectorID("A", chunk.Payload.ChunkIndex), chunk.VectorID)
	}
}

func TestPipeline_Run_SecondRunIsIdempotent(t *testing.T) {
	recA := record("A", sentence("one"))
	recB := record("B", sentence("two"))
	provider := &fakeProvider{records: []SourceRecord{recA, recB}}
	store := newFakeStore()

	first, err := newTestPipeline(provider, store, &fakeEmbedder{}, testConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Processed)

	// Fresh pipeline, same store: the dedup index is rebuilt from the store.
	second, err := newTestPipeline(provider, store, &fakeEmbedder{}, testConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 2, second.Skipped)
}

func TestPipeline_Run_ContentHashStrategyReprocessesChange(t *testing.T) {
	recA := record("A", sentence("one"))
	recB := record("B", sentence("two"))
	store := newFakeStore()

	cfg := testConfig()
	cfg.Strategy = StrategyContentHash

	provider := &fakeProvider{records: []SourceRecord{recA, recB}}
	_, err := newTestPipeline(provider, store, &fakeEmbedder{}, cfg).Run(context.Background())
	require.NoError(t, err)

	// One character changes in A's text; B is untouched.
	changedA := record("A", strings.Replace(recA.FullText, "lorem", "Lorem!", 1))
	provider = &fakeProvider{records: []SourceRecord{changedA, recB}}
	summary, err := newTestPipeline(provider, store, &fakeEmbedder{}, cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
}

func TestPipeline_Run_ShrinkingRecordDropsStaleChunks(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.Strategy = StrategyContentHash

	// First version of A spans two chunks.
	recA := record("A", sentence("one")+sentence("two"))
	provider := &fakeProvider{records: []SourceRecord{recA}}
	_, err := newTestPipeline(provider, store, &fakeEmbedder{}, cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, store.chunksFor("A"), 2)

	// The revised version fits in a single chunk: the old chunk 1 must not
	// survive it.
	shrunkA := record("A", sentence("revised"))
	provider = &fakeProvider{records: []SourceRecord{shrunkA}}
	summary, err := newTestPipeline(provider, store, &fakeEmbedder{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	chunks := store.chunksFor("A")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Payload.ChunkIndex)
	assert.Equal(t, shrunkA.DocHash(), chunks[0].Payload.DocHash)

	// With no stale docHash left behind, the unchanged source now skips.
	provider = &fakeProvider{records: []SourceRecord{shrunkA}}
	third, err := newTestPipeline(provider, store, &fakeEmbedder{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, third.Processed)
	assert.Equal(t, 1, third.Skipped)
}

func TestPipeline_Run_StaleChunkDeleteFailureIsFatal(t *testing.T) {
	provider := &fakeProvider{records: []SourceRecord{record("A", sentence("one"))}}
	store := newFakeStore()
	store.deleteErr = assert.AnError

	_, err := newTestPipeline(provider, store, &fakeEmbedder{}, testConfig()).Run(context.Background())
	require.Error(t, err)

	var storeErr *StoreError
	assert.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "delete stale chunks", storeErr.Op)
}

func TestPipeline_Run_NoPartialCommitOnEmbedFailure(t *testing.T) {
	recA := record("A", sentence("poison")+sentence("two")+sentence("three"))
	recB := record("B", sentence("fine"))

	provider := &fakeProvider{records: []SourceRecord{recA, recB}}
	store := newFakeStore()
	embedder := &fakeEmbedder{failFor: map[string]bool{"poison": true}}

	summary, err := newTestPipeline(provider, store, embedder, testConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"A"}, summary.FailedIDs)

	// None of A's chunks may appear alongside a missing sibling.
	assert.Empty(t, store.chunksFor("A"))
	assert.Len(t, store.chunksFor("B"), 1)
}

func TestPipeline_Run_EmptyTextSkipped(t *testing.T) {
	noText := SourceRecord{Key: "E", Title: "Empty", Modified: time.Now()}
	provider := &fakeProvider{records: []SourceRecord{noText}}
	store := newFakeStore()

	summary, err := newTestPipeline(provider, store, &fakeEmbedder{}, testConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, store.objects)
}

func TestPipeline_Run_PDFFallback(t *testing.T) {
	rec := SourceRecord{Key: "P", Title: "Scanned", AttachmentKey: "ATT1", Modified: time.Now()}
	provider := &fakeProvider{
		records: []SourceRecord{rec},
		pdfs:    map[string][]byte{"ATT1": []byte("%PDF-1.4")},
	}
	store := newFakeStore()
	pipeline := NewPipeline(provider, &fakeExtractor{text: sentence("extracted")}, &fakeEmbedder{}, store, testPolicy(), testConfig())

	summary, err := pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Len(t, store.chunksFor("P"), 1)
}

func TestPipeline_Run_StoreFailureIsFatal(t *testing.T) {
	provider := &fakeProvider{records: []SourceRecord{record("A", sentence("one"))}}
	store := newFakeStore()
	store.upsertErr = assert.AnError

	summary, err := newTestPipeline(provider, store, &fakeEmbedder{}, testConfig()).Run(context.Background())
	require.Error(t, err)

	var storeErr *StoreError
	assert.ErrorAs(t, err, &storeErr)
	assert.NotNil(t, summary)
}

func TestPipeline_Run_UpsertBatching(t *testing.T) {
	// Five sentences of ten tokens with batch size two: three upsert calls.
	full := sentence("a") + sentence("b") + sentence("c") + sentence("d") + sentence("e")
	provider := &fakeProvider{records: []SourceRecord{record("A", full)}}
	store := newFakeStore()

	cfg := testConfig()
	cfg.BatchSize = 2

	_, err := newTestPipeline(provider, store, &fakeEmbedder{}, cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, store.upserts)
	assert.Len(t, store.chunksFor("A"), 5)
}

func TestPipeline_Run_MaxRecordsCap(t *testing.T) {
	provider := &fakeProvider{records: []SourceRecord{
		record("A", sentence("one")),
		record("B", sentence("two")),
		record("C", sentence("three")),
	}}
	store := newFakeStore()

	cfg := testConfig()
	cfg.MaxRecords = 2

	summary, err := newTestPipeline(provider, store, &fakeEmbedder{}, cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, provider.maxSeen)
	assert.Equal(t, 2, summary.Processed)
}

func TestPipeline_Run_RetriesProviderListing(t *testing.T) {
	provider := &fakeProvider{
		records:  []SourceRecord{record("A", sentence("one"))},
		listErrs: 1,
	}
	store := newFakeStore()

	summary, err := newTestPipeline(provider, store, &fakeEmbedder{}, testConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
}

func TestVectorID_Deterministic(t *testing.T) {
	assert.Equal(t, VectorID("A", 0), VectorID("A", 0))
	assert.NotEqual(t, VectorID("A", 0), VectorID("A", 1))
	assert.NotEqual(t, VectorID("A", 0), VectorID("B", 0))
}
