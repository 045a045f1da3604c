package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// In-memory doubles for the pipeline's collaborators.

type fakeProvider struct {
	records    []SourceRecord
	fullText   map[string]string
	pdfs       map[string][]byte
	listErrs   int // fail this many ListRecords calls before succeeding
	maxSeen    int
	fetchCalls int
}

func (p *fakeProvider) ListRecords(_ context.Context, max int) ([]SourceRecord, error) {
	p.maxSeen = max
	if p.listErrs > 0 {
		p.listErrs--
		return nil, errors.New("provider unavailable")
	}
	records := p.records
	if max > 0 && len(records) > max {
		records = records[:max]
	}
	return records, nil
}

func (p *fakeProvider) FetchFullText(_ context.Context, key string) (string, error) {
	p.fetchCalls++
	return p.fullText[key], nil
}

func (p *fakeProvider) DownloadAttachment(_ context.Context, key string) ([]byte, error) {
	pdf, ok := p.pdfs[key]
	if !ok {
		return nil, errors.New("attachment not found")
	}
	return pdf, nil
}

type fakeExtractor struct {
	text string
	err  error
}

func (e *fakeExtractor) ExtractText(_ context.Context, _ []byte) (string, error) {
	return e.text, e.err
}

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failFor  map[string]bool // fail whole batches containing this substring
	batchLen []int
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.batchLen = append(e.batchLen, len(texts))
	for _, t := range texts {
		for marker := range e.failFor {
			if marker != "" && strings.Contains(t, marker) {
				return nil, errors.New("model overloaded")
			}
		}
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return vectors, nil
}

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string]EmbeddedRecord
	upserts   int
	deletes   int
	upsertErr error
	deleteErr error
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]EmbeddedRecord)}
}

func (s *fakeStore) UpsertBatch(_ context.Context, batch []EmbeddedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts++
	for _, rec := range batch {
		s.objects[rec.VectorID] = rec
	}
	return nil
}

func (s *fakeStore) DeleteStaleChunks(_ context.Context, recordID string, fromIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletes++
	for id, rec := range s.objects {
		if rec.Payload.RecordID == recordID && rec.Payload.ChunkIndex >= fromIndex {
			delete(s.objects, id)
		}
	}
	return nil
}

func (s *fakeStore) ListRecordKeys(_ context.Context) ([]RecordKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	seen := make(map[string]struct{})
	var keys []RecordKey
	for _, rec := range s.objects {
		if _, ok := seen[rec.Payload.RecordID]; ok {
			continue
		}
		seen[rec.Payload.RecordID] = struct{}{}
		keys = append(keys, RecordKey{RecordID: rec.Payload.RecordID, DocHash: rec.Payload.DocHash})
	}
	return keys, nil
}

func (s *fakeStore) chunksFor(recordID string) []EmbeddedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EmbeddedRecord
	for _, rec := range s.objects {
		if rec.Payload.RecordID == recordID {
			out = append(out, rec)
		}
	}
	return out
}

// flakyDeduper fails a configurable number of lookups before delegating to
// the wrapped index.
type flakyDeduper struct {
	inner    Deduper
	failures int
	calls    int
}

func (f *flakyDeduper) SeenRecord(ctx context.Context, id string) (bool, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return false, errors.New("lookup timeout")
	}
	return f.inner.SeenRecord(ctx, id)
}

func (f *flakyDeduper) SeenHash(ctx context.Context, h string) (bool, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return false, errors.New("lookup timeout")
	}
	return f.inner.SeenHash(ctx, h)
}
