package ingest

import (
	"context"
	"fmt"
	"sync"
)

// Strategy decides what counts as "already indexed".
type Strategy string

const (
	// StrategyRecordID skips any previously seen identifier. Cheap, but a
	// content update under the same id is not re-indexed.
	StrategyRecordID Strategy = "record_id"
	// StrategyContentHash re-processes whenever the record text changes.
	StrategyContentHash Strategy = "content_hash"
	// StrategyBoth requires both keys to be present to skip; a miss on either
	// triggers re-processing.
	StrategyBoth Strategy = "both"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRecordID, StrategyContentHash, StrategyBoth:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown dedup strategy %q", s)
}

// Index is the in-memory dedup set for a single pipeline run. It is seeded
// from the store at run start and updated as records are ingested; the store
// stays authoritative, nothing here survives the run. Writes are serialized,
// reads may proceed concurrently.
type Index struct {
	mu     sync.RWMutex
	ids    map[string]struct{}
	hashes map[string]struct{}
}

func NewIndex() *Index {
	return &Index{
		ids:    make(map[string]struct{}),
		hashes: make(map[string]struct{}),
	}
}

func (x *Index) Load(keys []RecordKey) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, k := range keys {
		if k.RecordID != "" {
			x.ids[k.RecordID] = struct{}{}
		}
		if k.DocHash != "" {
			x.hashes[k.DocHash] = struct{}{}
		}
	}
}

// Record marks a key pair present. Immediately visible to later lookups in
// the same run.
func (x *Index) Record(recordID, docHash string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if recordID != "" {
		x.ids[recordID] = struct{}{}
	}
	if docHash != "" {
		x.hashes[docHash] = struct{}{}
	}
}

func (x *Index) SeenRecord(_ context.Context, recordID string) (bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.ids[recordID]
	return ok, nil
}

func (x *Index) SeenHash(_ context.Context, docHash string) (bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.hashes[docHash]
	return ok, nil
}

// Size returns the number of distinct record ids known to the index.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}
