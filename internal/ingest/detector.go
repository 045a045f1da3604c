package ingest

import (
	"context"
	"log/slog"
)

// Deduper answers membership lookups for the change detector. The in-run
// Index satisfies it; a store-backed implementation may fail, which is why
// lookups return errors.
type Deduper interface {
	SeenRecord(ctx context.Context, recordID string) (bool, error)
	SeenHash(ctx context.Context, docHash string) (bool, error)
}

// Detector partitions provider records into to-process and skipped sets.
// It never mutates the store.
type Detector struct {
	dedup    Deduper
	strategy Strategy
}

func NewDetector(dedup Deduper, strategy Strategy) *Detector {
	return &Detector{dedup: dedup, strategy: strategy}
}

// Partition classifies each record under the configured strategy. A lookup
// failure is retried once, then the record falls open into to-process:
// re-indexing is cheaper than silently dropping content. Records repeated
// within the batch are skipped after their first occurrence.
func (d *Detector) Partition(ctx context.Context, records []SourceRecord) (toProcess, skipped []SourceRecord) {
	seenInBatch := make(map[string]struct{}, len(records))

	for _, rec := range records {
		if _, dup := seenInBatch[rec.Key]; dup {
			skipped = append(skipped, rec)
			continue
		}
		seenInBatch[rec.Key] = struct{}{}

		seen, err := d.lookup(ctx, rec)
		if err != nil {
			seen, err = d.lookup(ctx, rec)
		}
		if err != nil {
			slog.WarnContext(ctx, "dedup lookup failed twice, re-processing record", "record_id", rec.Key, "error", err)
			toProcess = append(toProcess, rec)
			continue
		}

		if seen {
			skipped = append(skipped, rec)
		} else {
			toProcess = append(toProcess, rec)
		}
	}

	return toProcess, skipped
}

func (d *Detector) lookup(ctx context.Context, rec SourceRecord) (bool, error) {
	switch d.strategy {
	case StrategyContentHash:
		return d.dedup.SeenHash(ctx, rec.DocHash())
	case StrategyBoth:
		byID, err := d.dedup.SeenRecord(ctx, rec.Key)
		if err != nil {
			return false, err
		}
		if !byID {
			return false, nil
		}
		return d.dedup.SeenHash(ctx, rec.DocHash())
	default: // StrategyRecordID
		return d.dedup.SeenRecord(ctx, rec.Key)
	}
}
