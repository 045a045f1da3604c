package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"refsearch/internal/retry"
)

const (
	defaultResults = 10
	maxResults     = 50
	// overFetchFactor widens the raw chunk query so that grouping chunks of
	// the same record back together still leaves enough distinct records.
	overFetchFactor = 4
	// similarOverFetch pads neighbour queries so the source record's own
	// chunks can be dropped without starving the result list.
	similarOverFetch = 5
	// authorScanLimit caps how many chunk rows the author scan reads. The
	// scan is linear over stored metadata, which is fine at library scale.
	authorScanLimit = 5000
	excerptLimit    = 500
)

// Service answers semantic queries over the ingested reference collection.
type Service struct {
	store    VectorStore
	embedder Embedder
	policy   retry.Policy
	logger   *QueryLogger
}

func NewService(store VectorStore, embedder Embedder, policy retry.Policy, logger *QueryLogger) *Service {
	return &Service{store: store, embedder: embedder, policy: policy, logger: logger}
}

// Search embeds the query and returns the top distinct records by best chunk
// similarity.
func (s *Service) Search(ctx context.Context, query string, nResults int, filter *Filter) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &ValidationError{Msg: "query must not be empty"}
	}
	n := clampResults(nResults)

	start := time.Now()
	vector, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var scored []ScoredChunk
	err = s.policy.Do(ctx, func() error {
		var qerr error
		scored, qerr = s.store.Query(ctx, vector, n*overFetchFactor, filter)
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("querying store: %w", err)
	}

	results := groupByRecord(scored, n)
	s.log("search", query, len(results), time.Since(start))
	return results, nil
}

// GetItem returns one record's metadata and chunk texts in document order.
func (s *Service) GetItem(ctx context.Context, key string) (*ItemDetail, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, &ValidationError{Msg: "item key must not be empty"}
	}

	chunks, err := s.recordChunks(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, &NotFoundError{Key: key}
	}

	first := chunks[0]
	detail := &ItemDetail{
		RecordID: first.RecordID,
		Citation: citation(first),
		Title:    first.Title,
		Creators: first.Creators,
		Date:     first.Date,
		Venue:    first.Venue,
		DOI:      first.DOI,
		URL:      first.URL,
		ItemType: first.ItemType,
		Abstract: first.Abstract,
		Chunks:   make([]string, 0, len(chunks)),
	}
	for _, c := range chunks {
		detail.Chunks = append(detail.Chunks, c.Content)
	}
	return detail, nil
}

// GetSimilarItems finds records whose content is nearest to the given
// record's first chunk. The source record itself is excluded.
func (s *Service) GetSimilarItems(ctx context.Context, key string, nResults int) ([]SearchResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, &ValidationError{Msg: "item key must not be empty"}
	}
	n := clampResults(nResults)

	start := time.Now()
	chunks, err := s.recordChunks(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, &NotFoundError{Key: key}
	}
	ref := chunks[0]
	if len(ref.Vector) == 0 {
		return nil, fmt.Errorf("record %s has no stored vector", key)
	}

	var scored []ScoredChunk
	err = s.policy.Do(ctx, func() error {
		var qerr error
		scored, qerr = s.store.Query(ctx, ref.Vector, (n+similarOverFetch)*overFetchFactor, nil)
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("querying store: %w", err)
	}

	filtered := scored[:0:0]
	for _, sc := range scored {
		if sc.Chunk.RecordID == ref.RecordID {
			continue
		}
		filtered = append(filtered, sc)
	}
	results := groupByRecord(filtered, n)
	s.log("similar", key, len(results), time.Since(start))
	return results, nil
}

// SearchByAuthor scans stored chunk metadata for a case-insensitive substring
// match on the creators field and returns distinct matching records.
func (s *Service) SearchByAuthor(ctx context.Context, name string, nResults int) ([]SearchResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Msg: "author name must not be empty"}
	}
	n := clampResults(nResults)
	needle := strings.ToLower(name)

	start := time.Now()
	var rows []StoredChunk
	err := s.policy.Do(ctx, func() error {
		var serr error
		rows, serr = s.store.ScanMetadata(ctx, authorScanLimit)
		return serr
	})
	if err != nil {
		return nil, fmt.Errorf("scanning store: %w", err)
	}

	seen := make(map[string]bool)
	var results []SearchResult
	for _, row := range rows {
		if !strings.Contains(strings.ToLower(row.Creators), needle) {
			continue
		}
		if seen[row.RecordID] {
			continue
		}
		seen[row.RecordID] = true
		results = append(results, toResult(ScoredChunk{Chunk: row}))
		if len(results) == n {
			break
		}
	}
	s.log("author", name, len(results), time.Since(start))
	return results, nil
}

// CollectionInfo reports collection-level counts with a one-line summary.
func (s *Service) CollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	var stats *CollectionStats
	err := s.policy.Do(ctx, func() error {
		var serr error
		stats, serr = s.store.Stats(ctx)
		return serr
	})
	if err != nil {
		return nil, fmt.Errorf("reading store stats: %w", err)
	}
	return &CollectionInfo{
		CollectionStats: *stats,
		Summary: fmt.Sprintf("%d items in %d chunks, embedded with %s (%d dimensions)",
			stats.Items, stats.Chunks, stats.EmbeddingModel, stats.Dimensionality),
	}, nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := s.policy.Do(ctx, func() error {
		var eerr error
		vector, eerr = s.embedder.Embed(ctx, text)
		return eerr
	})
	return vector, err
}

func (s *Service) recordChunks(ctx context.Context, key string) ([]StoredChunk, error) {
	var chunks []StoredChunk
	err := s.policy.Do(ctx, func() error {
		var gerr error
		chunks, gerr = s.store.GetRecordChunks(ctx, key)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("loading chunks for %s: %w", key, err)
	}
	return chunks, nil
}

func (s *Service) log(op, query string, results int, took time.Duration) {
	if s.logger == nil {
		return
	}
	s.logger.Log(QueryLogEntry{
		Operation:  op,
		Query:      query,
		NumResults: results,
		Duration:   took,
	})
}

func clampResults(n int) int {
	if n <= 0 {
		return defaultResults
	}
	if n > maxResults {
		return maxResults
	}
	return n
}

// groupByRecord collapses chunk hits to one result per record, keeping each
// record's best-scoring chunk. Records are ordered by that best score, with
// vector ID as the deterministic tie-break.
func groupByRecord(scored []ScoredChunk, limit int) []SearchResult {
	best := make(map[string]ScoredChunk)
	for _, sc := range scored {
		cur, ok := best[sc.Chunk.RecordID]
		if !ok || sc.Score > cur.Score || (sc.Score == cur.Score && sc.Chunk.VectorID < cur.Chunk.VectorID) {
			best[sc.Chunk.RecordID] = sc
		}
	}

	ordered := make([]ScoredChunk, 0, len(best))
	for _, sc := range best {
		ordered = append(ordered, sc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		return ordered[i].Chunk.VectorID < ordered[j].Chunk.VectorID
	})

	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	results := make([]SearchResult, 0, len(ordered))
	for _, sc := range ordered {
		results = append(results, toResult(sc))
	}
	return results
}

func toResult(sc ScoredChunk) SearchResult {
	return SearchResult{
		RecordID:   sc.Chunk.RecordID,
		Citation:   citation(sc.Chunk),
		Title:      sc.Chunk.Title,
		Creators:   sc.Chunk.Creators,
		Date:       sc.Chunk.Date,
		Venue:      sc.Chunk.Venue,
		DOI:        sc.Chunk.DOI,
		URL:        sc.Chunk.URL,
		ItemType:   sc.Chunk.ItemType,
		Excerpt:    excerpt(sc.Chunk.Content),
		Score:      sc.Score,
		ChunkIndex: sc.Chunk.ChunkIndex,
	}
}

// citation renders "Creators (Year). Title. Venue" from whatever metadata the
// chunk carries, dropping empty parts.
func citation(c StoredChunk) string {
	var b strings.Builder
	if c.Creators != "" {
		b.WriteString(c.Creators)
		b.WriteString(" ")
	}
	b.WriteString("(")
	b.WriteString(year(c.Date))
	b.WriteString(")")
	if c.Title != "" {
		b.WriteString(". ")
		b.WriteString(strings.TrimSuffix(c.Title, "."))
	}
	if c.Venue != "" {
		b.WriteString(". ")
		b.WriteString(c.Venue)
	}
	return b.String()
}

func year(date string) string {
	for i := 0; i+4 <= len(date); i++ {
		if isYear(date[i : i+4]) {
			return date[i : i+4]
		}
	}
	return "n.d."
}

func isYear(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s[0] == '1' || s[0] == '2'
}

func excerpt(content string) string {
	if len(content) <= excerptLimit {
		return content
	}
	cut := excerptLimit
	for cut > 0 && content[cut] != ' ' {
		cut--
	}
	if cut == 0 {
		cut = excerptLimit
	}
	return content[:cut] + "…"
}
