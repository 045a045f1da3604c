package weaviate

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"refsearch/internal/ingest"
	"refsearch/internal/retrieval"
	"refsearch/internal/vector"
)

// pageSize is the cursor page for full-collection scans.
const pageSize = 500

// recordChunkLimit bounds how many chunks one record may return. Far above
// anything the chunker produces for a single document.
const recordChunkLimit = 1000

// Store reads and writes ReferenceChunk objects. It serves both sides of the
// system: batched upserts and key listing for ingestion, similarity queries
// and scans for retrieval.
type Store struct {
	client *weaviate.Client
	model  string
	dim    int
}

func NewStore(client *weaviate.Client, model string, dim int) *Store {
	return &Store{client: client, model: model, dim: dim}
}

// UpsertBatch writes one batch of embedded chunks. Object IDs are the
// deterministic chunk UUIDs, so re-ingesting a record overwrites its previous
// chunks in place.
func (s *Store) UpsertBatch(ctx context.Context, recs []ingest.EmbeddedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	objects := make([]*models.Object, 0, len(recs))
	for _, rec := range recs {
		p := rec.Payload
		objects = append(objects, &models.Object{
			Class: vector.ClassName,
			ID:    strfmt.UUID(rec.VectorID),
			Properties: map[string]interface{}{
				"recordId":       p.RecordID,
				"chunkIndex":     p.ChunkIndex,
				"content":        p.Content,
				"contentHash":    p.ContentHash,
				"docHash":        p.DocHash,
				"tokenCount":     p.TokenCount,
				"overlap":        p.Overlap,
				"title":          p.Title,
				"creators":       p.Creators,
				"date":           p.Date,
				"venue":          p.Venue,
				"doi":            p.DOI,
				"url":            p.URL,
				"itemType":       p.ItemType,
				"abstract":       p.Abstract,
				"embeddingModel": p.EmbeddingModel,
			},
			Vector: rec.Vector,
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch object %s: %s", obj.ID, obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// DeleteStaleChunks removes a record's chunks at or beyond fromIndex. Called
// after a re-ingested record's upsert succeeds, so a shorter document does not
// leave its previous version's trailing chunks behind.
func (s *Store) DeleteStaleChunks(ctx context.Context, recordID string, fromIndex int) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"recordId"}).
					WithOperator(filters.Equal).
					WithValueString(recordID),
				filters.Where().
					WithPath([]string{"chunkIndex"}).
					WithOperator(filters.GreaterThanEqual).
					WithValueInt(int64(fromIndex)),
			})).
		Do(ctx)
	return err
}

// ListRecordKeys pages through the whole collection with the cursor API and
// returns one key per distinct stored record.
func (s *Store) ListRecordKeys(ctx context.Context) ([]ingest.RecordKey, error) {
	fields := []graphql.Field{
		{Name: "recordId"},
		{Name: "docHash"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	seen := make(map[string]string)
	cursor := ""
	for {
		query := s.client.GraphQL().Get().
			WithClassName(vector.ClassName).
			WithLimit(pageSize).
			WithFields(fields...)
		if cursor != "" {
			query = query.WithAfter(cursor)
		}
		res, err := query.Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(res.Errors) > 0 {
			return nil, graphqlError(res.Errors)
		}

		rows := getObjects(res.Data)
		if len(rows) == 0 {
			break
		}
		for _, props := range rows {
			// Advance the cursor on every row, including malformed ones,
			// so a page of skipped rows cannot stall the scan.
			if additional, ok := props["_additional"].(map[string]interface{}); ok {
				if id, ok := additional["id"].(string); ok {
					cursor = id
				}
			}
			recordID, _ := props["recordId"].(string)
			if recordID == "" {
				continue
			}
			docHash, _ := props["docHash"].(string)
			seen[recordID] = docHash
		}
		if len(rows) < pageSize {
			break
		}
	}

	keys := make([]ingest.RecordKey, 0, len(seen))
	for id, hash := range seen {
		keys = append(keys, ingest.RecordKey{RecordID: id, DocHash: hash})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].RecordID < keys[j].RecordID })
	return keys, nil
}

// Query runs a nearVector search and returns chunk hits ordered by score
// descending, chunk UUID ascending on ties.
func (s *Store) Query(ctx context.Context, vec []float32, topK int, filter *retrieval.Filter) ([]retrieval.ScoredChunk, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := append(metadataFields(),
		graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "certainty"}}})

	query := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithLimit(topK).
		WithFields(fields...)
	if where := buildWhere(filter); where != nil {
		query = query.WithWhere(where)
	}

	res, err := query.Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, graphqlError(res.Errors)
	}

	var hits []retrieval.ScoredChunk
	for _, props := range getObjects(res.Data) {
		chunk := parseChunk(props)
		hits = append(hits, retrieval.ScoredChunk{Chunk: chunk, Score: parseCertainty(props)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.VectorID < hits[j].Chunk.VectorID
	})
	return hits, nil
}

// GetRecordChunks returns one record's chunks in document order, vectors
// included.
func (s *Store) GetRecordChunks(ctx context.Context, recordID string) ([]retrieval.StoredChunk, error) {
	where := filters.Where().
		WithPath([]string{"recordId"}).
		WithOperator(filters.Equal).
		WithValueString(recordID)

	fields := append(metadataFields(),
		graphql.Field{Name: "abstract"},
		graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "vector"}}})

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"chunkIndex"}, Order: graphql.Asc}).
		WithLimit(recordChunkLimit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, graphqlError(res.Errors)
	}

	var chunks []retrieval.StoredChunk
	for _, props := range getObjects(res.Data) {
		chunks = append(chunks, parseChunk(props))
	}
	return chunks, nil
}

// ScanMetadata pages chunk metadata (no vectors) up to limit rows.
func (s *Store) ScanMetadata(ctx context.Context, limit int) ([]retrieval.StoredChunk, error) {
	fields := append(metadataFields(),
		graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}})

	var rows []retrieval.StoredChunk
	cursor := ""
	for len(rows) < limit {
		page := pageSize
		if remaining := limit - len(rows); remaining < page {
			page = remaining
		}
		query := s.client.GraphQL().Get().
			WithClassName(vector.ClassName).
			WithLimit(page).
			WithFields(fields...)
		if cursor != "" {
			query = query.WithAfter(cursor)
		}
		res, err := query.Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(res.Errors) > 0 {
			return nil, graphqlError(res.Errors)
		}

		objects := getObjects(res.Data)
		if len(objects) == 0 {
			break
		}
		for _, props := range objects {
			chunk := parseChunk(props)
			rows = append(rows, chunk)
			cursor = chunk.VectorID
		}
		if len(objects) < page {
			break
		}
	}
	return rows, nil
}

// Stats aggregates chunk and distinct record counts.
func (s *Store) Stats(ctx context.Context) (*retrieval.CollectionStats, error) {
	chunks, err := s.countChunks(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := s.ListRecordKeys(ctx)
	if err != nil {
		return nil, err
	}

	return &retrieval.CollectionStats{
		Items:          len(keys),
		Chunks:         chunks,
		EmbeddingModel: s.model,
		Dimensionality: s.dim,
	}, nil
}

func (s *Store) countChunks(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, graphqlError(res.Errors)
	}

	if data, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if groups, ok := data[vector.ClassName].([]interface{}); ok && len(groups) > 0 {
			if group, ok := groups[0].(map[string]interface{}); ok {
				if meta, ok := group["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

func metadataFields() []graphql.Field {
	return []graphql.Field{
		{Name: "recordId"},
		{Name: "chunkIndex"},
		{Name: "content"},
		{Name: "contentHash"},
		{Name: "title"},
		{Name: "creators"},
		{Name: "date"},
		{Name: "venue"},
		{Name: "doi"},
		{Name: "url"},
		{Name: "itemType"},
	}
}

func buildWhere(filter *retrieval.Filter) *filters.WhereBuilder {
	if filter.Empty() {
		return nil
	}
	var operands []*filters.WhereBuilder
	if filter.ItemType != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"itemType"}).
			WithOperator(filters.Equal).
			WithValueString(filter.ItemType))
	}
	if filter.Creator != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"creators"}).
			WithOperator(filters.Like).
			WithValueString("*"+filter.Creator+"*"))
	}
	if filter.DateFrom != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"date"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueString(filter.DateFrom))
	}
	if filter.DateTo != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"date"}).
			WithOperator(filters.LessThanEqual).
			WithValueString(filter.DateTo))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

func getObjects(data map[string]models.JSONObject) []map[string]interface{} {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[vector.ClassName].([]interface{})
	if !ok {
		return nil
	}
	objects := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if props, ok := r.(map[string]interface{}); ok {
			objects = append(objects, props)
		}
	}
	return objects
}

func parseChunk(props map[string]interface{}) retrieval.StoredChunk {
	chunk := retrieval.StoredChunk{}
	if v, ok := props["recordId"].(string); ok {
		chunk.RecordID = v
	}
	if v, ok := props["chunkIndex"].(float64); ok {
		chunk.ChunkIndex = int(v)
	}
	if v, ok := props["content"].(string); ok {
		chunk.Content = v
	}
	if v, ok := props["contentHash"].(string); ok {
		chunk.ContentHash = v
	}
	if v, ok := props["title"].(string); ok {
		chunk.Title = v
	}
	if v, ok := props["creators"].(string); ok {
		chunk.Creators = v
	}
	if v, ok := props["date"].(string); ok {
		chunk.Date = v
	}
	if v, ok := props["venue"].(string); ok {
		chunk.Venue = v
	}
	if v, ok := props["doi"].(string); ok {
		chunk.DOI = v
	}
	if v, ok := props["url"].(string); ok {
		chunk.URL = v
	}
	if v, ok := props["itemType"].(string); ok {
		chunk.ItemType = v
	}
	if v, ok := props["abstract"].(string); ok {
		chunk.Abstract = v
	}
	if v, ok := props["embeddingModel"].(string); ok {
		chunk.EmbeddingModel = v
	}
	if additional, ok := props["_additional"].(map[string]interface{}); ok {
		if id, ok := additional["id"].(string); ok {
			chunk.VectorID = id
		}
		if raw, ok := additional["vector"].([]interface{}); ok {
			chunk.Vector = make([]float32, 0, len(raw))
			for _, f := range raw {
				if val, ok := f.(float64); ok {
					chunk.Vector = append(chunk.Vector, float32(val))
				}
			}
		}
	}
	return chunk
}

func parseCertainty(props map[string]interface{}) float32 {
	additional, ok := props["_additional"].(map[string]interface{})
	if !ok {
		return 0
	}
	switch v := additional["certainty"].(type) {
	case float64:
		return float32(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return float32(f)
	}
	return 0
}

func graphqlError(errs []*models.GraphQLError) error {
	if len(errs) > 0 && errs[0] != nil {
		return fmt.Errorf("graphql error: %s", errs[0].Message)
	}
	return fmt.Errorf("graphql error")
}
