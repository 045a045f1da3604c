package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding embedded reference chunks.
const ClassName = "ReferenceChunk"

// SchemaClient defines the Weaviate schema operations we depend on.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// EnsureSchema creates the ReferenceChunk class if missing and backfills any
// properties added since the collection was first created. Safe to call on
// every startup.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := []*models.Property{
		{Name: "recordId", DataType: []string{"string"}},     // provider item key (exact match)
		{Name: "chunkIndex", DataType: []string{"int"}},
		{Name: "content", DataType: []string{"text"}},
		{Name: "contentHash", DataType: []string{"string"}},
		{Name: "docHash", DataType: []string{"string"}},
		{Name: "tokenCount", DataType: []string{"int"}},
		{Name: "overlap", DataType: []string{"int"}},
		{Name: "title", DataType: []string{"text"}},
		{Name: "creators", DataType: []string{"text"}},
		{Name: "date", DataType: []string{"string"}},
		{Name: "venue", DataType: []string{"text"}},
		{Name: "doi", DataType: []string{"string"}},
		{Name: "url", DataType: []string{"string"}},
		{Name: "itemType", DataType: []string{"string"}},
		{Name: "abstract", DataType: []string{"text"}},
		{Name: "embeddingModel", DataType: []string{"string"}},
	}

	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: "One embedded chunk of a bibliographic record's full text",
			Vectorizer:  "none", // vectors are produced by the pipeline, not the store
			Properties:  properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existing := make(map[string]bool)
	for _, p := range class.Properties {
		existing[p.Name] = true
	}

	for _, p := range properties {
		if !existing[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
