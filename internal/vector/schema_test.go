package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

type MockSchemaClient struct{ mock.Mock }

func (m *MockSchemaClient) ClassExists(ctx context.Context, className string) (bool, error) {
	args := m.Called(ctx, className)
	return args.Bool(0), args.Error(1)
}

func (m *MockSchemaClient) CreateClass(ctx context.Context, class *models.Class) error {
	args := m.Called(ctx, class)
	return args.Error(0)
}

func (m *MockSchemaClient) GetClass(ctx context.Context, className string) (*models.Class, error) {
	args := m.Called(ctx, className)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Class), args.Error(1)
}

func (m *MockSchemaClient) AddProperty(ctx context.Context, className string, property *models.Property) error {
	args := m.Called(ctx, className, property)
	return args.Error(0)
}

func TestEnsureSchema_CreatesClassWhenMissing(t *testing.T) {
	client := new(MockSchemaClient)
	client.On("ClassExists", mock.Anything, ClassName).Return(false, nil)
	client.On("CreateClass", mock.Anything, mock.MatchedBy(func(c *models.Class) bool {
		return c.Class == ClassName && c.Vectorizer == "none" && len(c.Properties) == 16
	})).Return(nil)

	err := EnsureSchema(context.Background(), client)
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestEnsureSchema_NoOpWhenComplete(t *testing.T) {
	full := &models.Class{Class: ClassName}
	for _, name := range []string{
		"recordId", "chunkIndex", "content", "contentHash", "docHash",
		"tokenCount", "overlap", "title", "creators", "date", "venue",
		"doi", "url", "itemType", "abstract", "embeddingModel",
	} {
		full.Properties = append(full.Properties, &models.Property{Name: name})
	}

	client := new(MockSchemaClient)
	client.On("ClassExists", mock.Anything, ClassName).Return(true, nil)
	client.On("GetClass", mock.Anything, ClassName).Return(full, nil)

	err := EnsureSchema(context.Background(), client)
	require.NoError(t, err)
	client.AssertNotCalled(t, "AddProperty", mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "CreateClass", mock.Anything, mock.Anything)
}

func TestEnsureSchema_BackfillsMissingProperties(t *testing.T) {
	partial := &models.Class{
		Class: ClassName,
		Properties: []*models.Property{
			{Name: "recordId"}, {Name: "chunkIndex"}, {Name: "content"},
		},
	}

	client := new(MockSchemaClient)
	client.On("ClassExists", mock.Anything, ClassName).Return(true, nil)
	client.On("GetClass", mock.Anything, ClassName).Return(partial, nil)
	client.On("AddProperty", mock.Anything, ClassName, mock.Anything).Return(nil)

	err := EnsureSchema(context.Background(), client)
	require.NoError(t, err)

	// 16 total properties, 3 already present.
	client.AssertNumberOfCalls(t, "AddProperty", 13)
}

func TestEnsureSchema_PropagatesExistenceError(t *testing.T) {
	client := new(MockSchemaClient)
	client.On("ClassExists", mock.Anything, ClassName).Return(false, assert.AnError)

	err := EnsureSchema(context.Background(), client)
	assert.ErrorIs(t, err, assert.AnError)
}
