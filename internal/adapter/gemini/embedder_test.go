package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/option"

	"refsearch/internal/adapter/gemini"
)

func newFakeGemini(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestEmbedder_Embed(t *testing.T) {
	ts := newFakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": map[string]interface{}{
				"values": []float32{0.1, 0.2, 0.3},
			},
		})
	})

	embedder := gemini.NewEmbedder("test-key", "gemini-embedding-001", 3, 0,
		option.WithEndpoint(ts.URL))
	defer embedder.Close()

	vec, err := embedder.Embed(context.Background(), "hello world")
	assert.NoError(t, err)
	if assert.Len(t, vec, 3) {
		assert.Equal(t, float32(0.1), vec[0])
	}
}

func TestEmbedder_Embed_DimensionMismatch(t *testing.T) {
	ts := newFakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": map[string]interface{}{
				"values": []float32{0.1, 0.2},
			},
		})
	})

	embedder := gemini.NewEmbedder("test-key", "gemini-embedding-001", 3, 0,
		option.WithEndpoint(ts.URL))
	defer embedder.Close()

	_, err := embedder.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "expected 3")
}

func TestEmbedder_Embed_MissingAPIKey(t *testing.T) {
	embedder := gemini.NewEmbedder("", "gemini-embedding-001", 3, 0)

	vec, err := embedder.Embed(context.Background(), "hello")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gemini api key not configured")
	assert.Nil(t, vec)
}

func TestEmbedder_EmbedBatch(t *testing.T) {
	ts := newFakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": []map[string]interface{}{
				{"values": []float32{0.1, 0.2, 0.3}},
				{"values": []float32{0.4, 0.5, 0.6}},
			},
		})
	})

	embedder := gemini.NewEmbedder("test-key", "gemini-embedding-001", 3, 0,
		option.WithEndpoint(ts.URL))
	defer embedder.Close()

	vecs, err := embedder.EmbedBatch(context.Background(), []string{"one", "two"})
	assert.NoError(t, err)
	if assert.Len(t, vecs, 2) {
		assert.Equal(t, float32(0.4), vecs[1][0])
	}
}

func TestEmbedder_EmbedBatch_CountMismatch(t *testing.T) {
	ts := newFakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": []map[string]interface{}{
				{"values": []float32{0.1, 0.2, 0.3}},
			},
		})
	})

	embedder := gemini.NewEmbedder("test-key", "gemini-embedding-001", 3, 0,
		option.WithEndpoint(ts.URL))
	defer embedder.Close()

	_, err := embedder.EmbedBatch(context.Background(), []string{"one", "two"})
	assert.ErrorContains(t, err, "expected 2 embeddings")
}

func TestEmbedder_EmbedBatch_Empty(t *testing.T) {
	embedder := gemini.NewEmbedder("test-key", "gemini-embedding-001", 3, 0)

	vecs, err := embedder.EmbedBatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vecs)
}
