package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

// Embedder calls the Gemini embedding API. The client is created lazily on
// first use so construction never needs a network round trip, and every API
// call goes through a shared rate limiter.
type Embedder struct {
	apiKey     string
	model      string
	dim        int
	limiter    *rate.Limiter
	clientOpts []option.ClientOption

	mu     sync.Mutex
	client *genai.Client
}

// NewEmbedder builds an embedder for the given model. dim is the expected
// vector length; responses with a different length are rejected. rps caps
// API calls per second, 0 disables the cap.
func NewEmbedder(apiKey, model string, dim int, rps float64, opts ...option.ClientOption) *Embedder {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Embedder{
		apiKey:     apiKey,
		model:      model,
		dim:        dim,
		limiter:    rate.NewLimiter(limit, 1),
		clientOpts: opts,
	}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "embedding content", "model", e.model, "length", len(text))
	em := client.EmbeddingModel(e.model)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding received")
	}
	if err := e.checkDim(res.Embedding.Values); err != nil {
		return nil, err
	}
	return res.Embedding.Values, nil
}

// EmbedBatch embeds all texts in one API request and returns one vector per
// input, in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "embedding batch", "model", e.model, "size", len(texts))
	em := client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, text := range texts {
		batch.AddContent(genai.Text(text))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(res.Embeddings))
	}

	vectors := make([][]float32, 0, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		if err := e.checkDim(emb.Values); err != nil {
			return nil, err
		}
		vectors = append(vectors, emb.Values)
	}
	return vectors, nil
}

func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *Embedder) checkDim(values []float32) error {
	if e.dim > 0 && len(values) != e.dim {
		return fmt.Errorf("embedding has %d dimensions, expected %d", len(values), e.dim)
	}
	return nil
}

func (e *Embedder) getClient(ctx context.Context) (*genai.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	if e.apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}

	opts := append([]option.ClientOption{option.WithAPIKey(e.apiKey)}, e.clientOpts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}
