package adapters

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"

	"github.com/moniteurlabs/moniteur/pkg/faults"
)

// Embedder produces fixed-dimension vectors for text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingClient wraps a langchaingo embedder and enforces the configured
// vector dimension.
type EmbeddingClient struct {
	inner  embeddings.Embedder
	dim    int
	caller *Caller
}

// NewEmbeddingClient wraps inner for the "embedder" target. dim is the
// configured model dimension; vectors of any other length are rejected.
func NewEmbeddingClient(inner embeddings.Embedder, dim int, caller *Caller) *EmbeddingClient {
	return &EmbeddingClient{inner: inner, dim: dim, caller: caller}
}

func (e *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := e.caller.Do(ctx, "EmbedQuery", func(ctx context.Context) error {
		vec, err := e.inner.EmbedQuery(ctx, text)
		if err != nil {
			return faults.Transient("EmbedQuery", "embedder", err)
		}
		if len(vec) != e.dim {
			return faults.Permanent("EmbedQuery", "embedder",
				fmt.Errorf("vector dimension %d, want %d", len(vec), e.dim))
		}
		out = vec
		return nil
	})
	return out, err
}

func (e *EmbeddingClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.caller.Do(ctx, "EmbedDocuments", func(ctx context.Context) error {
		vecs, err := e.inner.EmbedDocuments(ctx, texts)
		if err != nil {
			return faults.Transient("EmbedDocuments", "embedder", err)
		}
		for i, vec := range vecs {
			if len(vec) != e.dim {
				return faults.Permanent("EmbedDocuments", "embedder",
					fmt.Errorf("vector %d has dimension %d, want %d", i, len(vec), e.dim))
			}
		}
		out = vecs
		return nil
	})
	return out, err
}
