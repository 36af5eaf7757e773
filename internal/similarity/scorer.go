package similarity

import (
	"context"
	"fmt"

	"docsum/internal/logging"
)

// Embedder turns text into vectors for deep similarity. The embedding
// package's engines satisfy this; a nil Embedder keeps scoring lexical.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Scorer computes pairwise similarity, lexically or via embeddings.
type Scorer struct {
	weights  Weights
	embedder Embedder
}

// NewScorer builds a scorer. embedder may be nil.
func NewScorer(weights Weights, embedder Embedder) *Scorer {
	return &Scorer{weights: weights, embedder: embedder}
}

// HasEmbedder reports whether deep similarity is available.
func (s *Scorer) HasEmbedder() bool {
	return s.embedder != nil
}

// Score computes the weighted lexical blend. Never errors.
func (s *Scorer) Score(a, b string) float64 {
	return Weighted(a, b, s.weights)
}

// Semantic computes deep similarity via the embedder when configured,
// falling back to the lexical blend when the embedder fails or is absent.
func (s *Scorer) Semantic(ctx context.Context, a, b string) float64 {
	if s.embedder == nil {
		return s.Score(a, b)
	}

	vecs, err := s.embedder.EmbedBatch(ctx, []string{a, b})
	if err != nil || len(vecs) != 2 {
		logging.Get(logging.CategorySimilarity).Warn("embedding failed, using lexical blend: %v", err)
		return s.Score(a, b)
	}
	return CosineVec(vecs[0], vecs[1])
}

// SemanticMatrix embeds all texts once and returns the pairwise similarity
// matrix. Used by deduplication's deep pass where N texts need N(N-1)/2
// comparisons.
func (s *Scorer) SemanticMatrix(ctx context.Context, texts []string) ([][]float64, error) {
	n := len(texts)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}
	if n < 2 {
		return matrix, nil
	}

	if s.embedder == nil {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				score := s.Score(texts[i], texts[j])
				matrix[i][j] = score
				matrix[j][i] = score
			}
		}
		return matrix, nil
	}

	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d texts: %w", n, err)
	}
	if len(vecs) != n {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), n)
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			score := CosineVec(vecs[i], vecs[j])
			matrix[i][j] = score
			matrix[j][i] = score
		}
	}
	return matrix, nil
}
