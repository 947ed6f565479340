package recall

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// EmbeddingRanker scores by cosine similarity of text embeddings.
// Any embedding failure falls back to the word-overlap ranker for that call,
// or for the whole batch under ScoreAll.
type EmbeddingRanker struct {
	embed    chromem.EmbeddingFunc
	cache    *Cache
	timeout  time.Duration
	fallback Ranker
	logger   *zap.Logger
	warnOnce sync.Once
}

// NewEmbeddingRanker creates a ranker around embed. cache and fallback may be nil;
// a nil fallback means Jaccard.
func NewEmbeddingRanker(embed chromem.EmbeddingFunc, cache *Cache, timeout time.Duration, fallback Ranker, logger *zap.Logger) *EmbeddingRanker {
	if fallback == nil {
		fallback = NewJaccardRanker(cache)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingRanker{
		embed:    embed,
		cache:    cache,
		timeout:  timeout,
		fallback: fallback,
		logger:   logger,
	}
}

// NewOllamaRanker creates an embedding ranker backed by an Ollama embeddings endpoint.
func NewOllamaRanker(model, baseURL string, cache *Cache, timeout time.Duration, logger *zap.Logger) *EmbeddingRanker {
	return NewEmbeddingRanker(chromem.NewEmbeddingFuncOllama(model, baseURL), cache, timeout, nil, logger)
}

// Score implements Ranker.
func (r *EmbeddingRanker) Score(ctx context.Context, query, content string) float64 {
	q, err := r.boundedVector(ctx, query)
	if err == nil {
		var c []float32
		if c, err = r.boundedVector(ctx, content); err == nil {
			return clampUnit(CosineSimilarity(q, c))
		}
	}
	r.warn(err)
	return r.fallback.Score(ctx, query, content)
}

// ScoreAll implements BatchRanker. If any embedding fails the whole batch is
// scored by the fallback, so one search never mixes cosine and word overlap.
func (r *EmbeddingRanker) ScoreAll(ctx context.Context, query string, contents []string) []float64 {
	scores := make([]float64, len(contents))

	q, err := r.boundedVector(ctx, query)
	if err == nil {
		for i, content := range contents {
			var c []float32
			if c, err = r.boundedVector(ctx, content); err != nil {
				break
			}
			scores[i] = clampUnit(CosineSimilarity(q, c))
		}
		if err == nil {
			return scores
		}
	}

	r.warn(err)
	for i, content := range contents {
		scores[i] = r.fallback.Score(ctx, query, content)
	}
	return scores
}

func (r *EmbeddingRanker) warn(err error) {
	r.warnOnce.Do(func() {
		r.logger.Warn("Embedding ranker unavailable, falling back to word overlap", zap.Error(err))
	})
}

func (r *EmbeddingRanker) boundedVector(ctx context.Context, text string) ([]float32, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.vector(ctx, text)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (r *EmbeddingRanker) vector(ctx context.Context, text string) ([]float32, error) {
	if r.cache != nil {
		if vec, ok := r.cache.Embedding(text); ok {
			return vec, nil
		}
	}
	vec, err := r.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.PutEmbedding(text, vec)
	}
	return vec, nil
}

// CosineSimilarity calculates cosine similarity between two vectors.
// Vectors of different length or zero norm score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
