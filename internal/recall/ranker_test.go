package recall

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"react", "bug", "fix"}, Tokenize("React: bug-fix!"))
	assert.Equal(t, []string{"l", "ultima", "volta"}, Tokenize("L'ultima volta"))
	assert.Empty(t, Tokenize("  ...  "))
}

func TestJaccardRanker(t *testing.T) {
	ctx := context.Background()
	r := NewJaccardRanker(nil)

	tests := []struct {
		name    string
		query   string
		content string
		want    float64
	}{
		{"identical", "react performance", "React performance", 1},
		{"disjoint", "react performance", "database migration", 0},
		{"partial", "react performance", "react performance tuning", 2.0 / 3.0},
		{"one shared word", "react performance", "react bug fix", 0.25},
		{"empty query", "", "anything", 0},
		{"empty content", "query", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, r.Score(ctx, tt.query, tt.content), 1e-9)
		})
	}
}

func TestJaccardSubsetScoresPositive(t *testing.T) {
	r := NewJaccardRanker(nil)
	content := "the deploy pipeline failed because of a missing env var"
	for _, q := range []string{"deploy", "missing env", "pipeline failed"} {
		assert.Greater(t, r.Score(context.Background(), q, content), 0.0, q)
	}
}

func TestJaccardRankerWithCacheIsDeterministic(t *testing.T) {
	cache, err := NewCache(100)
	require.NoError(t, err)
	defer cache.Close()

	r := NewJaccardRanker(cache)
	first := r.Score(context.Background(), "react performance", "react performance tuning")
	cache.Wait()
	second := r.Score(context.Background(), "react performance", "react performance tuning")
	assert.Equal(t, first, second)
}

func TestNewCacheRejectsNonPositiveSize(t *testing.T) {
	_, err := NewCache(0)
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestEmbeddingRanker(t *testing.T) {
	vectors := map[string][]float32{
		"cats":     {1, 0, 0},
		"kittens":  {0.9, 0.1, 0},
		"invoices": {0, 0, 1},
		"negative": {-1, 0, 0},
	}
	calls := 0
	embed := func(_ context.Context, text string) ([]float32, error) {
		calls++
		v, ok := vectors[text]
		if !ok {
			return nil, errors.New("unknown text")
		}
		return v, nil
	}

	r := NewEmbeddingRanker(embed, nil, 0, nil, nil)
	ctx := context.Background()

	assert.Greater(t, r.Score(ctx, "cats", "kittens"), 0.9)
	assert.InDelta(t, 0.0, r.Score(ctx, "cats", "invoices"), 1e-6)
	assert.Equal(t, 0.0, r.Score(ctx, "cats", "negative"), "negative cosine is clamped")
	assert.Greater(t, calls, 0)
}

func TestEmbeddingRankerFallsBackOnError(t *testing.T) {
	embed := func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}
	r := NewEmbeddingRanker(embed, nil, 0, nil, nil)

	got := r.Score(context.Background(), "react performance", "react performance tuning")
	assert.InDelta(t, 2.0/3.0, got, 1e-9)
}

func TestEmbeddingRankerUsesCache(t *testing.T) {
	cache, err := NewCache(100)
	require.NoError(t, err)
	defer cache.Close()

	calls := 0
	embed := func(_ context.Context, text string) ([]float32, error) {
		calls++
		return []float32{1, float32(len(text))}, nil
	}
	r := NewEmbeddingRanker(embed, cache, 0, nil, nil)

	r.Score(context.Background(), "a", "bb")
	cache.Wait()
	before := calls
	r.Score(context.Background(), "a", "bb")
	assert.LessOrEqual(t, calls, before+2)
	assert.Equal(t, 2, before)
}

func TestEmbeddingRankerScoreAllFallsBackForWholeBatch(t *testing.T) {
	embed := func(_ context.Context, text string) ([]float32, error) {
		if text == "unreachable" {
			return nil, errors.New("timeout")
		}
		return []float32{1, 0}, nil
	}
	r := NewEmbeddingRanker(embed, nil, 0, nil, nil)
	ctx := context.Background()

	healthy := r.ScoreAll(ctx, "alpha beta", []string{"alpha gamma", "delta"})
	assert.Equal(t, []float64{1, 1}, healthy, "cosine of identical vectors")

	mixed := r.ScoreAll(ctx, "alpha beta", []string{"alpha gamma", "unreachable", "delta"})
	require.Len(t, mixed, 3)
	assert.InDelta(t, 1.0/3.0, mixed[0], 1e-9, "word overlap, not cosine")
	assert.Equal(t, 0.0, mixed[1])
	assert.Equal(t, 0.0, mixed[2])
}

func TestEmbeddingRankerScoreAllQueryFailure(t *testing.T) {
	embed := func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}
	r := NewEmbeddingRanker(embed, nil, 0, nil, nil)

	got := r.ScoreAll(context.Background(), "react performance", []string{"react performance tuning"})
	assert.InDelta(t, 2.0/3.0, got[0], 1e-9)
}
