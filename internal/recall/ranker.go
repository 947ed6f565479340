package recall

import (
	"context"
	"strings"
	"unicode"
)

// Ranker scores how similar a stored memory's content is to a query.
// Scores are in [0,1] and must be deterministic for identical inputs.
type Ranker interface {
	Score(ctx context.Context, query, content string) float64
}

// BatchRanker is a Ranker that scores all candidates of one search together,
// so every score in the result comes from the same method.
type BatchRanker interface {
	Ranker
	ScoreAll(ctx context.Context, query string, contents []string) []float64
}

// RankerFunc adapts a plain function to the Ranker interface.
type RankerFunc func(ctx context.Context, query, content string) float64

// Score implements Ranker.
func (f RankerFunc) Score(ctx context.Context, query, content string) float64 {
	return f(ctx, query, content)
}

// Tokenize lowercases text and splits it into words of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// WordSet returns the set of distinct words in text.
func WordSet(text string) map[string]struct{} {
	words := Tokenize(text)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// JaccardRanker scores by word-set overlap: |query ∩ content| / |query ∪ content|.
type JaccardRanker struct {
	cache *Cache
}

// NewJaccardRanker returns a Jaccard ranker. cache may be nil.
func NewJaccardRanker(cache *Cache) *JaccardRanker {
	return &JaccardRanker{cache: cache}
}

// Score implements Ranker.
func (r *JaccardRanker) Score(_ context.Context, query, content string) float64 {
	return Jaccard(r.words(query), r.words(content))
}

func (r *JaccardRanker) words(text string) map[string]struct{} {
	if r == nil || r.cache == nil {
		return WordSet(text)
	}
	if set, ok := r.cache.WordSet(text); ok {
		return set
	}
	set := WordSet(text)
	r.cache.PutWordSet(text, set)
	return set
}

// Jaccard computes the Jaccard index of two word sets. Empty sets score 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	intersection := 0
	for w := range small {
		if _, ok := large[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
