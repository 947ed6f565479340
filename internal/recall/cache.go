package recall

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

const (
	wordSetPrefix   = "w:"
	embeddingPrefix = "e:"
)

// Cache holds derived per-text data (word sets and embeddings) keyed by the text itself.
// Entries are admitted by ristretto's TinyLFU policy, so a Put is not guaranteed to stick.
type Cache struct {
	store *ristretto.Cache
}

// NewCache creates a cache bounded to roughly maxEntries items.
func NewCache(maxEntries int64) (*Cache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxEntries)
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &Cache{store: store}, nil
}

// WordSet returns a cached word set for text.
func (c *Cache) WordSet(text string) (map[string]struct{}, bool) {
	v, ok := c.store.Get(wordSetPrefix + text)
	if !ok {
		return nil, false
	}
	set, ok := v.(map[string]struct{})
	return set, ok
}

// PutWordSet caches a word set. Callers must not mutate set afterwards.
func (c *Cache) PutWordSet(text string, set map[string]struct{}) {
	c.store.Set(wordSetPrefix+text, set, 1)
}

// Embedding returns a cached embedding for text.
func (c *Cache) Embedding(text string) ([]float32, bool) {
	v, ok := c.store.Get(embeddingPrefix + text)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// PutEmbedding caches an embedding. Callers must not mutate vec afterwards.
func (c *Cache) PutEmbedding(text string, vec []float32) {
	c.store.Set(embeddingPrefix+text, vec, 1)
}

// Wait blocks until buffered writes are applied.
func (c *Cache) Wait() {
	c.store.Wait()
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}
