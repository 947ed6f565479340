package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/PiGrieco/mcp-memory-server/internal/recall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return memory.NewStore(recall.NewJaccardRanker(nil), zap.NewNop(), memory.Options{Now: now})
}

func importance(v float64) *float64 { return &v }

func TestSaveAssignsIncreasingIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		m, err := store.Save(ctx, memory.SaveRequest{Content: "note"})
		require.NoError(t, err)
		assert.Greater(t, m.ID, last)
		last = m.ID
	}
}

func TestSaveIDsUniqueUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 50
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := store.Save(ctx, memory.SaveRequest{Content: "concurrent"})
			if err == nil {
				ids <- m.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, store.Count())
}

func TestSaveDefaultsAndClamping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.Save(ctx, memory.SaveRequest{Content: "  hello  ", Tags: []string{"Go", "go", " ", "api"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, memory.DefaultProject, m.Project)
	assert.Equal(t, memory.Conversation, m.Type)
	assert.Equal(t, 0.5, m.Importance)
	assert.Equal(t, []string{"go", "api"}, m.Tags)

	high, err := store.Save(ctx, memory.SaveRequest{Content: "x", Importance: importance(1.7)})
	require.NoError(t, err)
	assert.Equal(t, 1.0, high.Importance)

	low, err := store.Save(ctx, memory.SaveRequest{Content: "y", Importance: importance(-0.3)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, low.Importance)

	custom, err := store.Save(ctx, memory.SaveRequest{Content: "z", Type: "meeting_notes"})
	require.NoError(t, err)
	assert.Equal(t, memory.Type("meeting_notes"), custom.Type)
}

func TestSaveRejectsEmptyContent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Save(context.Background(), memory.SaveRequest{Content: "   "})
	require.Error(t, err)
	assert.True(t, memory.IsValidation(err))
	assert.Equal(t, 0, store.Count())
}

func TestSaveCancelledLeavesStoreUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Save(ctx, memory.SaveRequest{Content: "never stored"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Count())

	m, err := store.Save(context.Background(), memory.SaveRequest{Content: "stored"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)
}

func TestSearchEndToEnd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, memory.SaveRequest{Content: "react bug fix", Project: "p1", Tags: []string{"react", "bug"}})
	require.NoError(t, err)
	db, err := store.Save(ctx, memory.SaveRequest{Content: "database migration", Project: "p1", Tags: []string{"database"}})
	require.NoError(t, err)
	perf, err := store.Save(ctx, memory.SaveRequest{Content: "react performance tuning", Project: "p1", Tags: []string{"react", "performance"}})
	require.NoError(t, err)

	results, err := store.Search(ctx, memory.SearchRequest{Query: "react performance", Project: "p1", MaxResults: 2})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 2)
	assert.Equal(t, perf.ID, results[0].Memory.ID)
	for _, r := range results {
		assert.NotEqual(t, db.ID, r.Memory.ID)
		assert.GreaterOrEqual(t, r.Similarity, 0.3)
	}
}

func TestSearchFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	save := func(req memory.SaveRequest) *memory.Memory {
		m, err := store.Save(ctx, req)
		require.NoError(t, err)
		return m
	}
	a := save(memory.SaveRequest{Content: "deploy pipeline notes", Project: "ops", Type: memory.Knowledge, Importance: importance(0.9), Tags: []string{"ci"}, UserID: "alice"})
	b := save(memory.SaveRequest{Content: "deploy pipeline notes", Project: "ops", Type: memory.Decision, Importance: importance(0.2), Tags: []string{"cd"}, UserID: "bob"})
	c := save(memory.SaveRequest{Content: "deploy pipeline notes", Project: "ops", Type: memory.Knowledge, Importance: importance(0.6)})
	zero := 0.0

	tests := []struct {
		name string
		req  memory.SearchRequest
		want []int64
	}{
		{"project", memory.SearchRequest{Project: "other"}, nil},
		{"types", memory.SearchRequest{Types: []memory.Type{memory.Decision}}, []int64{b.ID}},
		{"min importance", memory.SearchRequest{MinImportance: 0.5}, []int64{c.ID, a.ID}},
		{"tags", memory.SearchRequest{Tags: []string{"CI"}}, []int64{a.ID}},
		{"owner scoping keeps unowned", memory.SearchRequest{UserID: "alice"}, []int64{c.ID, a.ID}},
		{"explicit zero threshold", memory.SearchRequest{Threshold: &zero}, []int64{c.ID, b.ID, a.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Query = "deploy pipeline"
			results, err := store.Search(ctx, tt.req)
			require.NoError(t, err)
			var got []int64
			for _, r := range results {
				got = append(got, r.Memory.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchTieBreakNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Save(ctx, memory.SaveRequest{Content: "golang channels"})
	require.NoError(t, err)
	second, err := store.Save(ctx, memory.SaveRequest{Content: "golang channels"})
	require.NoError(t, err)

	results, err := store.Search(ctx, memory.SearchRequest{Query: "golang channels"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, second.ID, results[0].Memory.ID)
	assert.Equal(t, first.ID, results[1].Memory.ID)

	again, err := store.Search(ctx, memory.SearchRequest{Query: "golang channels"})
	require.NoError(t, err)
	assert.Equal(t, results, again)
}

func TestSearchValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bad := 1.5

	_, err := store.Search(ctx, memory.SearchRequest{Query: " "})
	assert.True(t, memory.IsValidation(err))

	_, err = store.Search(ctx, memory.SearchRequest{Query: "x", MaxResults: -1})
	assert.True(t, memory.IsValidation(err))

	_, err = store.Search(ctx, memory.SearchRequest{Query: "x", Threshold: &bad})
	assert.True(t, memory.IsValidation(err))

	results, err := store.Search(ctx, memory.SearchRequest{Query: "nothing stored"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteOwnership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.Save(ctx, memory.SaveRequest{Content: "bob's secret", UserID: "bob"})
	require.NoError(t, err)

	assert.False(t, store.Delete(ctx, m.ID, "alice"))
	_, ok := store.Get(m.ID)
	assert.True(t, ok)

	assert.False(t, store.Delete(ctx, 999, "bob"))
	assert.True(t, store.Delete(ctx, m.ID, "bob"))
	assert.False(t, store.Delete(ctx, m.ID, "bob"))

	next, err := store.Save(ctx, memory.SaveRequest{Content: "after delete"})
	require.NoError(t, err)
	assert.Greater(t, next.ID, m.ID, "ids are never reused")
}

func TestGetContext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		_, err := store.Save(ctx, memory.SaveRequest{Content: c, Project: "p1", Tags: []string{"shared"}})
		require.NoError(t, err)
	}
	_, err := store.Save(ctx, memory.SaveRequest{Content: "elsewhere", Project: "p2"})
	require.NoError(t, err)

	pc, err := store.GetContext(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, pc.TotalMemories)
	require.Len(t, pc.RecentMemories, 2)
	assert.Equal(t, "three", pc.RecentMemories[0].Content)
	assert.Equal(t, "two", pc.RecentMemories[1].Content)
	assert.Contains(t, pc.Summary, "3 memories")
	assert.Contains(t, pc.Summary, "shared (3)")

	empty, err := store.GetContext(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalMemories)
	assert.Empty(t, empty.RecentMemories)
}

func TestUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.Save(ctx, memory.SaveRequest{Content: "tune gc", Metadata: map[string]any{"source": "chat"}})
	require.NoError(t, err)

	ok, err := store.UpdateImportance(ctx, m.ID, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.UpdateMetadata(ctx, m.ID, map[string]any{"source": nil, "reviewed": true})
	require.NoError(t, err)
	assert.True(t, ok)

	got, ok := store.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Importance)
	assert.Equal(t, map[string]any{"reviewed": true}, got.Metadata)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))

	ok, err = store.UpdateImportance(ctx, 404, 0.5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReturnedMemoriesAreCopies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.Save(ctx, memory.SaveRequest{Content: "immutable", Tags: []string{"a"}})
	require.NoError(t, err)
	m.Tags[0] = "mutated"

	got, _ := store.Get(m.ID)
	assert.Equal(t, []string{"a"}, got.Tags)
}

func TestObserversReceiveEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var events []memory.Event
	store.AddObserver(memory.ObserverFunc(func(e memory.Event) {
		events = append(events, e)
	}))

	m, err := store.Save(ctx, memory.SaveRequest{Content: "observed", Project: "p1"})
	require.NoError(t, err)
	_, err = store.Search(ctx, memory.SearchRequest{Query: "observed", Project: "p1"})
	require.NoError(t, err)
	store.Delete(ctx, m.ID, "")

	require.Len(t, events, 3)
	assert.Equal(t, memory.EventMemoryCreated, events[0].Type)
	assert.Equal(t, m.ID, events[0].Memory.ID)
	assert.Equal(t, memory.EventSearchPerformed, events[1].Type)
	assert.Equal(t, 1, events[1].ResultCount)
	assert.Equal(t, memory.EventMemoryDeleted, events[2].Type)
	assert.NotEmpty(t, events[0].ID)
}

type batchRanker struct {
	recall.Ranker
	batches int
}

func (b *batchRanker) ScoreAll(ctx context.Context, query string, contents []string) []float64 {
	b.batches++
	scores := make([]float64, len(contents))
	for i, c := range contents {
		scores[i] = b.Score(ctx, query, c)
	}
	return scores
}

func TestSearchScoresBatchOnce(t *testing.T) {
	ranker := &batchRanker{Ranker: recall.NewJaccardRanker(nil)}
	store := memory.NewStore(ranker, zap.NewNop(), memory.Options{})
	ctx := context.Background()

	for _, c := range []string{"redis cache eviction", "redis cluster", "postgres vacuum"} {
		_, err := store.Save(ctx, memory.SaveRequest{Content: c})
		require.NoError(t, err)
	}

	results, err := store.Search(ctx, memory.SearchRequest{Query: "redis cache"})
	require.NoError(t, err)
	assert.Equal(t, 1, ranker.batches)
	require.NotEmpty(t, results)
	assert.Equal(t, "redis cache eviction", results[0].Memory.Content)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.Search(cancelled, memory.SearchRequest{Query: "redis"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ranker.batches)
}
