package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/recall"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultImportance   = 0.5
	defaultMaxResults   = 20
	defaultThreshold    = 0.3
	defaultContextLimit = 10
	summaryTopTags      = 5
	// cancellation is polled every cancelCheckEvery candidates while scoring
	cancelCheckEvery = 64
)

var tracer = otel.Tracer("github.com/PiGrieco/mcp-memory-server/internal/memory")

// Options tunes store defaults. Zero values select the built-in defaults.
type Options struct {
	DefaultProject string
	MaxResults     int
	Threshold      float64
	ContextLimit   int
	Now            func() time.Time
}

// Store is the in-process memory store. It is safe for concurrent use:
// one writer or many readers at a time, and ids are assigned under the writer lock.
type Store struct {
	mu        sync.RWMutex
	byID      map[int64]*Memory
	order     []int64
	nextID    int64
	observers []Observer

	ranker recall.Ranker
	logger *zap.Logger
	opts   Options
}

// NewStore creates an empty store that ranks search candidates with ranker.
func NewStore(ranker recall.Ranker, logger *zap.Logger, opts Options) *Store {
	if ranker == nil {
		ranker = recall.NewJaccardRanker(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultProject == "" {
		opts.DefaultProject = DefaultProject
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = defaultContextLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		byID:   make(map[int64]*Memory),
		nextID: 1,
		ranker: ranker,
		logger: logger,
		opts:   opts,
	}
}

// AddObserver registers o to receive store events.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Save validates req, assigns the next id and stores the memory.
// Either the whole memory is stored or, on error or cancellation, nothing is.
func (s *Store) Save(ctx context.Context, req SaveRequest) (*Memory, error) {
	ctx, span := tracer.Start(ctx, "memory.Save")
	defer span.End()

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, invalid("content", "must not be empty")
	}
	importance := defaultImportance
	if req.Importance != nil {
		if math.IsNaN(*req.Importance) {
			return nil, invalid("importance", "must be a number")
		}
		importance = ClampImportance(*req.Importance)
	}
	project := strings.TrimSpace(req.Project)
	if project == "" {
		project = s.opts.DefaultProject
	}
	memType := Type(strings.TrimSpace(string(req.Type)))
	if memType == "" {
		memType = Conversation
	}

	m := &Memory{
		Content:    content,
		Project:    project,
		Type:       memType,
		Importance: importance,
		Tags:       normalizeTags(req.Tags),
		Metadata:   copyMetadata(req.Metadata),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
	}

	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	m.ID = s.nextID
	s.nextID++
	m.CreatedAt = s.opts.Now()
	m.UpdatedAt = m.CreatedAt
	s.byID[m.ID] = m
	s.order = append(s.order, m.ID)
	saved := m.clone()
	observers := s.observers
	s.mu.Unlock()

	span.SetAttributes(attribute.Int64("memory.id", saved.ID), attribute.String("memory.project", saved.Project))
	s.logger.Debug("Memory saved",
		zap.Int64("id", saved.ID),
		zap.String("project", saved.Project),
		zap.String("type", string(saved.Type)))

	ev := newEvent(EventMemoryCreated, saved.CreatedAt)
	ev.Memory = saved.clone()
	ev.Project = saved.Project
	ev.UserID = saved.UserID
	notify(observers, ev)

	return saved, nil
}

// Search filters, ranks and truncates memories for req.Query.
// Results are ordered by similarity, then newest first, then highest id.
func (s *Store) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "memory.Search", trace.WithAttributes(attribute.String("memory.project", req.Project)))
	defer span.End()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, invalid("query", "must not be empty")
	}
	if req.MaxResults < 0 {
		return nil, invalid("max_results", "must not be negative")
	}
	limit := req.MaxResults
	if limit == 0 {
		limit = s.opts.MaxResults
	}
	threshold := s.opts.Threshold
	if req.Threshold != nil {
		t := *req.Threshold
		if math.IsNaN(t) || t < 0 || t > 1 {
			return nil, invalid("similarity_threshold", "must be between 0 and 1")
		}
		threshold = t
	}

	candidates, observers := s.snapshot(func(m *Memory) bool { return matches(m, req) })

	scores, err := s.score(ctx, query, candidates)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(candidates))
	for i, m := range candidates {
		if scores[i] < threshold {
			continue
		}
		results = append(results, SearchResult{Memory: m, Similarity: scores[i]})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID > b.Memory.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	span.SetAttributes(attribute.Int("memory.candidates", len(candidates)), attribute.Int("memory.results", len(results)))

	ev := newEvent(EventSearchPerformed, s.opts.Now())
	ev.Query = query
	ev.Project = req.Project
	ev.ResultCount = len(results)
	ev.UserID = req.UserID
	notify(observers, ev)

	return results, nil
}

func (s *Store) score(ctx context.Context, query string, candidates []*Memory) ([]float64, error) {
	if br, ok := s.ranker.(recall.BatchRanker); ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		contents := make([]string, len(candidates))
		for i, m := range candidates {
			contents[i] = m.Content
		}
		scores := br.ScoreAll(ctx, query, contents)
		return scores, ctx.Err()
	}

	scores := make([]float64, len(candidates))
	for i, m := range candidates {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		scores[i] = s.ranker.Score(ctx, query, m.Content)
	}
	return scores, nil
}

// GetContext returns the project's memory count, its newest memories and a short summary.
func (s *Store) GetContext(ctx context.Context, project string, limit int) (*ProjectContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	if limit == 0 {
		limit = s.opts.ContextLimit
	}
	project = strings.TrimSpace(project)
	if project == "" {
		project = s.opts.DefaultProject
	}

	all, _ := s.snapshot(func(m *Memory) bool { return m.Project == project })

	recent := make([]*Memory, len(all))
	copy(recent, all)
	sort.SliceStable(recent, func(i, j int) bool {
		if !recent[i].CreatedAt.Equal(recent[j].CreatedAt) {
			return recent[i].CreatedAt.After(recent[j].CreatedAt)
		}
		return recent[i].ID > recent[j].ID
	})
	if len(recent) > limit {
		recent = recent[:limit]
	}

	return &ProjectContext{
		Project:        project,
		TotalMemories:  len(all),
		RecentMemories: recent,
		Summary:        summarize(project, all),
	}, nil
}

// Delete removes the memory with id when userID owns it. A memory without an
// owner can be deleted by anyone. It reports false when the id is unknown or
// the caller is not the owner.
func (s *Store) Delete(ctx context.Context, id int64, userID string) bool {
	_, span := tracer.Start(ctx, "memory.Delete", trace.WithAttributes(attribute.Int64("memory.id", id)))
	defer span.End()

	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok || (m.UserID != "" && m.UserID != userID) {
		s.mu.Unlock()
		return false
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	observers := s.observers
	s.mu.Unlock()

	ev := newEvent(EventMemoryDeleted, s.opts.Now())
	ev.Memory = m
	ev.Project = m.Project
	ev.UserID = userID
	notify(observers, ev)
	return true
}

// Get returns a copy of the memory with id.
func (s *Store) Get(id int64) (*Memory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Count returns the number of stored memories.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// UpdateImportance sets a memory's importance, clamped to [0,1].
func (s *Store) UpdateImportance(ctx context.Context, id int64, importance float64) (bool, error) {
	if math.IsNaN(importance) {
		return false, invalid("importance", "must be a number")
	}
	return s.update(ctx, id, func(m *Memory) {
		m.Importance = ClampImportance(importance)
	})
}

// UpdateMetadata merges metadata into a memory's metadata. A nil value removes the key.
func (s *Store) UpdateMetadata(ctx context.Context, id int64, metadata map[string]any) (bool, error) {
	return s.update(ctx, id, func(m *Memory) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			if v == nil {
				delete(m.Metadata, k)
				continue
			}
			m.Metadata[k] = v
		}
	})
}

func (s *Store) update(ctx context.Context, id int64, apply func(*Memory)) (bool, error) {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	m, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	apply(m)
	m.UpdatedAt = s.opts.Now()
	updated := m.clone()
	observers := s.observers
	s.mu.Unlock()

	ev := newEvent(EventMemoryUpdated, updated.UpdatedAt)
	ev.Memory = updated
	ev.Project = updated.Project
	notify(observers, ev)
	return true, nil
}

// snapshot copies the memories accepted by keep, in creation order, under the read lock.
func (s *Store) snapshot(keep func(*Memory) bool) ([]*Memory, []Observer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Memory, 0, len(s.order))
	for _, id := range s.order {
		m := s.byID[id]
		if keep(m) {
			out = append(out, m.clone())
		}
	}
	return out, s.observers
}

func matches(m *Memory, req SearchRequest) bool {
	if req.Project != "" && m.Project != req.Project {
		return false
	}
	if len(req.Types) > 0 {
		found := false
		for _, t := range req.Types {
			if m.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.Importance < req.MinImportance {
		return false
	}
	if len(req.Tags) > 0 {
		found := false
		for _, t := range req.Tags {
			if m.HasTag(strings.ToLower(strings.TrimSpace(t))) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if req.UserID != "" && m.UserID != "" && m.UserID != req.UserID {
		return false
	}
	if req.SessionID != "" && m.SessionID != "" && m.SessionID != req.SessionID {
		return false
	}
	return true
}

func notify(observers []Observer, ev Event) {
	for _, o := range observers {
		o.Observe(ev)
	}
}

// normalizeTags lowercases, trims and deduplicates tags, keeping first-seen order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func summarize(project string, memories []*Memory) string {
	if len(memories) == 0 {
		return fmt.Sprintf("Project %s has no memories yet.", project)
	}

	types := make(map[Type]int)
	tags := make(map[string]int)
	for _, m := range memories {
		types[m.Type]++
		for _, t := range m.Tags {
			tags[t]++
		}
	}

	typeNames := make([]string, 0, len(types))
	for t := range types {
		typeNames = append(typeNames, string(t))
	}
	sort.Strings(typeNames)
	typeParts := make([]string, 0, len(typeNames))
	for _, t := range typeNames {
		typeParts = append(typeParts, fmt.Sprintf("%s=%d", t, types[Type(t)]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project %s has %d memories. Types: %s.", project, len(memories), strings.Join(typeParts, ", "))

	if len(tags) > 0 {
		tagNames := make([]string, 0, len(tags))
		for t := range tags {
			tagNames = append(tagNames, t)
		}
		sort.Slice(tagNames, func(i, j int) bool {
			if tags[tagNames[i]] != tags[tagNames[j]] {
				return tags[tagNames[i]] > tags[tagNames[j]]
			}
			return tagNames[i] < tagNames[j]
		})
		if len(tagNames) > summaryTopTags {
			tagNames = tagNames[:summaryTopTags]
		}
		tagParts := make([]string, 0, len(tagNames))
		for _, t := range tagNames {
			tagParts = append(tagParts, fmt.Sprintf("%s (%d)", t, tags[t]))
		}
		fmt.Fprintf(&b, " Top tags: %s.", strings.Join(tagParts, ", "))
	}
	return b.String()
}
