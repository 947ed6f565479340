package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"go.uber.org/zap"
)

const (
	DefaultRetention = 30 * 24 * time.Hour
	DefaultInterval  = time.Hour
	DefaultTopN      = 10
)

// importanceBuckets are the histogram labels, in ascending order.
var importanceBuckets = []string{"0.0-0.2", "0.2-0.4", "0.4-0.6", "0.6-0.8", "0.8-1.0"}

// Count is a named frequency.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TimelineEntry records one memory creation.
type TimelineEntry struct {
	EventID  string    `json:"event_id"`
	Time     time.Time `json:"time"`
	MemoryID int64     `json:"memory_id"`
	Project  string    `json:"project"`
	Type     string    `json:"type"`
}

// SearchEntry records one search.
type SearchEntry struct {
	EventID string    `json:"event_id"`
	Time    time.Time `json:"time"`
	Query   string    `json:"query"`
	Project string    `json:"project,omitempty"`
	Results int       `json:"results"`
}

// Metrics are the raw counters. Totals and distributions are cumulative;
// timelines are trimmed to the retention window.
type Metrics struct {
	TotalMemories       int             `json:"total_memories"`
	TotalDeleted        int             `json:"total_deleted"`
	TotalSearches       int             `json:"total_searches"`
	SearchHits          int             `json:"search_hits"`
	ImportanceSum       float64         `json:"importance_sum"`
	TagFrequency        map[string]int  `json:"tag_frequency"`
	ProjectDistribution map[string]int  `json:"project_distribution"`
	TypeDistribution    map[string]int  `json:"type_distribution"`
	ImportanceHistogram map[string]int  `json:"importance_histogram"`
	CreationTimeline    []TimelineEntry `json:"creation_timeline"`
	SearchTimeline      []SearchEntry   `json:"search_timeline"`
}

// Insights are derived from Metrics by each analysis pass.
type Insights struct {
	TopTags           []Count `json:"top_tags"`
	TopProjects       []Count `json:"top_projects"`
	TopTypes          []Count `json:"top_types"`
	TopQueries        []Count `json:"top_queries"`
	AverageImportance float64 `json:"average_importance"`
	SearchHitRate     float64 `json:"search_hit_rate"`
	MemoriesInWindow  int     `json:"memories_in_window"`
	SearchesInWindow  int     `json:"searches_in_window"`
}

// Summary is the exported analytics document.
type Summary struct {
	Metrics      Metrics   `json:"metrics"`
	Insights     Insights  `json:"insights"`
	LastAnalysis time.Time `json:"last_analysis"`
}

// Aggregator maintains usage statistics from store events.
type Aggregator struct {
	mu           sync.RWMutex
	metrics      Metrics
	insights     Insights
	lastAnalysis time.Time

	retention time.Duration
	interval  time.Duration
	topN      int
	now       func() time.Time
	logger    *zap.Logger

	// OnAnalyze, when set, receives the summary after every periodic analysis.
	OnAnalyze func(Summary)
}

// NewAggregator creates an aggregator. Non-positive arguments select the defaults.
func NewAggregator(retention, interval time.Duration, topN int, logger *zap.Logger) *Aggregator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		metrics:   newMetrics(),
		retention: retention,
		interval:  interval,
		topN:      topN,
		now:       time.Now,
		logger:    logger,
	}
}

func newMetrics() Metrics {
	return Metrics{
		TagFrequency:        make(map[string]int),
		ProjectDistribution: make(map[string]int),
		TypeDistribution:    make(map[string]int),
		ImportanceHistogram: make(map[string]int),
	}
}

// Observe implements memory.Observer.
func (a *Aggregator) Observe(ev memory.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case memory.EventMemoryCreated:
		if ev.Memory == nil {
			return
		}
		m := ev.Memory
		a.metrics.TotalMemories++
		a.metrics.ImportanceSum += m.Importance
		a.metrics.ProjectDistribution[m.Project]++
		a.metrics.TypeDistribution[string(m.Type)]++
		a.metrics.ImportanceHistogram[bucketFor(m.Importance)]++
		for _, t := range m.Tags {
			a.metrics.TagFrequency[t]++
		}
		a.metrics.CreationTimeline = append(a.metrics.CreationTimeline, TimelineEntry{
			EventID:  ev.ID,
			Time:     ev.Time,
			MemoryID: m.ID,
			Project:  m.Project,
			Type:     string(m.Type),
		})
	case memory.EventMemoryDeleted:
		a.metrics.TotalDeleted++
	case memory.EventSearchPerformed:
		a.metrics.TotalSearches++
		if ev.ResultCount > 0 {
			a.metrics.SearchHits++
		}
		a.metrics.SearchTimeline = append(a.metrics.SearchTimeline, SearchEntry{
			EventID: ev.ID,
			Time:    ev.Time,
			Query:   ev.Query,
			Project: ev.Project,
			Results: ev.ResultCount,
		})
	}
}

func bucketFor(importance float64) string {
	i := int(importance * float64(len(importanceBuckets)))
	if i >= len(importanceBuckets) {
		i = len(importanceBuckets) - 1
	}
	if i < 0 {
		i = 0
	}
	return importanceBuckets[i]
}

// Run trims and analyzes every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.RunOnce()
			if a.OnAnalyze != nil {
				a.OnAnalyze(s)
			}
		}
	}
}

// RunOnce trims expired timeline entries and recomputes insights in one step.
func (a *Aggregator) RunOnce() Summary {
	now := a.now()

	a.mu.Lock()
	trimmed := a.trimLocked(now)
	a.analyzeLocked(now)
	s := a.summaryLocked()
	a.mu.Unlock()

	a.logger.Debug("Usage analysis complete",
		zap.Int("trimmed", trimmed),
		zap.Int("total_memories", s.Metrics.TotalMemories),
		zap.Int("total_searches", s.Metrics.TotalSearches))
	return s
}

func (a *Aggregator) trimLocked(now time.Time) int {
	cutoff := now.Add(-a.retention)
	before := len(a.metrics.CreationTimeline) + len(a.metrics.SearchTimeline)

	creations := a.metrics.CreationTimeline[:0]
	for _, e := range a.metrics.CreationTimeline {
		if e.Time.After(cutoff) {
			creations = append(creations, e)
		}
	}
	a.metrics.CreationTimeline = creations

	searches := a.metrics.SearchTimeline[:0]
	for _, e := range a.metrics.SearchTimeline {
		if e.Time.After(cutoff) {
			searches = append(searches, e)
		}
	}
	a.metrics.SearchTimeline = searches

	return before - len(creations) - len(searches)
}

func (a *Aggregator) analyzeLocked(now time.Time) {
	queries := make(map[string]int)
	for _, e := range a.metrics.SearchTimeline {
		queries[e.Query]++
	}

	ins := Insights{
		TopTags:          topN(a.metrics.TagFrequency, a.topN),
		TopProjects:      topN(a.metrics.ProjectDistribution, a.topN),
		TopTypes:         topN(a.metrics.TypeDistribution, a.topN),
		TopQueries:       topN(queries, a.topN),
		MemoriesInWindow: len(a.metrics.CreationTimeline),
		SearchesInWindow: len(a.metrics.SearchTimeline),
	}
	if a.metrics.TotalMemories > 0 {
		ins.AverageImportance = a.metrics.ImportanceSum / float64(a.metrics.TotalMemories)
	}
	if a.metrics.TotalSearches > 0 {
		ins.SearchHitRate = float64(a.metrics.SearchHits) / float64(a.metrics.TotalSearches)
	}
	a.insights = ins
	a.lastAnalysis = now
}

func topN(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for name, c := range counts {
		out = append(out, Count{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Summary returns a deep copy of the current metrics and insights.
func (a *Aggregator) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.summaryLocked()
}

func (a *Aggregator) summaryLocked() Summary {
	m := a.metrics
	m.TagFrequency = copyCounts(a.metrics.TagFrequency)
	m.ProjectDistribution = copyCounts(a.metrics.ProjectDistribution)
	m.TypeDistribution = copyCounts(a.metrics.TypeDistribution)
	m.ImportanceHistogram = copyCounts(a.metrics.ImportanceHistogram)
	m.CreationTimeline = append([]TimelineEntry(nil), a.metrics.CreationTimeline...)
	m.SearchTimeline = append([]SearchEntry(nil), a.metrics.SearchTimeline...)

	ins := a.insights
	ins.TopTags = append([]Count(nil), a.insights.TopTags...)
	ins.TopProjects = append([]Count(nil), a.insights.TopProjects...)
	ins.TopTypes = append([]Count(nil), a.insights.TopTypes...)
	ins.TopQueries = append([]Count(nil), a.insights.TopQueries...)

	return Summary{Metrics: m, Insights: ins, LastAnalysis: a.lastAnalysis}
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Export serializes the current summary as JSON.
func (a *Aggregator) Export() ([]byte, error) {
	return json.MarshalIndent(a.Summary(), "", "  ")
}

// Import replaces the aggregator state with a previously exported summary.
func (a *Aggregator) Import(data []byte) error {
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode analytics export: %w", err)
	}
	if s.Metrics.TotalMemories < 0 || s.Metrics.TotalSearches < 0 || s.Metrics.TotalDeleted < 0 {
		return fmt.Errorf("analytics export has negative totals")
	}
	if s.Metrics.TagFrequency == nil {
		s.Metrics.TagFrequency = make(map[string]int)
	}
	if s.Metrics.ProjectDistribution == nil {
		s.Metrics.ProjectDistribution = make(map[string]int)
	}
	if s.Metrics.TypeDistribution == nil {
		s.Metrics.TypeDistribution = make(map[string]int)
	}
	if s.Metrics.ImportanceHistogram == nil {
		s.Metrics.ImportanceHistogram = make(map[string]int)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = s.Metrics
	a.insights = s.Insights
	a.lastAnalysis = s.LastAnalysis
	return nil
}
