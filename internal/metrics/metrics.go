package metrics

import (
	"net/http"
	"sync"

	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the memory server
type Metrics struct {
	// Decision metrics
	Decisions           *prometheus.CounterVec
	ClassifierFallbacks *prometheus.CounterVec
	RuleReloads         *prometheus.CounterVec

	// Store metrics
	MemoriesSaved   *prometheus.CounterVec
	MemoriesDeleted prometheus.Counter
	MemoriesUpdated prometheus.Counter
	Searches        *prometheus.CounterVec
	SearchResults   prometheus.Histogram

	// Transport metrics
	EventsPublished *prometheus.CounterVec
	ToolCalls       *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			Decisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memsrv_decisions_total",
					Help: "Trigger decisions by resulting action",
				},
				[]string{"action"},
			),
			ClassifierFallbacks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memsrv_classifier_fallbacks_total",
					Help: "Decisions made without the adaptive scorer",
				},
				[]string{"reason"},
			),
			RuleReloads: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memsrv_rule_reloads_total",
					Help: "Trigger rule file reload attempts",
				},
				[]string{"result"},
			),
			MemoriesSaved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memsrv_memories_saved_total",
					Help: "Memories saved",
				},
				[]string{"project", "type"},
			),
			MemoriesDeleted: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "memsrv_memories_deleted_total",
					Help: "Memories deleted",
				},
			),
			MemoriesUpdated: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "memsrv_memories_updated_total",
					Help: "Memory importance or metadata updates",
				},
			),
			Searches: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memsrv_searches_total",
					Help: "Searches performed",
				},
				[]string{"project"},
			),
			SearchResults: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memsrv_search_results",
					Help:    "Number of results returned per search",
					Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memsrv_events_published_total",
					Help: "Store events forwarded to the message bus",
				},
				[]string{"type", "result"},
			),
			ToolCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memsrv_tool_calls_total",
					Help: "MCP tool calls by tool and outcome",
				},
				[]string{"tool", "result"},
			),
		}
	})
	return sharedMetrics
}

// Observe implements memory.Observer.
func (m *Metrics) Observe(ev memory.Event) {
	switch ev.Type {
	case memory.EventMemoryCreated:
		project, memType := ev.Project, ""
		if ev.Memory != nil {
			memType = string(ev.Memory.Type)
		}
		m.MemoriesSaved.WithLabelValues(project, memType).Inc()
	case memory.EventMemoryDeleted:
		m.MemoriesDeleted.Inc()
	case memory.EventMemoryUpdated:
		m.MemoriesUpdated.Inc()
	case memory.EventSearchPerformed:
		project := ev.Project
		if project == "" {
			project = "*"
		}
		m.Searches.WithLabelValues(project).Inc()
		m.SearchResults.Observe(float64(ev.ResultCount))
	}
}

// RecordReload counts a rule reload attempt.
func (m *Metrics) RecordReload(err error) {
	if err != nil {
		m.RuleReloads.WithLabelValues("error").Inc()
		return
	}
	m.RuleReloads.WithLabelValues("ok").Inc()
}

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
