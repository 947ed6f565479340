package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetricsIsShared(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestObserve(t *testing.T) {
	m := NewMetrics()
	saved := m.MemoriesSaved.WithLabelValues("p1", "decision")
	searches := m.Searches.WithLabelValues("*")

	beforeSaved := testutil.ToFloat64(saved)
	beforeSearches := testutil.ToFloat64(searches)
	beforeDeleted := testutil.ToFloat64(m.MemoriesDeleted)

	m.Observe(memory.Event{Type: memory.EventMemoryCreated, Project: "p1", Memory: &memory.Memory{Type: memory.Decision}})
	m.Observe(memory.Event{Type: memory.EventSearchPerformed, ResultCount: 3})
	m.Observe(memory.Event{Type: memory.EventMemoryDeleted})

	assert.Equal(t, beforeSaved+1, testutil.ToFloat64(saved))
	assert.Equal(t, beforeSearches+1, testutil.ToFloat64(searches))
	assert.Equal(t, beforeDeleted+1, testutil.ToFloat64(m.MemoriesDeleted))
}

func TestRecordReload(t *testing.T) {
	m := NewMetrics()
	ok := testutil.ToFloat64(m.RuleReloads.WithLabelValues("ok"))
	failed := testutil.ToFloat64(m.RuleReloads.WithLabelValues("error"))

	m.RecordReload(nil)
	m.RecordReload(errors.New("bad yaml"))

	assert.Equal(t, ok+1, testutil.ToFloat64(m.RuleReloads.WithLabelValues("ok")))
	assert.Equal(t, failed+1, testutil.ToFloat64(m.RuleReloads.WithLabelValues("error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	NewMetrics().Decisions.WithLabelValues("save").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "memsrv_decisions_total"))
}
