package app

import (
	"context"
	"sync"

	"github.com/PiGrieco/mcp-memory-server/internal/adaptive"
	"github.com/PiGrieco/mcp-memory-server/internal/analytics"
	"github.com/PiGrieco/mcp-memory-server/internal/config"
	"github.com/PiGrieco/mcp-memory-server/internal/engine"
	"github.com/PiGrieco/mcp-memory-server/internal/events"
	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/PiGrieco/mcp-memory-server/internal/metrics"
	"github.com/PiGrieco/mcp-memory-server/internal/recall"
	"github.com/PiGrieco/mcp-memory-server/internal/storage"
	"github.com/PiGrieco/mcp-memory-server/internal/telemetry"
	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"go.uber.org/zap"
)

// CoreModule holds the core application components
type CoreModule struct {
	Config    *config.Config
	Logger    *zap.Logger
	Snapshots *storage.DB
}

// RecallModule holds the similarity ranker and its cache
type RecallModule struct {
	Cache  *recall.Cache
	Ranker recall.Ranker
}

// TriggerModule holds the decision components. Scorer and Classifier are nil
// when the adaptive mode does not use them.
type TriggerModule struct {
	Analyzer   *trigger.Analyzer
	Watcher    *trigger.Watcher
	Scorer     *adaptive.Scorer
	Classifier *adaptive.LazyClassifier
}

// ObserversModule holds the store event consumers
type ObserversModule struct {
	Metrics   *metrics.Metrics
	Analytics *analytics.Aggregator
	Events    *events.Publisher
}

// App holds the core components of the application with better separation of concerns.
type App struct {
	Core      CoreModule
	Recall    RecallModule
	Trigger   TriggerModule
	Observers ObserversModule
	Store     *memory.Store
	Engine    *engine.Engine
	Ctx       context.Context
	Cancel    context.CancelFunc

	shutdownTelemetry telemetry.ShutdownFunc
	wg                sync.WaitGroup
	startOnce         sync.Once
	closeOnce         sync.Once
}
