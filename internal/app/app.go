package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/adaptive"
	"github.com/PiGrieco/mcp-memory-server/internal/analytics"
	"github.com/PiGrieco/mcp-memory-server/internal/config"
	"github.com/PiGrieco/mcp-memory-server/internal/engine"
	"github.com/PiGrieco/mcp-memory-server/internal/events"
	"github.com/PiGrieco/mcp-memory-server/internal/logging"
	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/PiGrieco/mcp-memory-server/internal/metrics"
	"github.com/PiGrieco/mcp-memory-server/internal/recall"
	"github.com/PiGrieco/mcp-memory-server/internal/storage"
	"github.com/PiGrieco/mcp-memory-server/internal/telemetry"
	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"github.com/PiGrieco/mcp-memory-server/internal/version"
	"go.uber.org/zap"
)

const (
	snapshotKeep    = 20
	snapshotTimeout = 5 * time.Second
)

// Options controls how NewApp builds the application.
type Options struct {
	// IncludeStderr mirrors logs to stderr. The stdio server keeps it off so
	// stdout and stderr stay clean for the host.
	IncludeStderr bool
}

// NewApp loads the configuration, initializes the logger and wires the application.
func NewApp(opts Options) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logFile := cfg.LogFile
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, logFile)
	}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(logFile), err)
		}
	}

	logger, err := logging.NewLoggerWithStderr(cfg.LogLevel, logFile, opts.IncludeStderr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(context.Background(), cfg, logger)
}

// New wires the application from an explicit configuration.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	ctx, cancel := context.WithCancel(ctx)
	a := &App{
		Core:   CoreModule{Config: cfg, Logger: logger},
		Ctx:    ctx,
		Cancel: cancel,
	}

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg, logger := a.Core.Config, a.Core.Logger

	shutdown, err := telemetry.Init(a.Ctx, cfg.ServiceName, version.Version, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.shutdownTelemetry = shutdown

	a.Observers.Metrics = metrics.NewMetrics()

	if err := a.buildRecall(); err != nil {
		return err
	}

	a.Store = memory.NewStore(a.Recall.Ranker, logger.Named("store"), memory.Options{
		DefaultProject: cfg.DefaultProject,
		MaxResults:     cfg.MaxResults,
		Threshold:      cfg.SimilarityThreshold,
		ContextLimit:   cfg.ContextLimit,
	})
	a.Store.AddObserver(a.Observers.Metrics)

	a.Observers.Analytics = analytics.NewAggregator(cfg.RetentionWindow, cfg.AnalysisInterval, cfg.TopN, logger.Named("analytics"))
	a.Store.AddObserver(a.Observers.Analytics)

	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, cfg.NATSSubject, a.Observers.Metrics, logger.Named("events"))
		if err != nil {
			return err
		}
		a.Observers.Events = pub
		a.Store.AddObserver(pub)
	}

	if err := a.buildTrigger(); err != nil {
		return err
	}

	if cfg.SnapshotEnabled {
		db, err := storage.Open(cfg.SnapshotPath)
		if err != nil {
			return fmt.Errorf("failed to open snapshot database: %w", err)
		}
		a.Core.Snapshots = db
		a.restoreSnapshots()
		a.Observers.Analytics.OnAnalyze = func(analytics.Summary) { a.persistSnapshots() }
	}

	var predictor adaptive.Predictor
	switch {
	case a.Trigger.Classifier != nil:
		predictor = a.Trigger.Classifier
	case a.Trigger.Scorer != nil:
		predictor = a.Trigger.Scorer
	}
	a.Engine = engine.New(a.Trigger.Analyzer, predictor, a.Store, a.Observers.Metrics, logger.Named("engine"), engine.Options{
		AutoSave:           cfg.AutoSave,
		AutoSearch:         cfg.AutoSearch,
		AutoSaveImportance: cfg.AutoSaveImportance,
		MaxResults:         cfg.MaxResults,
	})

	logger.Info("Application initialized",
		zap.String("data_dir", cfg.DataDir),
		zap.String("ranker", cfg.Ranker),
		zap.String("adaptive_mode", cfg.AdaptiveMode),
		zap.Int("rules", a.Trigger.Analyzer.Rules().Len()),
		zap.Bool("snapshots", a.Core.Snapshots != nil),
		zap.Bool("events", a.Observers.Events != nil))
	return nil
}

func (a *App) buildRecall() error {
	cfg := a.Core.Config
	cache, err := recall.NewCache(cfg.CacheEntries)
	if err != nil {
		return fmt.Errorf("failed to create recall cache: %w", err)
	}
	a.Recall.Cache = cache

	switch cfg.Ranker {
	case config.RankerEmbedding:
		a.Recall.Ranker = recall.NewOllamaRanker(cfg.EmbeddingModel, cfg.EmbeddingBaseURL, cache, cfg.EmbeddingTimeout, a.Core.Logger.Named("recall"))
	default:
		a.Recall.Ranker = recall.NewJaccardRanker(cache)
	}
	return nil
}

func (a *App) buildTrigger() error {
	cfg, logger := a.Core.Config, a.Core.Logger

	rules := trigger.DefaultRuleSet()
	if cfg.RulesFile != "" {
		loaded, err := trigger.LoadRules(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("failed to load trigger rules: %w", err)
		}
		rules = loaded
	}
	a.Trigger.Analyzer = trigger.NewAnalyzer(rules, cfg.TriggerConfidence, cfg.BaselineConfidence, logger.Named("trigger"))

	if cfg.RulesFile != "" && cfg.WatchRules {
		w := trigger.NewWatcher(cfg.RulesFile, a.Trigger.Analyzer, logger.Named("rules"))
		w.OnReload = a.Observers.Metrics.RecordReload
		a.Trigger.Watcher = w
	}

	switch cfg.AdaptiveMode {
	case config.AdaptiveFeatures:
		a.Trigger.Scorer = adaptive.NewScorer(cfg.SaveThreshold, cfg.SearchThreshold, logger.Named("adaptive"))
	case config.AdaptiveClassifier:
		a.Trigger.Classifier = adaptive.NewLazyClassifier(adaptive.ONNXLoader(adaptive.ONNXConfig{
			ModelPath:   cfg.ClassifierModelPath,
			LibraryPath: cfg.ClassifierLibrary,
		}), cfg.ClassifierTimeout, logger.Named("classifier"))
	}
	return nil
}

// Start launches the background workers: periodic analytics and the rule
// file watcher. It is safe to call more than once.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Observers.Analytics.Run(a.Ctx)
		}()

		if a.Trigger.Watcher != nil {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if err := a.Trigger.Watcher.Run(a.Ctx); err != nil {
					a.Core.Logger.Error("Rule watcher stopped", zap.Error(err))
				}
			}()
		}
	})
}

// restoreSnapshots loads the latest analytics export and feature weights.
func (a *App) restoreSnapshots() {
	ctx, cancel := context.WithTimeout(a.Ctx, snapshotTimeout)
	defer cancel()
	logger := a.Core.Logger

	payload, at, err := a.Core.Snapshots.LatestAnalytics(ctx)
	switch {
	case errors.Is(err, storage.ErrNoSnapshot):
	case err != nil:
		logger.Warn("Failed to load analytics snapshot", zap.Error(err))
	default:
		if err := a.Observers.Analytics.Import(payload); err != nil {
			logger.Warn("Ignoring unreadable analytics snapshot", zap.Error(err))
		} else {
			logger.Info("Restored analytics snapshot", zap.Time("taken_at", at))
		}
	}

	if a.Trigger.Scorer == nil {
		return
	}
	weights, at, err := a.Core.Snapshots.LatestWeights(ctx)
	switch {
	case errors.Is(err, storage.ErrNoSnapshot):
	case err != nil:
		logger.Warn("Failed to load weight snapshot", zap.Error(err))
	default:
		if err := a.Trigger.Scorer.SetWeights(adaptive.Weights(weights)); err != nil {
			logger.Warn("Ignoring invalid weight snapshot", zap.Error(err))
		} else {
			logger.Info("Restored feature weights", zap.Time("taken_at", at))
		}
	}
}

// persistSnapshots writes the current analytics export and feature weights.
func (a *App) persistSnapshots() {
	if a.Core.Snapshots == nil {
		return
	}
	// Runs during shutdown too, so it does not inherit the app context.
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	logger := a.Core.Logger
	now := time.Now()

	payload, err := a.Observers.Analytics.Export()
	if err != nil {
		logger.Error("Failed to export analytics", zap.Error(err))
	} else if err := a.Core.Snapshots.SaveAnalytics(ctx, payload, now); err != nil {
		logger.Error("Failed to save analytics snapshot", zap.Error(err))
	}

	if a.Trigger.Scorer != nil {
		if err := a.Core.Snapshots.SaveWeights(ctx, a.Trigger.Scorer.Weights(), now); err != nil {
			logger.Error("Failed to save weight snapshot", zap.Error(err))
		}
	}

	if err := a.Core.Snapshots.Prune(ctx, snapshotKeep); err != nil {
		logger.Warn("Failed to prune snapshots", zap.Error(err))
	}
}

// Close gracefully shuts down the application resources.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.Cancel != nil {
		a.Cancel()
	}
	a.wg.Wait()
	logger := a.Core.Logger

	if a.Observers.Events != nil {
		a.Observers.Events.Close()
	}
	if a.Core.Snapshots != nil {
		if a.Observers.Analytics != nil {
			a.Observers.Analytics.RunOnce()
		}
		a.persistSnapshots()
		if err := a.Core.Snapshots.Close(); err != nil {
			logger.Error("Failed to close snapshot database", zap.Error(err))
		}
	}
	if a.Trigger.Classifier != nil {
		if err := a.Trigger.Classifier.Close(); err != nil {
			logger.Warn("Failed to release classifier", zap.Error(err))
		}
	}
	if a.Recall.Cache != nil {
		a.Recall.Cache.Close()
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("Failed to flush telemetry", zap.Error(err))
		}
	}

	if err := logger.Sync(); err != nil {
		// Syncing stderr fails harmlessly on terminals and pipes.
		if !strings.Contains(err.Error(), "sync /dev/stderr: invalid argument") &&
			!strings.Contains(err.Error(), "sync <file descriptor>: bad file descriptor") &&
			!strings.Contains(err.Error(), "sync /dev/stderr: inappropriate ioctl for device") {
			fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
		}
	}
}

// ContextWithLogger returns a new context with the application's logger.
func (a *App) ContextWithLogger(ctx context.Context) context.Context {
	return logging.ContextWithLogger(ctx, a.Core.Logger)
}

// LoggerFromContext retrieves the logger from the given context, or returns the default app logger.
func (a *App) LoggerFromContext(ctx context.Context) *zap.Logger {
	if logger, ok := logging.LoggerFromContext(ctx); ok {
		return logger
	}
	return a.Core.Logger
}
