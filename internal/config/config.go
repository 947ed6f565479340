package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultProject             = "default"
	DefaultMaxResults          = 20
	DefaultSimilarityThreshold = 0.3
	DefaultContextLimit        = 10
	DefaultTriggerConfidence   = 0.9
	DefaultBaselineConfidence  = 0.1
	DefaultSaveThreshold       = 0.4
	DefaultSearchThreshold     = 0.3
	DefaultAutoSaveImportance  = 0.7
	DefaultClassifierTimeout   = 2 * time.Second
	DefaultEmbeddingBaseURL    = "http://localhost:11434/api"
	DefaultEmbeddingModel      = "nomic-embed-text"
	DefaultEmbeddingTimeout    = 3 * time.Second
	DefaultCacheEntries        = 10000
	DefaultRetentionWindow     = 30 * 24 * time.Hour
	DefaultAnalysisInterval    = time.Hour
	DefaultTopN                = 10
	DefaultNATSSubject         = "memsrv.events"
	DefaultPlatform            = "claude"
	DefaultServiceName         = "mcp-memory-server"
)

// Ranker names accepted by the recall section.
const (
	RankerJaccard   = "jaccard"
	RankerEmbedding = "embedding"
)

// Adaptive modes accepted by the adaptive section.
const (
	AdaptiveOff        = "off"
	AdaptiveFeatures   = "features"
	AdaptiveClassifier = "classifier"
)

// Config holds the application configuration.
// Environment variables are applied last and win over config.toml.
type Config struct {
	LogLevel   string `env:"MEMSRV_LOG_LEVEL"`
	LogFile    string `env:"MEMSRV_LOG_FILE"`
	DataDir    string `env:"MEMSRV_DATA_DIR"`
	ConfigPath string

	// Trigger rules
	RulesFile          string  `env:"MEMSRV_RULES_FILE"`
	WatchRules         bool    `env:"MEMSRV_WATCH_RULES"`
	TriggerConfidence  float64 `env:"MEMSRV_TRIGGER_CONFIDENCE"`
	BaselineConfidence float64 `env:"MEMSRV_BASELINE_CONFIDENCE"`

	// Adaptive scoring
	AdaptiveMode        string        `env:"MEMSRV_ADAPTIVE_MODE"`
	SaveThreshold       float64       `env:"MEMSRV_SAVE_THRESHOLD"`
	SearchThreshold     float64       `env:"MEMSRV_SEARCH_THRESHOLD"`
	ClassifierModelPath string        `env:"MEMSRV_CLASSIFIER_MODEL"`
	ClassifierLibrary   string        `env:"MEMSRV_ONNX_LIBRARY"`
	ClassifierTimeout   time.Duration `env:"MEMSRV_CLASSIFIER_TIMEOUT"`

	// Store
	DefaultProject      string  `env:"MEMSRV_DEFAULT_PROJECT"`
	MaxResults          int     `env:"MEMSRV_MAX_RESULTS"`
	SimilarityThreshold float64 `env:"MEMSRV_SIMILARITY_THRESHOLD"`
	ContextLimit        int     `env:"MEMSRV_CONTEXT_LIMIT"`
	AutoSave            bool    `env:"MEMSRV_AUTO_SAVE"`
	AutoSearch          bool    `env:"MEMSRV_AUTO_SEARCH"`
	AutoSaveImportance  float64 `env:"MEMSRV_AUTO_SAVE_IMPORTANCE"`

	// Recall
	Ranker           string        `env:"MEMSRV_RANKER"`
	EmbeddingBaseURL string        `env:"MEMSRV_EMBEDDING_BASE_URL"`
	EmbeddingModel   string        `env:"MEMSRV_EMBEDDING_MODEL"`
	EmbeddingTimeout time.Duration `env:"MEMSRV_EMBEDDING_TIMEOUT"`
	CacheEntries     int64         `env:"MEMSRV_CACHE_ENTRIES"`

	// Analytics
	RetentionWindow  time.Duration `env:"MEMSRV_RETENTION_WINDOW"`
	AnalysisInterval time.Duration `env:"MEMSRV_ANALYSIS_INTERVAL"`
	TopN             int           `env:"MEMSRV_TOP_N"`

	// Snapshot
	SnapshotEnabled bool   `env:"MEMSRV_SNAPSHOT_ENABLED"`
	SnapshotPath    string `env:"MEMSRV_SNAPSHOT_PATH"`

	// Events
	NATSURL     string `env:"MEMSRV_NATS_URL"`
	NATSSubject string `env:"MEMSRV_NATS_SUBJECT"`

	// Metrics
	MetricsEnabled bool   `env:"MEMSRV_METRICS_ENABLED"`
	MetricsAddr    string `env:"MEMSRV_METRICS_ADDR"`

	// Telemetry
	OTLPEndpoint string `env:"MEMSRV_OTLP_ENDPOINT"`
	ServiceName  string `env:"MEMSRV_SERVICE_NAME"`

	// Server
	Platform string `env:"MEMSRV_PLATFORM"`
}

type fileConfig struct {
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
	Trigger struct {
		RulesFile          string  `toml:"rules_file"`
		WatchRules         bool    `toml:"watch_rules"`
		TriggerConfidence  float64 `toml:"trigger_confidence"`
		BaselineConfidence float64 `toml:"baseline_confidence"`
	} `toml:"trigger"`
	Adaptive struct {
		Mode            string  `toml:"mode"`
		SaveThreshold   float64 `toml:"save_threshold"`
		SearchThreshold float64 `toml:"search_threshold"`
		ModelPath       string  `toml:"model_path"`
		Library         string  `toml:"onnx_library"`
		TimeoutMillis   int     `toml:"timeout_ms"`
	} `toml:"adaptive"`
	Store struct {
		DefaultProject      string  `toml:"default_project"`
		MaxResults          int     `toml:"max_results"`
		SimilarityThreshold float64 `toml:"similarity_threshold"`
		ContextLimit        int     `toml:"context_limit"`
		AutoSave            *bool   `toml:"auto_save"`
		AutoSearch          *bool   `toml:"auto_search"`
		AutoSaveImportance  float64 `toml:"auto_save_importance"`
	} `toml:"store"`
	Recall struct {
		Ranker           string `toml:"ranker"`
		EmbeddingBaseURL string `toml:"embedding_base_url"`
		EmbeddingModel   string `toml:"embedding_model"`
		TimeoutMillis    int    `toml:"timeout_ms"`
		CacheEntries     int64  `toml:"cache_entries"`
	} `toml:"recall"`
	Analytics struct {
		RetentionDays   int `toml:"retention_days"`
		IntervalMinutes int `toml:"interval_minutes"`
		TopN            int `toml:"top_n"`
	} `toml:"analytics"`
	Snapshot struct {
		Enabled *bool  `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"snapshot"`
	Events struct {
		NATSURL string `toml:"nats_url"`
		Subject string `toml:"subject"`
	} `toml:"events"`
	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`
	Telemetry struct {
		OTLPEndpoint string `toml:"otlp_endpoint"`
		ServiceName  string `toml:"service_name"`
	} `toml:"telemetry"`
	Server struct {
		Platform string `toml:"platform"`
	} `toml:"server"`
}

// Default returns a configuration rooted at dataDir with every default applied.
func Default(dataDir string) *Config {
	return &Config{
		LogLevel:            "info",
		LogFile:             filepath.Join(dataDir, "logs", "mcp-memory.log"),
		DataDir:             dataDir,
		ConfigPath:          filepath.Join(dataDir, "config.toml"),
		TriggerConfidence:   DefaultTriggerConfidence,
		BaselineConfidence:  DefaultBaselineConfidence,
		AdaptiveMode:        AdaptiveFeatures,
		SaveThreshold:       DefaultSaveThreshold,
		SearchThreshold:     DefaultSearchThreshold,
		ClassifierTimeout:   DefaultClassifierTimeout,
		DefaultProject:      DefaultProject,
		MaxResults:          DefaultMaxResults,
		SimilarityThreshold: DefaultSimilarityThreshold,
		ContextLimit:        DefaultContextLimit,
		AutoSave:            true,
		AutoSearch:          true,
		AutoSaveImportance:  DefaultAutoSaveImportance,
		Ranker:              RankerJaccard,
		EmbeddingBaseURL:    DefaultEmbeddingBaseURL,
		EmbeddingModel:      DefaultEmbeddingModel,
		EmbeddingTimeout:    DefaultEmbeddingTimeout,
		CacheEntries:        DefaultCacheEntries,
		RetentionWindow:     DefaultRetentionWindow,
		AnalysisInterval:    DefaultAnalysisInterval,
		TopN:                DefaultTopN,
		SnapshotEnabled:     true,
		SnapshotPath:        filepath.Join(dataDir, "snapshots.sqlite3"),
		NATSSubject:         DefaultNATSSubject,
		MetricsAddr:         ":9464",
		ServiceName:         DefaultServiceName,
		Platform:            DefaultPlatform,
	}
}

// LoadConfig loads configuration from defaults, config.toml and environment variables.
func LoadConfig() (*Config, error) {
	dataDir, err := FindDataDir()
	if err != nil {
		return nil, err
	}
	if override := os.Getenv("MEMSRV_DATA_DIR"); override != "" {
		dataDir = override
	}
	if err := EnsureDataDirs(dataDir); err != nil {
		return nil, err
	}
	return LoadFrom(dataDir)
}

// LoadFrom loads configuration rooted at an explicit data directory.
func LoadFrom(dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	if _, err := os.Stat(cfg.ConfigPath); err == nil {
		fileData, err := os.ReadFile(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyFile(fileData); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", cfg.ConfigPath, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.EmbeddingBaseURL = normalizeBaseURL(cfg.EmbeddingBaseURL)
	cfg.AdaptiveMode = strings.ToLower(strings.TrimSpace(cfg.AdaptiveMode))
	cfg.Ranker = strings.ToLower(strings.TrimSpace(cfg.Ranker))
	cfg.Platform = strings.ToLower(strings.TrimSpace(cfg.Platform))
	if cfg.RulesFile != "" && !filepath.IsAbs(cfg.RulesFile) {
		cfg.RulesFile = filepath.Join(dataDir, cfg.RulesFile)
	}

	return cfg, nil
}

func (c *Config) applyFile(data []byte) error {
	var parsed fileConfig
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return err
	}

	if parsed.Logging.Level != "" {
		c.LogLevel = parsed.Logging.Level
	}
	if parsed.Logging.File != "" {
		c.LogFile = parsed.Logging.File
	}

	if parsed.Trigger.RulesFile != "" {
		c.RulesFile = parsed.Trigger.RulesFile
	}
	c.WatchRules = parsed.Trigger.WatchRules
	if parsed.Trigger.TriggerConfidence > 0 {
		c.TriggerConfidence = parsed.Trigger.TriggerConfidence
	}
	if parsed.Trigger.BaselineConfidence > 0 {
		c.BaselineConfidence = parsed.Trigger.BaselineConfidence
	}

	if parsed.Adaptive.Mode != "" {
		c.AdaptiveMode = parsed.Adaptive.Mode
	}
	if parsed.Adaptive.SaveThreshold > 0 {
		c.SaveThreshold = parsed.Adaptive.SaveThreshold
	}
	if parsed.Adaptive.SearchThreshold > 0 {
		c.SearchThreshold = parsed.Adaptive.SearchThreshold
	}
	if parsed.Adaptive.ModelPath != "" {
		c.ClassifierModelPath = parsed.Adaptive.ModelPath
	}
	if parsed.Adaptive.Library != "" {
		c.ClassifierLibrary = parsed.Adaptive.Library
	}
	if parsed.Adaptive.TimeoutMillis > 0 {
		c.ClassifierTimeout = time.Duration(parsed.Adaptive.TimeoutMillis) * time.Millisecond
	}

	if parsed.Store.DefaultProject != "" {
		c.DefaultProject = parsed.Store.DefaultProject
	}
	if parsed.Store.MaxResults > 0 {
		c.MaxResults = parsed.Store.MaxResults
	}
	if parsed.Store.SimilarityThreshold > 0 {
		c.SimilarityThreshold = parsed.Store.SimilarityThreshold
	}
	if parsed.Store.ContextLimit > 0 {
		c.ContextLimit = parsed.Store.ContextLimit
	}
	if parsed.Store.AutoSave != nil {
		c.AutoSave = *parsed.Store.AutoSave
	}
	if parsed.Store.AutoSearch != nil {
		c.AutoSearch = *parsed.Store.AutoSearch
	}
	if parsed.Store.AutoSaveImportance > 0 {
		c.AutoSaveImportance = parsed.Store.AutoSaveImportance
	}

	if parsed.Recall.Ranker != "" {
		c.Ranker = parsed.Recall.Ranker
	}
	if parsed.Recall.EmbeddingBaseURL != "" {
		c.EmbeddingBaseURL = parsed.Recall.EmbeddingBaseURL
	}
	if parsed.Recall.EmbeddingModel != "" {
		c.EmbeddingModel = parsed.Recall.EmbeddingModel
	}
	if parsed.Recall.TimeoutMillis > 0 {
		c.EmbeddingTimeout = time.Duration(parsed.Recall.TimeoutMillis) * time.Millisecond
	}
	if parsed.Recall.CacheEntries > 0 {
		c.CacheEntries = parsed.Recall.CacheEntries
	}

	if parsed.Analytics.RetentionDays > 0 {
		c.RetentionWindow = time.Duration(parsed.Analytics.RetentionDays) * 24 * time.Hour
	}
	if parsed.Analytics.IntervalMinutes > 0 {
		c.AnalysisInterval = time.Duration(parsed.Analytics.IntervalMinutes) * time.Minute
	}
	if parsed.Analytics.TopN > 0 {
		c.TopN = parsed.Analytics.TopN
	}

	if parsed.Snapshot.Enabled != nil {
		c.SnapshotEnabled = *parsed.Snapshot.Enabled
	}
	if parsed.Snapshot.Path != "" {
		c.SnapshotPath = parsed.Snapshot.Path
	}

	if parsed.Events.NATSURL != "" {
		c.NATSURL = parsed.Events.NATSURL
	}
	if parsed.Events.Subject != "" {
		c.NATSSubject = parsed.Events.Subject
	}

	c.MetricsEnabled = parsed.Metrics.Enabled
	if parsed.Metrics.Addr != "" {
		c.MetricsAddr = parsed.Metrics.Addr
	}

	if parsed.Telemetry.OTLPEndpoint != "" {
		c.OTLPEndpoint = parsed.Telemetry.OTLPEndpoint
	}
	if parsed.Telemetry.ServiceName != "" {
		c.ServiceName = parsed.Telemetry.ServiceName
	}

	if parsed.Server.Platform != "" {
		c.Platform = parsed.Server.Platform
	}
	return nil
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/")
}

// Context key for storing config in context
type configContextKey struct{}

// WithConfig adds the config to the context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey{}, cfg)
}

// FromContext retrieves the config from the context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configContextKey{}).(*Config); ok {
		return cfg
	}
	return nil
}

// Validate verifies the configuration is usable.
func (c *Config) Validate() error {
	if err := checkUnit("trigger confidence", c.TriggerConfidence); err != nil {
		return err
	}
	if err := checkUnit("baseline confidence", c.BaselineConfidence); err != nil {
		return err
	}
	if err := checkUnit("save threshold", c.SaveThreshold); err != nil {
		return err
	}
	if err := checkUnit("search threshold", c.SearchThreshold); err != nil {
		return err
	}
	if err := checkUnit("similarity threshold", c.SimilarityThreshold); err != nil {
		return err
	}
	if err := checkUnit("auto-save importance", c.AutoSaveImportance); err != nil {
		return err
	}
	switch c.AdaptiveMode {
	case AdaptiveOff, AdaptiveFeatures:
	case AdaptiveClassifier:
		if strings.TrimSpace(c.ClassifierModelPath) == "" {
			return fmt.Errorf("adaptive mode %q requires a model path", c.AdaptiveMode)
		}
	default:
		return fmt.Errorf("unknown adaptive mode %q", c.AdaptiveMode)
	}
	if c.ClassifierTimeout <= 0 {
		return fmt.Errorf("classifier timeout must be positive")
	}
	switch c.Ranker {
	case RankerJaccard:
	case RankerEmbedding:
		if c.EmbeddingBaseURL == "" {
			return fmt.Errorf("embedding ranker requires a base URL")
		}
		if c.EmbeddingTimeout <= 0 {
			return fmt.Errorf("embedding timeout must be positive")
		}
	default:
		return fmt.Errorf("unknown ranker %q", c.Ranker)
	}
	if strings.TrimSpace(c.DefaultProject) == "" {
		return fmt.Errorf("default project is empty")
	}
	if c.MaxResults <= 0 {
		return fmt.Errorf("max results must be positive")
	}
	if c.ContextLimit <= 0 {
		return fmt.Errorf("context limit must be positive")
	}
	if c.CacheEntries <= 0 {
		return fmt.Errorf("cache entries must be positive")
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("retention window must be positive")
	}
	if c.AnalysisInterval <= 0 {
		return fmt.Errorf("analysis interval must be positive")
	}
	if c.TopN <= 0 {
		return fmt.Errorf("top-n must be positive")
	}
	if c.SnapshotEnabled && strings.TrimSpace(c.SnapshotPath) == "" {
		return fmt.Errorf("snapshots enabled but no snapshot path configured")
	}
	if c.MetricsEnabled && strings.TrimSpace(c.MetricsAddr) == "" {
		return fmt.Errorf("metrics enabled but no listen address configured")
	}
	switch c.Platform {
	case "claude", "cursor", "windsurf":
	default:
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	return nil
}

func checkUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be between 0 and 1", name)
	}
	return nil
}
