package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/PiGrieco/mcp-memory-server/internal/adaptive"
	"github.com/PiGrieco/mcp-memory-server/internal/config"
	"github.com/PiGrieco/mcp-memory-server/internal/engine"
	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.LogFile = ""
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Engine)
	assert.NotNil(t, a.Trigger.Scorer)
	assert.Nil(t, a.Trigger.Classifier)
	assert.Nil(t, a.Trigger.Watcher)
	assert.Nil(t, a.Observers.Events)
	assert.NotNil(t, a.Core.Snapshots)

	a.Start()
	a.Start()

	out, err := a.Engine.Handle(a.Ctx, engine.Message{Text: "Remember: we chose sqlite for snapshots", Project: "p"})
	require.NoError(t, err)
	require.NotNil(t, out.Saved)
	assert.Equal(t, 1, a.Observers.Analytics.Summary().Metrics.TotalMemories)
}

func TestSnapshotsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = first.Store.Save(first.Ctx, memory.SaveRequest{Content: "persist my stats", Tags: []string{"stats"}})
	require.NoError(t, err)
	text := "important decision about the api"
	first.Engine.Feedback(text, trigger.ActionSave, trigger.Decision{})
	learned := first.Trigger.Scorer.Weights()
	require.NotEqual(t, adaptive.DefaultWeights(), learned)
	first.Close()
	first.Close()

	second, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer second.Close()

	s := second.Observers.Analytics.Summary()
	assert.Equal(t, 1, s.Metrics.TotalMemories)
	assert.Equal(t, 1, s.Metrics.TagFrequency["stats"])
	assert.Equal(t, 0, second.Store.Count(), "memories themselves are not persisted")

	restored := second.Trigger.Scorer.Weights()
	for k, v := range learned {
		assert.InDelta(t, v, restored[k], 1e-9, k)
	}
}

func TestClassifierModeFallsBackToRules(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdaptiveMode = config.AdaptiveClassifier
	cfg.ClassifierModelPath = filepath.Join(t.TempDir(), "missing.onnx")
	cfg.SnapshotEnabled = false

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Trigger.Classifier)
	eval, err := a.Engine.Evaluate(a.Ctx, "Ricorda questa soluzione")
	require.NoError(t, err)
	assert.Nil(t, eval.Adaptive)
	assert.True(t, eval.Decision.ShouldSave)
}

func TestRulesFileAndWatcher(t *testing.T) {
	cfg := testConfig(t)
	cfg.SnapshotEnabled = false
	cfg.RulesFile = filepath.Join(cfg.DataDir, "rules.yaml")
	cfg.WatchRules = true
	require.NoError(t, os.WriteFile(cfg.RulesFile, []byte(`
rules:
  - name: deploy
    kind: keyword
    keywords: [deploy]
    action: save
    priority: 5
`), 0644))

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 1, a.Trigger.Analyzer.Rules().Len())
	require.NotNil(t, a.Trigger.Watcher)
	a.Start()
}

func TestBadRulesFileFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.RulesFile = filepath.Join(cfg.DataDir, "missing.yaml")

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "trigger rules")
}

func TestEmbeddingRankerIsSelected(t *testing.T) {
	cfg := testConfig(t)
	cfg.SnapshotEnabled = false
	cfg.Ranker = config.RankerEmbedding

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Recall.Ranker.(interface {
		Score(context.Context, string, string) float64
	})
	assert.True(t, ok)
	assert.NotNil(t, a.Recall.Cache)
}
