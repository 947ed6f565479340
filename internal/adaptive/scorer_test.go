package adaptive

import (
	"context"
	"testing"

	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtract(t *testing.T) {
	f := Extract("Ricorda questa soluzione")
	assert.Equal(t, 1.0, f[FeatureImportance])
	assert.Equal(t, 0.0, f[FeatureTechnical])
	assert.Equal(t, 0.0, f[FeatureQuestion])
	assert.Equal(t, 1.0, f[FeatureNovelty])
	assert.Equal(t, []string{FeatureImportance, FeatureNovelty}, f.Active())

	f = Extract("the api the api the api")
	assert.InDelta(t, 1.0/3.0, f[FeatureNovelty], 1e-9)
	assert.Equal(t, 1.0, f[FeatureTechnical])

	empty := Extract("")
	for _, name := range FeatureNames {
		assert.Equal(t, 0.0, empty[name], name)
	}
}

func TestFeaturesStayInUnitRange(t *testing.T) {
	for _, text := range []string{
		"remember remember remember",
		"api db sql query bug error",
		"?",
		"a a a a a a a a",
	} {
		for name, v := range Extract(text) {
			assert.GreaterOrEqual(t, v, 0.0, "%s %q", name, text)
			assert.LessOrEqual(t, v, 1.0, "%s %q", name, text)
		}
	}
}

func TestPredict(t *testing.T) {
	s := NewScorer(0, 0, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name   string
		text   string
		action trigger.Action
	}{
		{"importance words save", "Ricorda questa soluzione", trigger.ActionSave},
		{"question searches", "Come funziona questo?", trigger.ActionSearch},
		{"chatter does nothing", "ok ok ok ok", trigger.ActionNone},
		{"empty does nothing", "", trigger.ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := s.Predict(ctx, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.action, d.Action())
			assert.GreaterOrEqual(t, d.Confidence, 0.0)
			assert.LessOrEqual(t, d.Confidence, 1.0)
		})
	}

	d, err := s.Predict(ctx, "Ricorda questa soluzione")
	require.NoError(t, err)
	assert.Equal(t, []string{"feature:" + FeatureImportance, "feature:" + FeatureNovelty}, d.Signals)
}

func TestPredictCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScorer(0, 0, nil).Predict(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLearnCorrectNeverDecreasesActiveWeights(t *testing.T) {
	s := NewScorer(0, 0, nil)
	text := "Ricorda questa soluzione"
	predicted, err := s.Predict(context.Background(), text)
	require.NoError(t, err)

	before := s.Weights()
	s.Learn(text, trigger.ActionSave, predicted)
	after := s.Weights()

	for _, name := range Extract(text).Active() {
		assert.GreaterOrEqual(t, after[name], before[name], name)
	}
	assertSumsToOne(t, after)
}

func TestLearnMismatchDecaysActiveWeights(t *testing.T) {
	s := NewScorer(0, 0, nil)
	text := "Ricorda questa soluzione"
	predicted, err := s.Predict(context.Background(), text)
	require.NoError(t, err)

	before := s.Weights()
	s.Learn(text, trigger.ActionSearch, predicted)
	after := s.Weights()

	assert.Less(t, after[FeatureImportance], before[FeatureImportance])
	assert.Greater(t, after[FeatureQuestion], before[FeatureQuestion])
	assertSumsToOne(t, after)
}

func TestLearnRepeatedMismatchStaysPositive(t *testing.T) {
	s := NewScorer(0, 0, nil)
	text := "Ricorda questa soluzione"
	for i := 0; i < 500; i++ {
		s.Learn(text, trigger.ActionNone, trigger.Decision{ShouldSave: true})
	}
	w := s.Weights()
	for _, name := range FeatureNames {
		assert.Greater(t, w[name], 0.0, name)
	}
	assertSumsToOne(t, w)
}

func TestSetWeights(t *testing.T) {
	s := NewScorer(0, 0, nil)

	require.NoError(t, s.SetWeights(Weights{
		FeatureImportance: 2, FeatureTechnical: 1, FeatureQuestion: 1, FeatureNovelty: 0,
	}))
	w := s.Weights()
	assert.InDelta(t, 0.5, w[FeatureImportance], 1e-9)
	assertSumsToOne(t, w)

	assert.Error(t, s.SetWeights(Weights{FeatureImportance: 1}))
	assert.Error(t, s.SetWeights(Weights{FeatureImportance: -1, FeatureTechnical: 1, FeatureQuestion: 1, FeatureNovelty: 1}))
	assert.Error(t, s.SetWeights(Weights{FeatureImportance: 0, FeatureTechnical: 0, FeatureQuestion: 0, FeatureNovelty: 0}))
}

func TestWeightsReturnsCopy(t *testing.T) {
	s := NewScorer(0, 0, nil)
	w := s.Weights()
	w[FeatureImportance] = 42
	assert.NotEqual(t, 42.0, s.Weights()[FeatureImportance])
}

func assertSumsToOne(t *testing.T, w Weights) {
	t.Helper()
	var sum float64
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
