package adaptive

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"go.uber.org/zap"
)

const (
	DefaultSaveThreshold   = 0.4
	DefaultSearchThreshold = 0.3

	reinforceFactor = 1.05
	decayFactor     = 0.95
	minWeight       = 0.01
)

// Predictor produces an adaptive decision for a message.
type Predictor interface {
	Predict(ctx context.Context, text string) (trigger.Decision, error)
}

// Learner adjusts a predictor from feedback on a past prediction.
type Learner interface {
	Learn(text string, actual trigger.Action, predicted trigger.Decision)
}

// Weights maps feature names to weights summing to 1.
type Weights map[string]float64

// DefaultWeights returns the initial feature weights.
func DefaultWeights() Weights {
	return Weights{
		FeatureImportance: 0.35,
		FeatureTechnical:  0.20,
		FeatureQuestion:   0.25,
		FeatureNovelty:    0.20,
	}
}

// Scorer is the feature-weighted adaptive scorer. Weights change only through Learn
// or an explicit SetWeights restore.
type Scorer struct {
	mu              sync.RWMutex
	weights         Weights
	saveThreshold   float64
	searchThreshold float64
	logger          *zap.Logger
}

// NewScorer creates a scorer with default weights. Non-positive thresholds select the defaults.
func NewScorer(saveThreshold, searchThreshold float64, logger *zap.Logger) *Scorer {
	if saveThreshold <= 0 {
		saveThreshold = DefaultSaveThreshold
	}
	if searchThreshold <= 0 {
		searchThreshold = DefaultSearchThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		weights:         DefaultWeights(),
		saveThreshold:   saveThreshold,
		searchThreshold: searchThreshold,
		logger:          logger,
	}
}

// Score returns the weighted score of text and the features it was computed from.
func (s *Scorer) Score(text string) (float64, Features) {
	f := Extract(text)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var score float64
	for _, name := range FeatureNames {
		score += f[name] * s.weights[name]
	}
	return score, f
}

// Predict implements Predictor. The scorer never reports unavailability; it
// only fails when ctx is already done.
func (s *Scorer) Predict(ctx context.Context, text string) (trigger.Decision, error) {
	if err := ctx.Err(); err != nil {
		return trigger.Decision{}, err
	}
	score, f := s.Score(text)
	action := s.classify(score, f)

	d := trigger.Decision{
		ShouldSave:   action == trigger.ActionSave,
		ShouldSearch: action == trigger.ActionSearch,
		Confidence:   clamp(score),
	}
	if action != trigger.ActionNone {
		for _, name := range f.Active() {
			d.Signals = append(d.Signals, "feature:"+name)
		}
	}
	return d, nil
}

func (s *Scorer) classify(score float64, f Features) trigger.Action {
	switch {
	case score > s.saveThreshold && f[FeatureImportance] > 0:
		return trigger.ActionSave
	case score > s.searchThreshold && f[FeatureQuestion] > 0:
		return trigger.ActionSearch
	default:
		return trigger.ActionNone
	}
}

// Learn reinforces the weights of the active features of text when predicted
// matched actual and decays them otherwise, then renormalizes to sum 1.
func (s *Scorer) Learn(text string, actual trigger.Action, predicted trigger.Decision) {
	f := Extract(text)
	active := f.Active()
	if len(active) == 0 {
		return
	}
	correct := predicted.Action() == actual
	factor := decayFactor
	if correct {
		factor = reinforceFactor
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range active {
		w := s.weights[name] * factor
		if w < minWeight {
			w = minWeight
		}
		s.weights[name] = w
	}
	normalize(s.weights)

	s.logger.Debug("Adaptive weights updated",
		zap.Bool("correct", correct),
		zap.Strings("features", active),
		zap.Any("weights", s.weights))
}

// Weights returns a copy of the current weights.
func (s *Scorer) Weights() Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Weights, len(s.weights))
	for k, v := range s.weights {
		out[k] = v
	}
	return out
}

// SetWeights replaces the weights with a normalized copy of w. Every feature
// must be present with a finite, non-negative weight.
func (s *Scorer) SetWeights(w Weights) error {
	next := make(Weights, len(FeatureNames))
	var sum float64
	for _, name := range FeatureNames {
		v, ok := w[name]
		if !ok {
			return fmt.Errorf("missing weight for feature %q", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("invalid weight %v for feature %q", v, name)
		}
		next[name] = v
		sum += v
	}
	if sum == 0 {
		return fmt.Errorf("weights sum to zero")
	}
	normalize(next)

	s.mu.Lock()
	s.weights = next
	s.mu.Unlock()
	return nil
}

func normalize(w Weights) {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return
	}
	for k, v := range w {
		w[k] = v / sum
	}
}
