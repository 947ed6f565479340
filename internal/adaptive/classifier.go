package adaptive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"go.uber.org/zap"
)

// ErrUnavailable reports that the learned classifier cannot answer right now.
// Callers fall back to the deterministic decision alone.
var ErrUnavailable = errors.New("adaptive classifier unavailable")

// Probabilities is a classifier's distribution over the three outcomes.
type Probabilities struct {
	Save   float64
	Search float64
	None   float64
}

// Classifier is a learned model mapping a message to outcome probabilities.
type Classifier interface {
	Classify(ctx context.Context, text string) (Probabilities, error)
	Close() error
}

// Loader constructs a Classifier. It may be slow.
type Loader func() (Classifier, error)

type loadState int

const (
	stateIdle loadState = iota
	stateLoading
	stateReady
	stateFailed
)

// LazyClassifier loads a Classifier on first use and serves predictions from it.
// Exactly one load runs, in its own goroutine. The caller that starts it waits
// at most the prediction timeout; callers arriving during the load get
// ErrUnavailable instead of blocking. A failed load is logged once and is
// permanent. Every prediction is bounded by the configured timeout.
type LazyClassifier struct {
	mu      sync.Mutex
	state   loadState
	clf     Classifier
	loadErr error
	closed  bool

	load    Loader
	timeout time.Duration
	logger  *zap.Logger
}

// NewLazyClassifier wraps load. A non-positive timeout means 2s.
func NewLazyClassifier(load Loader, timeout time.Duration, logger *zap.Logger) *LazyClassifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LazyClassifier{load: load, timeout: timeout, logger: logger}
}

// Predict implements Predictor. Loading and inference share one deadline.
func (l *LazyClassifier) Predict(ctx context.Context, text string) (trigger.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	clf, err := l.acquire(ctx)
	if err != nil {
		return trigger.Decision{}, err
	}

	type result struct {
		p   Probabilities
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := clf.Classify(ctx, text)
		ch <- result{p, err}
	}()

	select {
	case <-ctx.Done():
		return trigger.Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return trigger.Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, r.err)
		}
		return decisionFrom(r.p), nil
	}
}

func (l *LazyClassifier) acquire(ctx context.Context) (Classifier, error) {
	l.mu.Lock()
	switch l.state {
	case stateReady:
		clf := l.clf
		l.mu.Unlock()
		return clf, nil
	case stateLoading:
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: still loading", ErrUnavailable)
	case stateFailed:
		err := l.loadErr
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.state = stateLoading
	l.mu.Unlock()

	done := make(chan struct{})
	go l.runLoad(done)

	select {
	case <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: still loading: %v", ErrUnavailable, ctx.Err())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateReady {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, l.loadErr)
	}
	return l.clf, nil
}

func (l *LazyClassifier) runLoad(done chan<- struct{}) {
	defer close(done)

	start := time.Now()
	clf, err := l.load()

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case err != nil:
		l.state = stateFailed
		l.loadErr = err
		l.logger.Warn("Adaptive classifier failed to load, continuing with deterministic rules only", zap.Error(err))
	case l.closed:
		clf.Close()
	default:
		l.state = stateReady
		l.clf = clf
		l.logger.Info("Adaptive classifier loaded", zap.Duration("took", time.Since(start)))
	}
}

// Close releases the loaded classifier, if any. A load still in flight is
// closed as soon as it finishes.
func (l *LazyClassifier) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.state = stateFailed
	l.loadErr = errors.New("classifier closed")
	if l.clf == nil {
		return nil
	}
	err := l.clf.Close()
	l.clf = nil
	return err
}

func decisionFrom(p Probabilities) trigger.Decision {
	switch {
	case p.Save >= p.Search && p.Save >= p.None:
		return trigger.Decision{ShouldSave: true, Confidence: clamp(p.Save), Signals: []string{"classifier:save"}}
	case p.Search >= p.None:
		return trigger.Decision{ShouldSearch: true, Confidence: clamp(p.Search), Signals: []string{"classifier:search"}}
	default:
		return trigger.Decision{Confidence: clamp(p.None)}
	}
}
