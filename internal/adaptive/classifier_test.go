package adaptive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClassifier struct {
	probs  Probabilities
	delay  time.Duration
	err    error
	closed atomic.Bool
}

func (f *fakeClassifier) Classify(ctx context.Context, _ string) (Probabilities, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Probabilities{}, ctx.Err()
		}
	}
	return f.probs, f.err
}

func (f *fakeClassifier) Close() error {
	f.closed.Store(true)
	return nil
}

func TestLazyClassifierLoadsOnceAndBypassesWhileLoading(t *testing.T) {
	release := make(chan struct{})
	var loads atomic.Int32
	clf := &fakeClassifier{probs: Probabilities{Search: 0.7, Save: 0.2, None: 0.1}}

	lazy := NewLazyClassifier(func() (Classifier, error) {
		loads.Add(1)
		<-release
		return clf, nil
	}, time.Second, nil)

	first := make(chan trigger.Decision, 1)
	go func() {
		d, err := lazy.Predict(context.Background(), "how does it work?")
		if err == nil {
			first <- d
		}
		close(first)
	}()

	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, time.Millisecond)

	_, err := lazy.Predict(context.Background(), "concurrent caller")
	assert.ErrorIs(t, err, ErrUnavailable)

	close(release)
	d, ok := <-first
	require.True(t, ok)
	assert.True(t, d.ShouldSearch)
	assert.InDelta(t, 0.7, d.Confidence, 1e-9)

	_, err = lazy.Predict(context.Background(), "after load")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads.Load())

	require.NoError(t, lazy.Close())
	assert.True(t, clf.closed.Load())
}

func TestLazyClassifierFailedLoadIsPermanent(t *testing.T) {
	var loads atomic.Int32
	lazy := NewLazyClassifier(func() (Classifier, error) {
		loads.Add(1)
		return nil, errors.New("model not found")
	}, time.Second, nil)

	for i := 0; i < 3; i++ {
		_, err := lazy.Predict(context.Background(), "x")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, int32(1), loads.Load())
}

func TestLazyClassifierSlowLoadIsTimeBounded(t *testing.T) {
	clf := &fakeClassifier{probs: Probabilities{Save: 0.9}}
	var loads atomic.Int32
	lazy := NewLazyClassifier(func() (Classifier, error) {
		loads.Add(1)
		time.Sleep(400 * time.Millisecond)
		return clf, nil
	}, 50*time.Millisecond, nil)

	start := time.Now()
	_, err := lazy.Predict(context.Background(), "first")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = lazy.Predict(ctx, "during load")
	assert.ErrorIs(t, err, ErrUnavailable)

	require.Eventually(t, func() bool {
		d, err := lazy.Predict(context.Background(), "after load")
		return err == nil && d.ShouldSave
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), loads.Load())
}

func TestLazyClassifierClosedDuringLoad(t *testing.T) {
	release := make(chan struct{})
	loaded := make(chan struct{})
	clf := &fakeClassifier{}
	lazy := NewLazyClassifier(func() (Classifier, error) {
		defer close(loaded)
		<-release
		return clf, nil
	}, 10*time.Millisecond, nil)

	_, err := lazy.Predict(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
	require.NoError(t, lazy.Close())

	close(release)
	<-loaded
	require.Eventually(t, clf.closed.Load, time.Second, time.Millisecond)
	_, err = lazy.Predict(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLazyClassifierTimesOut(t *testing.T) {
	clf := &fakeClassifier{delay: time.Second}
	lazy := NewLazyClassifier(func() (Classifier, error) { return clf, nil }, 20*time.Millisecond, nil)

	start := time.Now()
	_, err := lazy.Predict(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLazyClassifierInferenceError(t *testing.T) {
	clf := &fakeClassifier{err: errors.New("bad tensor")}
	lazy := NewLazyClassifier(func() (Classifier, error) { return clf, nil }, time.Second, nil)

	_, err := lazy.Predict(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDecisionFromProbabilities(t *testing.T) {
	assert.Equal(t, trigger.ActionSave, decisionFrom(Probabilities{Save: 0.6, Search: 0.3, None: 0.1}).Action())
	assert.Equal(t, trigger.ActionSearch, decisionFrom(Probabilities{Save: 0.1, Search: 0.6, None: 0.3}).Action())
	assert.Equal(t, trigger.ActionNone, decisionFrom(Probabilities{Save: 0.1, Search: 0.2, None: 0.7}).Action())
}

func TestONNXLoaderWithoutModelFails(t *testing.T) {
	_, err := ONNXLoader(ONNXConfig{})()
	assert.Error(t, err)
}
