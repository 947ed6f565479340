//go:build onnx

package adaptive

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ortInit sync.Once

// ONNXConfig configures the ONNX Runtime classifier.
type ONNXConfig struct {
	// ModelPath is the path to an ONNX model taking a [1, len(FeatureNames)]
	// float32 input and producing [1, 3] scores (save, search, no action).
	ModelPath string
	// LibraryPath is the onnxruntime shared library; empty uses the platform default.
	LibraryPath string
	InputName   string
	OutputName  string
}

type onnxClassifier struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// ONNXLoader returns a Loader creating an ONNX Runtime classifier.
func ONNXLoader(cfg ONNXConfig) Loader {
	return func() (Classifier, error) {
		if cfg.ModelPath == "" {
			return nil, fmt.Errorf("ModelPath is required")
		}
		if cfg.InputName == "" {
			cfg.InputName = "features"
		}
		if cfg.OutputName == "" {
			cfg.OutputName = "scores"
		}

		var initErr error
		ortInit.Do(func() {
			if cfg.LibraryPath != "" {
				ort.SetSharedLibraryPath(cfg.LibraryPath)
			}
			initErr = ort.InitializeEnvironment()
		})
		if initErr != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", initErr)
		}

		session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
			[]string{cfg.InputName},
			[]string{cfg.OutputName},
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX session: %w", err)
		}
		return &onnxClassifier{session: session}, nil
	}
}

func (c *onnxClassifier) Classify(ctx context.Context, text string) (Probabilities, error) {
	if err := ctx.Err(); err != nil {
		return Probabilities{}, err
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(len(FeatureNames))), Extract(text).Vector())
	if err != nil {
		return Probabilities{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}

	c.mu.Lock()
	err = c.session.Run([]ort.Value{input}, outputs)
	c.mu.Unlock()
	if err != nil {
		return Probabilities{}, fmt.Errorf("ONNX inference failed: %w", err)
	}
	defer func() {
		for _, output := range outputs {
			if output != nil {
				output.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return Probabilities{}, fmt.Errorf("unexpected output tensor type")
	}
	data := out.GetData()
	if len(data) < 3 {
		return Probabilities{}, fmt.Errorf("expected 3 output scores, got %d", len(data))
	}

	probs := softmax(data[:3])
	return Probabilities{Save: probs[0], Search: probs[1], None: probs[2]}, nil
}

func (c *onnxClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Destroy()
	c.session = nil
	return err
}

func softmax(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
