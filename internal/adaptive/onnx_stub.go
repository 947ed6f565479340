//go:build !onnx

package adaptive

import "fmt"

// ONNXConfig configures the ONNX Runtime classifier.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
}

// ONNXLoader returns a Loader that always fails: this binary was built without the onnx tag.
func ONNXLoader(cfg ONNXConfig) Loader {
	return func() (Classifier, error) {
		return nil, fmt.Errorf("onnx support not compiled in (rebuild with -tags onnx) for model %q", cfg.ModelPath)
	}
}
