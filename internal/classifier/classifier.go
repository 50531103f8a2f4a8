package classifier

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ErrInference marks runtime classification failures: shape mismatches or
// numerically broken outputs. Retrying the same input cannot help.
var ErrInference = errors.New("inference failed")

// Prediction is the outcome of a single classification.
type Prediction struct {
	Label      string             `json:"label"`
	Confidence float32            `json:"confidence"`
	Scores     map[string]float32 `json:"scores,omitempty"`
}

// Classifier wraps a single ONNX session loaded once at startup and shared
// by every request for the lifetime of the process. The model weights are
// read-only; the pre-allocated tensor pair is the only mutable state and is
// guarded by mu.
type Classifier struct {
	session      *ort.AdvancedSession
	meta         Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// Load initializes the ONNX runtime and creates the session for the model
// artifact at modelPath, described by the metadata JSON at metadataPath.
// Any failure here means the process must not serve requests.
func Load(modelPath, metadataPath string) (*Classifier, error) {
	if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY"); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnx environment: %w", err)
	}

	meta, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create onnx session for %s: %w", modelPath, err)
	}

	return &Classifier{
		session:      session,
		meta:         meta,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Labels returns the ordered label set the output indices map onto.
func (c *Classifier) Labels() []string {
	return c.meta.Classes
}

// Ready reports whether a model session is live.
func (c *Classifier) Ready() bool {
	return c != nil && c.session != nil
}

// Classify runs the model on a normalized input grid and returns the argmax
// label with its score distribution. It has no side effects: identical
// weights and input yield the same label on the same hardware.
func (c *Classifier) Classify(input []float32) (*Prediction, error) {
	if want := c.meta.inputLength(); len(input) != want {
		return nil, fmt.Errorf("%w: expected %d input values, got %d", ErrInference, want, len(input))
	}

	scores := make([]float32, len(c.meta.Classes))

	c.mu.Lock()
	copy(c.inputTensor.GetData(), input)
	err := c.session.Run()
	if err == nil {
		copy(scores, c.outputTensor.GetData())
	}
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	best, err := argmax(scores)
	if err != nil {
		return nil, err
	}

	distribution := make(map[string]float32, len(scores))
	for i, score := range scores {
		distribution[c.meta.Classes[i]] = score
	}

	return &Prediction{
		Label:      c.meta.Classes[best],
		Confidence: scores[best],
		Scores:     distribution,
	}, nil
}

// Close releases the session and tensors. Call once at shutdown.
func (c *Classifier) Close() {
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	ort.DestroyEnvironment()
}

// argmax returns the index of the highest score. Ties keep the lowest
// index. NaN anywhere in the vector is an inference failure.
func argmax(scores []float32) (int, error) {
	if len(scores) == 0 {
		return 0, fmt.Errorf("%w: empty score vector", ErrInference)
	}
	best := 0
	for i, score := range scores {
		if math.IsNaN(float64(score)) {
			return 0, fmt.Errorf("%w: NaN score at index %d", ErrInference, i)
		}
		if score > scores[best] {
			best = i
		}
	}
	return best, nil
}
