// Package inference - Inference sessions.
package inference

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-unmark/config"
)

// ErrNotInitialized is returned when a session is used after Close.
var ErrNotInitialized = errors.New("inference session not initialized")

var environment sync.Mutex

// initEnvironment loads the ONNX Runtime library once per process.
func initEnvironment(libraryPath string) error {
	environment.Lock()
	defer environment.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libraryPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libraryPath)
	}
	ort.SetSharedLibraryPath(libraryPath)
	return errors.Wrap(ort.InitializeEnvironment(), "initialize onnxruntime")
}

// SessionMetrics are the cumulative timings of a session.
type SessionMetrics struct {
	Inferences int64
	Frames     int64
	Total      time.Duration
}

// Average is the mean duration of one Run call.
func (m SessionMetrics) Average() time.Duration {
	if m.Inferences == 0 {
		return 0
	}
	return m.Total / time.Duration(m.Inferences)
}

// Session wraps an ONNX Runtime session whose batch dimension is dynamic, and
// tracks how long its runs take.
type Session struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string

	mu      sync.Mutex
	metrics SessionMetrics
}

// NewSession loads the model and creates a session.
//
// Arguments:
//   - cfg: The model path, library path, tensor names, threads and provider.
//
// Returns:
//   - *Session: The session.
//   - error: An error if the runtime or model cannot be loaded.
func NewSession(cfg config.Inference) (*Session, error) {
	libraryPath, err := SharedLibraryPath(cfg.LibraryPath)
	if err != nil {
		return nil, err
	}
	if err := initEnvironment(libraryPath); err != nil {
		return nil, err
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, errors.Wrapf(err, "create session for %s", cfg.ModelPath)
	}

	return &Session{
		session:    session,
		inputName:  cfg.InputName,
		outputName: cfg.OutputName,
	}, nil
}

func sessionOptions(cfg config.Inference) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "set intra-op threads")
		}
	}

	switch cfg.Provider {
	case "cuda":
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "create cuda provider options")
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "enable cuda provider")
		}
	case "coreml":
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "enable coreml provider")
		}
	}
	return options, nil
}

// Run executes the model on a batch of NCHW float32 inputs.
//
// Arguments:
//   - input: The batch, laid out as batch x 3 x size x size.
//   - batch: The number of images in input.
//   - size: The square input edge.
//   - outputShape: The model's output shape for this batch.
//
// Returns:
//   - []float32: The flattened output tensor.
//   - error: An error if the session is closed or the run fails.
func (s *Session) Run(input []float32, batch, size int, outputShape ort.Shape) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, ErrNotInitialized
	}

	in, err := ort.NewTensor(ort.NewShape(int64(batch), 3, int64(size), int64(size)), input)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, errors.Wrap(err, "create output tensor")
	}
	defer out.Destroy()

	start := time.Now()
	if err := s.session.Run([]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out}); err != nil {
		return nil, errors.Wrap(err, "run session")
	}
	s.metrics.Inferences++
	s.metrics.Frames += int64(batch)
	s.metrics.Total += time.Since(start)

	data := out.GetData()
	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

// Metrics returns the session's cumulative timings.
func (s *Session) Metrics() SessionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Close releases the session. Later runs return ErrNotInitialized.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}
