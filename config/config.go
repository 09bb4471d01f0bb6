// Package config - Tunables for the watermark removal pipeline.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate when a tunable is out of range.
var ErrInvalid = errors.New("invalid configuration")

// Detection tunes the temporal consistency detector and the missed-detection handler.
type Detection struct {
	// MinConfidence is the lowest raw confidence ever considered a detection.
	MinConfidence float32 `json:"min_confidence" yaml:"min_confidence"`
	// HighConfidence is the confidence at which a detection is accepted unconditionally.
	HighConfidence float32 `json:"high_confidence" yaml:"high_confidence"`
	// ConsistencyWindow is the length of the detected/bbox/confidence history windows.
	ConsistencyWindow int `json:"consistency_window" yaml:"consistency_window"`
	// MinConsistentFrames is how many recent entries the consistency check compares against.
	MinConsistentFrames int `json:"min_consistent_frames" yaml:"min_consistent_frames"`
	// MaxJumpDistance is the largest center displacement, in pixels, tolerated between frames.
	MaxJumpDistance float64 `json:"max_jump_distance" yaml:"max_jump_distance"`
	// ContinueRateFloor is the detection rate below which a held bbox is dropped.
	ContinueRateFloor float64 `json:"continue_rate_floor" yaml:"continue_rate_floor"`
	// ConfidenceStdCeiling is the largest confidence standard deviation tolerated.
	ConfidenceStdCeiling float64 `json:"confidence_std_ceiling" yaml:"confidence_std_ceiling"`
	// MissedHistory is the history length kept by the missed-detection handler.
	MissedHistory int `json:"missed_history" yaml:"missed_history"`
}

// BBox tunes bbox padding and the final smoothing pass.
type BBox struct {
	PaddingRatio       float64 `json:"padding_ratio" yaml:"padding_ratio"`
	MinEdge            int     `json:"min_edge" yaml:"min_edge"`
	SmoothingWindow    int     `json:"smoothing_window" yaml:"smoothing_window"`
	StabilityThreshold float64 `json:"stability_threshold" yaml:"stability_threshold"`
	// ChangepointPenalty is the per-breakpoint cost of the segmentation; 0 derives it from the data.
	ChangepointPenalty float64 `json:"changepoint_penalty" yaml:"changepoint_penalty"`
}

// Mask tunes the adaptive mask generator.
type Mask struct {
	DilationKernel     int `json:"dilation_kernel" yaml:"dilation_kernel"`
	DilationIterations int `json:"dilation_iterations" yaml:"dilation_iterations"`
	// HistorySize bounds the bbox history kept by the generator.
	HistorySize int `json:"history_size" yaml:"history_size"`
}

// Memory tunes the memory manager.
type Memory struct {
	MaxGPURatio float64 `json:"max_gpu_ratio" yaml:"max_gpu_ratio"`
	MaxCPURatio float64 `json:"max_cpu_ratio" yaml:"max_cpu_ratio"`
	// GPUBudget is the fraction of free GPU memory a batch may occupy.
	GPUBudget float64 `json:"gpu_budget" yaml:"gpu_budget"`
	// CPUBudget is the fraction of available host memory a batch may occupy.
	CPUBudget float64 `json:"cpu_budget" yaml:"cpu_budget"`
}

// Batch tunes the pipeline's processing mode.
type Batch struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	Size                int  `json:"size" yaml:"size"`
	CleanupEveryBatches int  `json:"cleanup_every_batches" yaml:"cleanup_every_batches"`
	// Workers bounds parallel mask generation within a batch; 0 means GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`
}

// Encoding configures the ffmpeg encoder and remux subprocesses.
type Encoding struct {
	FFmpegPath   string  `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath  string  `json:"ffprobe_path" yaml:"ffprobe_path"`
	Codec        string  `json:"codec" yaml:"codec"`
	Preset       string  `json:"preset" yaml:"preset"`
	PixelFormat  string  `json:"pixel_format" yaml:"pixel_format"`
	HWAccel      bool    `json:"hw_accel" yaml:"hw_accel"`
	BitrateScale float64 `json:"bitrate_scale" yaml:"bitrate_scale"`
	CRF          int     `json:"crf" yaml:"crf"`
	AudioCodec   string  `json:"audio_codec" yaml:"audio_codec"`
	// QueueSize is the number of frames buffered ahead of the encoder's stdin.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// Template configures the template-matching detector assist.
type Template struct {
	Path            string    `json:"path" yaml:"path"`
	Scales          []float64 `json:"scales" yaml:"scales"`
	MinScore        float32   `json:"min_score" yaml:"min_score"`
	SearchExpansion float64   `json:"search_expansion" yaml:"search_expansion"`
	// OverrideMargin is how far the template score must beat the model to replace it.
	OverrideMargin float32 `json:"override_margin" yaml:"override_margin"`
}

// Inference configures the ONNX Runtime watermark detector.
type Inference struct {
	ModelPath   string   `json:"model_path" yaml:"model_path"`
	LibraryPath string   `json:"library_path" yaml:"library_path"`
	InputSize   int      `json:"input_size" yaml:"input_size"`
	InputName   string   `json:"input_name" yaml:"input_name"`
	OutputName  string   `json:"output_name" yaml:"output_name"`
	Threads     int      `json:"threads" yaml:"threads"`
	// Provider is "cpu", "cuda" or "coreml".
	Provider    string   `json:"provider" yaml:"provider"`
	Classes     int      `json:"classes" yaml:"classes"`
	Confidence  float32  `json:"confidence" yaml:"confidence"`
	Labels      []string `json:"labels" yaml:"labels"`
}

// Inpaint configures the frame cleaner.
type Inpaint struct {
	// Method is "telea" or "ns" for OpenCV inpainting, or "blur".
	Method string  `json:"method" yaml:"method"`
	Radius float32 `json:"radius" yaml:"radius"`
	// BlurRadius is the box radius of the blur method.
	BlurRadius int `json:"blur_radius" yaml:"blur_radius"`
	Workers    int `json:"workers" yaml:"workers"`
}

// Config is the full set of tunables for one run.
type Config struct {
	Detection Detection `json:"detection" yaml:"detection"`
	BBox      BBox      `json:"bbox" yaml:"bbox"`
	Mask      Mask      `json:"mask" yaml:"mask"`
	Memory    Memory    `json:"memory" yaml:"memory"`
	Batch     Batch     `json:"batch" yaml:"batch"`
	Encoding  Encoding  `json:"encoding" yaml:"encoding"`
	Template  Template  `json:"template" yaml:"template"`
	Inference Inference `json:"inference" yaml:"inference"`
	Inpaint   Inpaint   `json:"inpaint" yaml:"inpaint"`
}

// Default returns the configuration the pipeline was tuned with.
//
// Returns:
//   - Config: A fully populated configuration.
func Default() Config {
	return Config{
		Detection: Detection{
			MinConfidence:        0.25,
			HighConfidence:       0.6,
			ConsistencyWindow:    3,
			MinConsistentFrames:  2,
			MaxJumpDistance:      50,
			ContinueRateFloor:    0.3,
			ConfidenceStdCeiling: 0.2,
			MissedHistory:        20,
		},
		BBox: BBox{
			PaddingRatio:       0.3,
			MinEdge:            32,
			SmoothingWindow:    7,
			StabilityThreshold: 0.8,
		},
		Mask: Mask{
			DilationKernel:     11,
			DilationIterations: 2,
			HistorySize:        10,
		},
		Memory: Memory{
			MaxGPURatio: 0.8,
			MaxCPURatio: 0.9,
			GPUBudget:   0.5,
			CPUBudget:   0.3,
		},
		Batch: Batch{
			Enabled:             true,
			Size:                8,
			CleanupEveryBatches: 5,
		},
		Encoding: Encoding{
			FFmpegPath:   "ffmpeg",
			FFprobePath:  "ffprobe",
			Codec:        "libx264",
			Preset:       "medium",
			PixelFormat:  "yuv420p",
			HWAccel:      true,
			BitrateScale: 1.2,
			CRF:          18,
			AudioCodec:   "aac",
			QueueSize:    16,
		},
		Template: Template{
			Scales:          []float64{0.85, 0.9, 0.95, 1.0, 1.05, 1.1},
			MinScore:        0.55,
			SearchExpansion: 0.6,
			OverrideMargin:  0.15,
		},
		Inference: Inference{
			InputSize:  640,
			InputName:  "images",
			OutputName: "output0",
			Threads:    4,
			Provider:   "cpu",
			Classes:    1,
			Confidence: 0.25,
			Labels:     []string{"watermark"},
		},
		Inpaint: Inpaint{
			Method:     "telea",
			Radius:     3,
			BlurRadius: 15,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
//
// Arguments:
//   - path: The YAML file to read. An empty path returns the defaults.
//
// Returns:
//   - Config: The merged configuration.
//   - error: An error if the file cannot be read, parsed, or validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate rejects out-of-range tunables.
//
// Returns:
//   - error: An error wrapping ErrInvalid naming the first offending field.
func (c Config) Validate() error {
	d := c.Detection
	switch {
	case d.MinConfidence < 0 || d.MinConfidence > 1:
		return errors.Wrap(ErrInvalid, "detection.min_confidence must be within [0,1]")
	case d.HighConfidence < 0 || d.HighConfidence > 1:
		return errors.Wrap(ErrInvalid, "detection.high_confidence must be within [0,1]")
	case d.MinConfidence > d.HighConfidence:
		return errors.Wrap(ErrInvalid, "detection.min_confidence exceeds detection.high_confidence")
	case d.ConsistencyWindow <= 0:
		return errors.Wrap(ErrInvalid, "detection.consistency_window must be positive")
	case d.MinConsistentFrames <= 0:
		return errors.Wrap(ErrInvalid, "detection.min_consistent_frames must be positive")
	case d.MaxJumpDistance <= 0:
		return errors.Wrap(ErrInvalid, "detection.max_jump_distance must be positive")
	case d.MissedHistory < 3:
		return errors.Wrap(ErrInvalid, "detection.missed_history must be at least 3")
	}

	b := c.BBox
	switch {
	case b.PaddingRatio < 0:
		return errors.Wrap(ErrInvalid, "bbox.padding_ratio must not be negative")
	case b.MinEdge < 1:
		return errors.Wrap(ErrInvalid, "bbox.min_edge must be positive")
	case b.SmoothingWindow < 2:
		return errors.Wrap(ErrInvalid, "bbox.smoothing_window must be at least 2")
	case b.StabilityThreshold < 0 || b.StabilityThreshold > 1:
		return errors.Wrap(ErrInvalid, "bbox.stability_threshold must be within [0,1]")
	case b.ChangepointPenalty < 0:
		return errors.Wrap(ErrInvalid, "bbox.changepoint_penalty must not be negative")
	}

	if c.Mask.DilationKernel < 0 || c.Mask.DilationIterations < 0 {
		return errors.Wrap(ErrInvalid, "mask dilation parameters must not be negative")
	}

	m := c.Memory
	for name, v := range map[string]float64{
		"memory.max_gpu_ratio": m.MaxGPURatio,
		"memory.max_cpu_ratio": m.MaxCPURatio,
		"memory.gpu_budget":    m.GPUBudget,
		"memory.cpu_budget":    m.CPUBudget,
	} {
		if v <= 0 || v > 1 {
			return errors.Wrapf(ErrInvalid, "%s must be within (0,1]", name)
		}
	}

	if c.Batch.Size <= 0 {
		return errors.Wrap(ErrInvalid, "batch.size must be positive")
	}
	if c.Batch.CleanupEveryBatches <= 0 {
		return errors.Wrap(ErrInvalid, "batch.cleanup_every_batches must be positive")
	}
	if c.Encoding.QueueSize <= 0 {
		return errors.Wrap(ErrInvalid, "encoding.queue_size must be positive")
	}
	switch c.Inference.Provider {
	case "cpu", "cuda", "coreml":
	default:
		return errors.Wrapf(ErrInvalid, "inference.provider %q is not cpu, cuda or coreml", c.Inference.Provider)
	}
	switch c.Inpaint.Method {
	case "telea", "ns":
	case "blur":
		if c.Inpaint.BlurRadius < 1 {
			return errors.Wrap(ErrInvalid, "inpaint.blur_radius must be at least 1")
		}
	default:
		return errors.Wrapf(ErrInvalid, "inpaint.method %q is not telea, ns or blur", c.Inpaint.Method)
	}

	return nil
}
