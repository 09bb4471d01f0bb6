// Package pipeline - Drives detection, stabilization, masking and inpainting over a video.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
	"github.com/nvr-ai/go-unmark/inference"
	"github.com/nvr-ai/go-unmark/inpaint"
	"github.com/nvr-ai/go-unmark/masking"
	"github.com/nvr-ai/go-unmark/media"
	"github.com/nvr-ai/go-unmark/memory"
	"github.com/nvr-ai/go-unmark/profiler"
	"github.com/nvr-ai/go-unmark/tracking"
)

// ErrNoFrames is returned when a source yields no frames.
var ErrNoFrames = errors.New("video has no frames")

// sequenceFPS is the frame rate reported for image-sequence inputs.
const sequenceFPS = 30

// ProgressFunc receives a completion percentage in [0,100]. Successive values
// never decrease.
type ProgressFunc func(percent uint8)

// EncoderFactory starts the sink that receives a run's cleaned frames.
type EncoderFactory func(ctx context.Context, output string, info media.VideoInfo) (media.FrameSink, error)

// SourceOpener opens the input of ProcessFile.
type SourceOpener func(ctx context.Context, input string) (media.FrameSource, error)

// FrameTrack records what the pipeline decided for one frame.
type FrameTrack struct {
	Index int
	// Raw is the detector output after padding.
	Raw inference.Detection
	// Stabilized is the output of the temporal stages.
	Stabilized inference.Detection
	// BBox is the region the mask was built from, nil when the frame was not masked.
	BBox *images.Rect
	// Source is the stage that produced BBox, empty when there is none.
	Source     inference.Source
	Confidence float32
	GapFilled  bool
	MaskArea   int
	Cleaned    bool
}

// Stats counts the outcomes of a run.
type Stats struct {
	Frames           int
	Detected         int
	Interpolated     int
	GapFilled        int
	Masked           int
	Cleaned          int
	DetectorFailures int
	InpaintFailures  int
	BatchFallbacks   int
	Batches          int
}

// Result is the outcome of a run.
type Result struct {
	Tracks []FrameTrack
	Stats  Stats
	// Output is the file ProcessFile produced.
	Output string
}

func (r *Result) add(t FrameTrack) {
	r.Tracks = append(r.Tracks, t)
	r.Stats.Frames++
	if t.Raw.Valid() {
		r.Stats.Detected++
	}
	if t.Stabilized.Interpolated {
		r.Stats.Interpolated++
	}
	if t.GapFilled {
		r.Stats.GapFilled++
	}
	if t.MaskArea > 0 {
		r.Stats.Masked++
	}
	if t.Cleaned {
		r.Stats.Cleaned++
	}
}

// Pipeline removes a watermark from videos. Each run builds its own
// stabilization and masking state, so one Pipeline may process several videos
// one after another. The detector is reset at the start of every run when it
// keeps state.
type Pipeline struct {
	cfg       config.Config
	detector  inference.Detector
	inpainter inpaint.Inpainter

	memory   *memory.Manager
	logger   *slog.Logger
	progress ProgressFunc
	encoders EncoderFactory
	sources  SourceOpener
	remuxer  media.Remuxer
	profiler *profiler.Profiler
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMemory sets the memory manager used for batch sizing.
func WithMemory(m *memory.Manager) Option {
	return func(p *Pipeline) { p.memory = m }
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// WithEncoderFactory replaces the ffmpeg encoder.
func WithEncoderFactory(f EncoderFactory) Option {
	return func(p *Pipeline) { p.encoders = f }
}

// WithSourceOpener replaces how ProcessFile opens its input.
func WithSourceOpener(f SourceOpener) Option {
	return func(p *Pipeline) { p.sources = f }
}

// WithRemuxer replaces the ffmpeg audio remuxer.
func WithRemuxer(r media.Remuxer) Option {
	return func(p *Pipeline) { p.remuxer = r }
}

// WithProfiler sets the profiler that receives stage timings.
func WithProfiler(pr *profiler.Profiler) Option {
	return func(p *Pipeline) { p.profiler = pr }
}

// New creates a pipeline.
//
// Arguments:
//   - cfg: The run configuration.
//   - detector: The watermark detector.
//   - inpainter: The inpainting engine; a BatchInpainter is used per batch.
//   - opts: Optional collaborators.
//
// Returns:
//   - *Pipeline: The pipeline.
func New(cfg config.Config, detector inference.Detector, inpainter inpaint.Inpainter, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		detector:  detector,
		inpainter: inpainter,
		logger:    slog.Default(),
		remuxer:   media.FFmpegRemuxer{Path: cfg.Encoding.FFmpegPath, AudioCodec: cfg.Encoding.AudioCodec},
		profiler:  profiler.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.memory == nil {
		p.memory = memory.NewManager(cfg.Memory, memory.WithLogger(p.logger))
	}
	if p.encoders == nil {
		p.encoders = ffmpegEncoders(cfg.Encoding, p.logger)
	}
	if p.sources == nil {
		p.sources = openSource(cfg.Encoding.FFprobePath, p.logger)
	}
	return p
}

// Profiler returns the profiler receiving stage timings.
func (p *Pipeline) Profiler() *profiler.Profiler {
	return p.profiler
}

func ffmpegEncoders(cfg config.Encoding, logger *slog.Logger) EncoderFactory {
	return func(ctx context.Context, output string, info media.VideoInfo) (media.FrameSink, error) {
		opts := media.SelectEncoder(ctx, cfg, info, output)
		return media.StartEncoder(ctx, cfg.FFmpegPath, opts, cfg.QueueSize, logger)
	}
}

func openSource(ffprobePath string, logger *slog.Logger) SourceOpener {
	return func(ctx context.Context, input string) (media.FrameSource, error) {
		st, err := os.Stat(input)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", input)
		}
		if st.IsDir() {
			return media.OpenSequence(input, sequenceFPS)
		}
		return media.OpenCapture(ctx, input, ffprobePath, logger)
	}
}

// Run processes every frame of src into sink, in batched mode when
// cfg.Batch.Enabled is set and sequentially otherwise. The sink is not closed.
//
// Arguments:
//   - ctx: The context; cancellation aborts the run between frames.
//   - src: The decoded frames.
//   - sink: Receives one cleaned or original frame per input frame, in order.
//
// Returns:
//   - Result: The per-frame decisions and counters.
//   - error: An error if the source, sink or context fails.
func (p *Pipeline) Run(ctx context.Context, src media.FrameSource, sink media.FrameSink) (Result, error) {
	return p.run(ctx, src, sink, newProgress(p.progress))
}

// RunSequential runs the two-pass sequential mode.
func (p *Pipeline) RunSequential(ctx context.Context, src media.FrameSource, sink media.FrameSink) (Result, error) {
	p.resetDetector()
	return p.runSequential(ctx, src, sink, newProgress(p.progress))
}

// RunBatched runs the memory-aware batched mode.
func (p *Pipeline) RunBatched(ctx context.Context, src media.FrameSource, sink media.FrameSink) (Result, error) {
	p.resetDetector()
	return p.runBatched(ctx, src, sink, newProgress(p.progress))
}

func (p *Pipeline) run(ctx context.Context, src media.FrameSource, sink media.FrameSink, progress *progress) (Result, error) {
	p.memory.LogUsage("start")
	defer p.memory.LogUsage("end")
	defer p.profiler.LogSummary(p.logger)

	p.resetDetector()
	if p.cfg.Batch.Enabled {
		return p.runBatched(ctx, src, sink, progress)
	}
	return p.runSequential(ctx, src, sink, progress)
}

func (p *Pipeline) resetDetector() {
	if r, ok := p.detector.(inference.Resetter); ok {
		r.Reset()
	}
}

// ProcessFile removes the watermark from a video file or image-sequence
// directory and writes output with the original audio.
//
// Frames are encoded to a temporary file next to output, which is removed when
// the run fails and after the audio remux succeeds. A failed remux keeps it.
//
// Arguments:
//   - ctx: The context bounding the run and its subprocesses.
//   - input: The video file or frame directory.
//   - output: The file to produce.
//
// Returns:
//   - Result: The per-frame decisions and counters.
//   - error: An error if any stage fails fatally.
func (p *Pipeline) ProcessFile(ctx context.Context, input, output string) (Result, error) {
	progress := newProgress(p.progress)

	src, err := p.sources(ctx, input)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	info := src.Info()
	temp := filepath.Join(filepath.Dir(output), "temp_"+uuid.NewString()+"_"+filepath.Base(output))
	p.logger.Info("processing video",
		"input", input,
		"output", output,
		"size", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"fps", info.FPS,
		"frames", info.TotalFrames,
		"batched", p.cfg.Batch.Enabled,
	)

	sink, err := p.encoders(ctx, temp, info)
	if err != nil {
		return Result{}, err
	}

	result, runErr := p.run(ctx, src, sink, progress)
	closeErr := sink.Close()

	if runErr != nil || closeErr != nil {
		os.Remove(temp)
		if runErr != nil {
			return result, runErr
		}
		return result, errors.Wrap(closeErr, "finish encoding")
	}

	stop := p.profiler.StartOperation("remux")
	if st, err := os.Stat(input); err == nil && st.IsDir() {
		err = os.Rename(temp, output)
		stop()
		if err != nil {
			os.Remove(temp)
			return result, errors.Wrap(err, "move output")
		}
	} else {
		err := p.remuxer.Remux(ctx, temp, input, output)
		stop()
		if err != nil {
			p.logger.Error("audio remux failed, keeping video-only file", "temp", temp, "error", err)
			return result, errors.Wrapf(err, "remux (video-only output kept at %s)", temp)
		}
		os.Remove(temp)
	}

	progress.report(100)
	result.Output = output
	p.logger.Info("video processed",
		"output", output,
		"frames", result.Stats.Frames,
		"masked", result.Stats.Masked,
		"cleaned", result.Stats.Cleaned,
		"interpolated", result.Stats.Interpolated,
		"gap_filled", result.Stats.GapFilled,
		"inpaint_failures", result.Stats.InpaintFailures,
	)
	return result, nil
}

// videoState is the per-video temporal state.
type videoState struct {
	width, height int
	consistency   *tracking.ConsistencyDetector
	missed        *tracking.MissedHandler
	masks         *masking.Generator
}

func (p *Pipeline) newVideoState() *videoState {
	return &videoState{
		consistency: tracking.NewConsistencyDetector(p.cfg.Detection, p.logger),
		missed:      tracking.NewMissedHandler(p.cfg.Detection, p.logger),
		masks:       masking.NewGenerator(p.cfg.Mask, p.logger),
	}
}

// ensureShape resets every stage when the frame size changes.
func (s *videoState) ensureShape(width, height int) {
	if width == s.width && height == s.height {
		return
	}
	s.width, s.height = width, height
	s.consistency.Reset()
	s.missed.EnsureShape(width, height)
	s.masks.EnsureShape(width, height)
}

func (s *videoState) logStats(logger *slog.Logger) {
	c, m := s.consistency.Stats(), s.missed.Stats()
	logger.Debug("stabilization summary",
		"detection_rate", c.DetectionRate,
		"avg_confidence", c.AverageConfidence,
		"stable_count", c.StableCount,
		"interpolations", m.Interpolations,
		"motion_model_ready", m.MotionModelReady,
	)
}

// pad expands a confident raw detection by the configured padding.
func (p *Pipeline) pad(det inference.Detection, width, height int) inference.Detection {
	if !det.Valid() || det.Confidence < p.cfg.Detection.MinConfidence {
		return det
	}
	return det.WithBBox(images.ExpandAndClip(*det.BBox, width, height, p.cfg.BBox.PaddingRatio, p.cfg.BBox.MinEdge))
}

// usable returns the bbox of a stabilized detection when it is confident
// enough to mask.
func (p *Pipeline) usable(det inference.Detection) (*images.Rect, float32) {
	if !det.Valid() || det.Confidence < p.cfg.Detection.MinConfidence {
		return nil, 0
	}
	r := *det.BBox
	return &r, det.Confidence
}

func (p *Pipeline) detectOne(ctx context.Context, frame images.Frame, result *Result) inference.Detection {
	det, err := p.detector.Detect(ctx, frame)
	if err != nil {
		result.Stats.DetectorFailures++
		p.logger.Warn("detection failed, treating frame as undetected", "frame", frame.Index, "error", err)
		return inference.NotDetected()
	}
	return det
}

// cleanOne inpaints one frame; any failure yields the original frame.
func (p *Pipeline) cleanOne(ctx context.Context, frame images.Frame, mask images.Mask, result *Result) (images.Frame, bool) {
	if mask.Empty() {
		return frame, false
	}
	out, err := p.inpainter.Clean(ctx, frame, mask)
	if err != nil {
		result.Stats.InpaintFailures++
		p.logger.Error("inpainting failed, keeping original frame", "frame", frame.Index, "error", err)
		return frame, false
	}
	return out, true
}

func (p *Pipeline) workers() int {
	if p.cfg.Batch.Workers > 0 {
		return p.cfg.Batch.Workers
	}
	return runtime.NumCPU()
}
