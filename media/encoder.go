package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
)

// ErrEncoderClosed is returned by writes after Close.
var ErrEncoderClosed = errors.New("encoder closed")

// stderrLines is how much encoder output is kept for error reports.
const stderrLines = 50

// FrameSink consumes cleaned frames in display order.
type FrameSink interface {
	Write(frame images.Frame) error
	Close() error
}

// HWEncoders are the hardware H.264 encoders probed, in order of preference.
var HWEncoders = []string{"h264_nvenc", "h264_qsv", "h264_amf"}

// EncoderOptions are the parameters of one encode.
type EncoderOptions struct {
	Output      string
	Width       int
	Height      int
	FPS         float64
	Codec       string
	Preset      string
	PixelFormat string
	// Bitrate in bits per second; 0 selects constant quality with CRF.
	Bitrate int64
	CRF     int
}

// EncoderArgs builds the ffmpeg arguments for a bgr24 rawvideo stream on stdin.
//
// Arguments:
//   - o: The encode parameters.
//
// Returns:
//   - []string: The arguments, without the binary.
func EncoderArgs(o EncoderOptions) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", o.Width, o.Height),
		"-r", strconv.FormatFloat(o.FPS, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-c:v", o.Codec,
	}
	if o.Preset != "" && !strings.HasSuffix(o.Codec, "_amf") {
		args = append(args, "-preset", o.Preset)
	}
	args = append(args, "-pix_fmt", o.PixelFormat)

	if o.Bitrate > 0 {
		args = append(args, "-b:v", strconv.FormatInt(o.Bitrate, 10))
	} else {
		crf := strconv.Itoa(o.CRF)
		switch {
		case strings.HasSuffix(o.Codec, "_nvenc"):
			args = append(args, "-cq", crf)
		case strings.HasSuffix(o.Codec, "_qsv"):
			args = append(args, "-global_quality", crf)
		case strings.HasSuffix(o.Codec, "_amf"):
			args = append(args, "-rc", "cqp", "-qp_i", crf, "-qp_p", crf)
		default:
			args = append(args, "-crf", crf)
		}
	}
	return append(args, o.Output)
}

// HWProbeArgs builds a one-second synthetic encode that succeeds only when
// the encoder is usable on this machine.
func HWProbeArgs(encoder string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=c=black:s=256x256:d=1",
		"-c:v", encoder,
		"-f", "null", "-",
	}
}

var hwProbes sync.Map

// DetectHWEncoder returns the first usable hardware encoder, or "" when none
// works. Results are cached per ffmpeg binary.
func DetectHWEncoder(ctx context.Context, ffmpegPath string) string {
	if v, ok := hwProbes.Load(ffmpegPath); ok {
		return v.(string)
	}
	found := ""
	for _, enc := range HWEncoders {
		if exec.CommandContext(ctx, ffmpegPath, HWProbeArgs(enc)...).Run() == nil {
			found = enc
			break
		}
	}
	hwProbes.Store(ffmpegPath, found)
	return found
}

// SelectEncoder chooses the codec and rate control for an output.
//
// Arguments:
//   - ctx: The context for the hardware probe.
//   - cfg: The encoding settings.
//   - info: The source stream.
//   - output: The file to write.
//
// Returns:
//   - EncoderOptions: The encode parameters.
func SelectEncoder(ctx context.Context, cfg config.Encoding, info VideoInfo, output string) EncoderOptions {
	o := EncoderOptions{
		Output:      output,
		Width:       info.Width,
		Height:      info.Height,
		FPS:         info.FPS,
		Codec:       cfg.Codec,
		Preset:      cfg.Preset,
		PixelFormat: cfg.PixelFormat,
		CRF:         cfg.CRF,
	}
	if cfg.HWAccel {
		if hw := DetectHWEncoder(ctx, cfg.FFmpegPath); hw != "" {
			o.Codec = hw
		}
	}
	if info.Bitrate > 0 {
		o.Bitrate = int64(math.Round(float64(info.Bitrate) * cfg.BitrateScale))
	}
	return o
}

// Encoder feeds raw frames to an ffmpeg process. Frames are queued on a
// bounded channel and written to the process by a dedicated goroutine, so the
// pipeline blocks only when the queue is full.
//
// Write and Close must be called from one goroutine.
type Encoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *OutputBuffer
	logger *slog.Logger

	width, height int
	frames        chan []byte
	done          chan struct{}
	closed        atomic.Bool
	written       atomic.Int64

	mu       sync.Mutex
	writeErr error

	closeOnce sync.Once
	closeErr  error
}

// StartEncoder starts ffmpeg.
//
// Arguments:
//   - ctx: The context bounding the process.
//   - ffmpegPath: The ffmpeg binary.
//   - opts: The encode parameters.
//   - queue: The number of frames buffered ahead of the process.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *Encoder: The running encoder.
//   - error: An error if the process cannot be started.
func StartEncoder(ctx context.Context, ffmpegPath string, opts EncoderOptions, queue int, logger *slog.Logger) (*Encoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("starting encoder",
		"output", opts.Output,
		"codec", opts.Codec,
		"size", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"fps", opts.FPS,
		"bitrate", opts.Bitrate,
	)
	cmd := exec.CommandContext(ctx, ffmpegPath, EncoderArgs(opts)...)
	return newEncoder(cmd, opts.Width, opts.Height, queue, logger)
}

func newEncoder(cmd *exec.Cmd, width, height, queue int, logger *slog.Logger) (*Encoder, error) {
	stderr := NewOutputBuffer(stderrLines)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "encoder stdin")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start encoder")
	}

	e := &Encoder{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		logger: logger,
		width:  width,
		height: height,
		frames: make(chan []byte, max(1, queue)),
		done:   make(chan struct{}),
	}
	go e.drain()
	return e, nil
}

// drain writes queued frames until the queue closes. After a failed write it
// keeps consuming so the producer never blocks on a dead process.
func (e *Encoder) drain() {
	defer close(e.done)
	for buf := range e.frames {
		if e.err() != nil {
			continue
		}
		if _, err := e.stdin.Write(buf); err != nil {
			e.mu.Lock()
			e.writeErr = errors.Wrap(err, "write frame to encoder")
			e.mu.Unlock()
			continue
		}
		e.written.Add(1)
	}
}

func (e *Encoder) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeErr
}

// Write implements FrameSink. The frame is copied before queueing.
func (e *Encoder) Write(frame images.Frame) error {
	if e.closed.Load() {
		return ErrEncoderClosed
	}
	if frame.Width != e.width || frame.Height != e.height || !frame.Valid() {
		return errors.Errorf("frame %d is %dx%d, encoder expects %dx%d",
			frame.Index, frame.Width, frame.Height, e.width, e.height)
	}
	if err := e.err(); err != nil {
		return e.withOutput(err)
	}
	e.frames <- append([]byte(nil), frame.Data...)
	return nil
}

// Written returns the number of frames delivered to the process.
func (e *Encoder) Written() int64 {
	return e.written.Load()
}

// Close flushes the queue, closes the process input and waits for it to exit.
func (e *Encoder) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.frames)
		<-e.done

		closeErr := e.stdin.Close()
		waitErr := e.cmd.Wait()
		switch {
		case e.err() != nil:
			e.closeErr = e.withOutput(e.err())
		case waitErr != nil:
			e.closeErr = e.withOutput(errors.Wrap(waitErr, "encoder exited"))
		case closeErr != nil && !errors.Is(closeErr, io.ErrClosedPipe):
			e.closeErr = errors.Wrap(closeErr, "close encoder input")
		}
		e.logger.Debug("encoder closed", "frames", e.Written(), "error", e.closeErr)
	})
	return e.closeErr
}

func (e *Encoder) withOutput(err error) error {
	if out := e.stderr.String(); out != "" {
		return errors.Wrapf(err, "ffmpeg: %s", out)
	}
	return err
}
