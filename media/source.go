// Package media - Frame sources, the ffmpeg encoder and audio remuxing.
package media

import (
	"context"
	"io"
	"log/slog"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-unmark/images"
)

// VideoInfo describes a decoded stream.
type VideoInfo struct {
	Width       int
	Height      int
	FPS         float64
	TotalFrames int
	// Bitrate is the source video bitrate in bits per second, 0 when unknown.
	Bitrate int64
}

// FrameSource yields decoded frames in display order.
type FrameSource interface {
	Info() VideoInfo
	// Read returns io.EOF after the last frame.
	Read() (images.Frame, error)
	Close() error
}

// Rewinder is implemented by sources that can restart from the first frame.
type Rewinder interface {
	Rewind() error
}

// CaptureSource decodes a video file with OpenCV.
type CaptureSource struct {
	capture *gocv.VideoCapture
	info    VideoInfo
	mat     gocv.Mat
	next    int
}

// OpenCapture opens a video file and reads its stream parameters. The bitrate
// comes from ffprobe when ffprobePath is set.
//
// Arguments:
//   - ctx: The context for the ffprobe call.
//   - path: The video file.
//   - ffprobePath: The ffprobe binary, or empty to skip probing.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *CaptureSource: The source.
//   - error: An error if the file cannot be opened.
func OpenCapture(ctx context.Context, path, ffprobePath string, logger *slog.Logger) (*CaptureSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.Errorf("open %s: not a readable video", path)
	}

	info := VideoInfo{
		Width:       int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height:      int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FPS:         capture.Get(gocv.VideoCaptureFPS),
		TotalFrames: int(math.Max(0, capture.Get(gocv.VideoCaptureFrameCount))),
	}
	if info.FPS <= 0 || math.IsNaN(info.FPS) {
		info.FPS = 30
	}

	if ffprobePath != "" {
		probe, err := Probe(ctx, ffprobePath, path)
		if err != nil {
			logger.Warn("ffprobe failed, bitrate unknown", "path", path, "error", err)
		} else {
			info.Bitrate = probe.Bitrate
		}
	}

	return &CaptureSource{capture: capture, info: info, mat: gocv.NewMat()}, nil
}

// Info implements FrameSource.
func (s *CaptureSource) Info() VideoInfo { return s.info }

// Read implements FrameSource.
func (s *CaptureSource) Read() (images.Frame, error) {
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return images.Frame{}, io.EOF
	}
	f, err := images.FrameFromMat(s.next, s.mat)
	if err != nil {
		return images.Frame{}, err
	}
	s.next++
	return f, nil
}

// Rewind implements Rewinder.
func (s *CaptureSource) Rewind() error {
	s.capture.Set(gocv.VideoCapturePosFrames, 0)
	if pos := s.capture.Get(gocv.VideoCapturePosFrames); pos != 0 {
		return errors.Errorf("seek to first frame: at %v", pos)
	}
	s.next = 0
	return nil
}

// Close implements FrameSource.
func (s *CaptureSource) Close() error {
	s.mat.Close()
	return s.capture.Close()
}
