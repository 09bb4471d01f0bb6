// Package inpaint - Frame cleaning inside a mask.
package inpaint

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
)

// ErrShapeMismatch is returned when a mask does not match its frame.
var ErrShapeMismatch = errors.New("mask does not match frame")

// Inpainter cleans one frame inside a mask. The mask's non-zero pixels are
// replaced; the input frame is not modified.
type Inpainter interface {
	Clean(ctx context.Context, frame images.Frame, mask images.Mask) (images.Frame, error)
}

// BatchInpainter cleans several frames with one call. It either returns one
// frame per input, in order, or an error and no frames.
type BatchInpainter interface {
	CleanBatch(ctx context.Context, frames []images.Frame, masks []images.Mask) ([]images.Frame, error)
}

// OpenCV inpaints with OpenCV's Telea or Navier-Stokes methods.
type OpenCV struct {
	radius  float32
	method  gocv.InpaintMethods
	workers int
	logger  *slog.Logger
}

// NewOpenCV creates an OpenCV inpainter.
//
// Arguments:
//   - cfg: The method, radius and batch worker count.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *OpenCV: The inpainter.
//   - error: An error if the method is unknown.
func NewOpenCV(cfg config.Inpaint, logger *slog.Logger) (*OpenCV, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var method gocv.InpaintMethods
	switch cfg.Method {
	case "telea", "":
		method = gocv.Telea
	case "ns":
		method = gocv.NS
	default:
		return nil, errors.Errorf("unknown inpaint method %q", cfg.Method)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	radius := cfg.Radius
	if radius <= 0 {
		radius = 3
	}

	return &OpenCV{radius: radius, method: method, workers: workers, logger: logger}, nil
}

// Clean implements Inpainter. An empty mask returns a copy of the frame.
func (o *OpenCV) Clean(ctx context.Context, frame images.Frame, mask images.Mask) (images.Frame, error) {
	if err := ctx.Err(); err != nil {
		return images.Frame{}, err
	}
	if !frame.Valid() || !mask.SameShape(frame.Width, frame.Height) {
		return images.Frame{}, errors.Wrapf(ErrShapeMismatch, "frame %d is %dx%d, mask is %dx%d",
			frame.Index, frame.Width, frame.Height, mask.Width, mask.Height)
	}
	if mask.Empty() {
		return frame.Clone(), nil
	}

	src, err := frame.ToMat()
	if err != nil {
		return images.Frame{}, err
	}
	defer src.Close()

	m, err := mask.ToMat()
	if err != nil {
		return images.Frame{}, err
	}
	defer m.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Inpaint(src, m, &dst, o.radius, o.method)

	out, err := images.FrameFromMat(frame.Index, dst)
	if err != nil {
		return images.Frame{}, errors.Wrapf(err, "inpaint frame %d", frame.Index)
	}
	return out, nil
}

// CleanBatch implements BatchInpainter, cleaning frames on a bounded worker pool.
func (o *OpenCV) CleanBatch(ctx context.Context, frames []images.Frame, masks []images.Mask) ([]images.Frame, error) {
	if len(frames) != len(masks) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d frames, %d masks", len(frames), len(masks))
	}

	out := make([]images.Frame, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i := range frames {
		g.Go(func() error {
			cleaned, err := o.Clean(gctx, frames[i], masks[i])
			if err != nil {
				return err
			}
			out[i] = cleaned
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Debug("batch inpainting failed", "frames", len(frames), "error", err)
		return nil, err
	}
	return out, nil
}
