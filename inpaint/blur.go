package inpaint

import (
	"context"
	"image"
	"log/slog"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
)

// blurPasses is the number of box passes; three approximate a Gaussian.
const blurPasses = 3

// Blur hides the masked region under a separable box blur. It is a cheap
// fallback for hardware where OpenCV inpainting is too slow.
type Blur struct {
	radius  int
	workers int
	logger  *slog.Logger
}

// NewBlur creates a blur cleaner.
//
// Arguments:
//   - cfg: The blur radius and worker count.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *Blur: The cleaner.
func NewBlur(cfg config.Inpaint, logger *slog.Logger) *Blur {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Blur{radius: max(1, cfg.BlurRadius), workers: workers, logger: logger}
}

// Clean implements Inpainter. Only the pixels under the mask change.
func (b *Blur) Clean(ctx context.Context, frame images.Frame, mask images.Mask) (images.Frame, error) {
	if err := ctx.Err(); err != nil {
		return images.Frame{}, err
	}
	if !frame.Valid() || !mask.SameShape(frame.Width, frame.Height) {
		return images.Frame{}, errors.Wrapf(ErrShapeMismatch, "frame %d is %dx%d, mask is %dx%d",
			frame.Index, frame.Width, frame.Height, mask.Width, mask.Height)
	}

	out := frame.Clone()
	bounds, ok := maskBounds(mask)
	if !ok {
		return out, nil
	}

	// The blur reads up to radius*passes pixels beyond the mask.
	region := bounds.Inset(-b.radius * blurPasses).Intersect(image.Rect(0, 0, frame.Width, frame.Height))
	w, h := region.Dx(), region.Dy()

	src := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		off := ((region.Min.Y+y)*frame.Width + region.Min.X) * 3
		copy(src[y*w*3:(y+1)*w*3], frame.Data[off:off+w*3])
	}
	tmp := make([]byte, len(src))
	for i := 0; i < blurPasses; i++ {
		b.parallel(h, func(y int) { blurRow(src, tmp, w, y, b.radius) })
		b.parallel(w, func(x int) { blurColumn(tmp, src, w, h, x, b.radius) })
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if mask.Data[y*mask.Width+x] == 0 {
				continue
			}
			dst := (y*frame.Width + x) * 3
			s := ((y-region.Min.Y)*w + (x - region.Min.X)) * 3
			copy(out.Data[dst:dst+3], src[s:s+3])
		}
	}
	return out, nil
}

// parallel runs fn over [0, n) in row or column chunks.
func (b *Blur) parallel(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(b.workers)
	chunk := chooseChunk(n)
	for start := 0; start < n; start += chunk {
		end := min(n, start+chunk)
		g.Go(func() error {
			for i := start; i < end; i++ {
				fn(i)
			}
			return nil
		})
	}
	g.Wait()
}

// maskBounds returns the smallest rectangle holding every non-zero mask pixel.
func maskBounds(m images.Mask) (image.Rectangle, bool) {
	r := image.Rectangle{Min: image.Pt(m.Width, m.Height)}
	found := false
	for y := 0; y < m.Height; y++ {
		row := m.Data[y*m.Width : (y+1)*m.Width]
		for x, v := range row {
			if v == 0 {
				continue
			}
			found = true
			r.Min.X, r.Min.Y = min(r.Min.X, x), min(r.Min.Y, y)
			r.Max.X, r.Max.Y = max(r.Max.X, x+1), max(r.Max.Y, y+1)
		}
	}
	return r, found
}

// blurRow box-blurs one BGR row of src into dst with a sliding window,
// clamping at the edges.
func blurRow(src, dst []byte, w, y, r int) {
	row := src[y*w*3 : (y+1)*w*3]
	out := dst[y*w*3 : (y+1)*w*3]
	window := 2*r + 1

	var sum [3]int
	for dx := -r; dx <= r; dx++ {
		p := clamp(dx, w) * 3
		sum[0] += int(row[p])
		sum[1] += int(row[p+1])
		sum[2] += int(row[p+2])
	}
	for x := 0; x < w; x++ {
		for c := 0; c < 3; c++ {
			out[x*3+c] = uint8((sum[c] + window/2) / window)
		}
		leave, enter := clamp(x-r, w)*3, clamp(x+r+1, w)*3
		for c := 0; c < 3; c++ {
			sum[c] += int(row[enter+c]) - int(row[leave+c])
		}
	}
}

// blurColumn is blurRow along column x.
func blurColumn(src, dst []byte, w, h, x, r int) {
	window := 2*r + 1
	at := func(y int) int { return (clamp(y, h)*w + x) * 3 }

	var sum [3]int
	for dy := -r; dy <= r; dy++ {
		p := at(dy)
		sum[0] += int(src[p])
		sum[1] += int(src[p+1])
		sum[2] += int(src[p+2])
	}
	for y := 0; y < h; y++ {
		o := (y*w + x) * 3
		for c := 0; c < 3; c++ {
			dst[o+c] = uint8((sum[c] + window/2) / window)
		}
		leave, enter := at(y-r), at(y+r+1)
		for c := 0; c < 3; c++ {
			sum[c] += int(src[enter+c]) - int(src[leave+c])
		}
	}
}

func clamp(i, n int) int {
	return min(n-1, max(0, i))
}

func chooseChunk(n int) int {
	switch {
	case n >= 2048:
		return 128
	case n >= 512:
		return 64
	default:
		return 32
	}
}

// New creates the cleaner named by cfg.Method.
//
// Arguments:
//   - cfg: The inpainting configuration.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - Inpainter: An *OpenCV for "telea" and "ns", a *Blur for "blur".
//   - error: An error if the method is unknown.
func New(cfg config.Inpaint, logger *slog.Logger) (Inpainter, error) {
	if cfg.Method == "blur" {
		return NewBlur(cfg, logger), nil
	}
	o, err := NewOpenCV(cfg, logger)
	if err != nil {
		return nil, err
	}
	return o, nil
}
