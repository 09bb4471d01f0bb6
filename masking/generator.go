// Package masking - Adaptive inpainting masks derived from stabilized bboxes.
package masking

import (
	"image"
	"image/color"
	"log/slog"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
	"github.com/nvr-ai/go-unmark/internal/history"
)

const (
	highConfidence   = 0.8
	mediumConfidence = 0.5
	smallBBoxEdge    = 50
	largeBBoxEdge    = 200
	bboxChangeLimit  = 0.3
	blendHistory     = 3
	currentWeight    = 0.5
)

// blendWeights apply to the previous masks, oldest first.
var blendWeights = [blendHistory]float64{0.3, 0.4, 0.3}

// Generator builds per-frame masks whose dilation adapts to confidence, bbox
// size and frame-to-frame movement, and blends each mask with its predecessors.
//
// Adaptive is safe for concurrent use; Generate and Blend keep per-video
// history and must be called in frame order from one goroutine.
type Generator struct {
	cfg    config.Mask
	logger *slog.Logger

	width, height int
	bboxes        *history.Ring[images.Rect]
	masks         *history.Ring[images.Mask]
}

// NewGenerator creates a generator with empty history.
//
// Arguments:
//   - cfg: The base dilation kernel, iterations and history size.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *Generator: The generator.
func NewGenerator(cfg config.Mask, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cfg:    cfg,
		logger: logger,
		bboxes: history.NewRing[images.Rect](max(1, cfg.HistorySize)),
		masks:  history.NewRing[images.Mask](blendHistory),
	}
}

// Generate builds the mask for one frame and blends it with the recent masks
// when the frame continues a sequence.
//
// Arguments:
//   - frameIdx: The frame's index in the video.
//   - width: The frame width.
//   - height: The frame height.
//   - bbox: The stabilized bbox.
//   - confidence: The bbox confidence.
//   - previous: The previous frame's bbox, or nil.
//
// Returns:
//   - images.Mask: The frame's mask.
//   - error: An error if OpenCV rejects a morphology step.
func (g *Generator) Generate(frameIdx, width, height int, bbox images.Rect, confidence float32, previous *images.Rect) (images.Mask, error) {
	g.EnsureShape(width, height)
	mask, err := g.Adaptive(width, height, bbox, confidence, previous)
	if err != nil {
		return mask, err
	}
	return g.Blend(frameIdx, bbox, mask), nil
}

// EnsureShape clears the history when the frame size changes.
func (g *Generator) EnsureShape(width, height int) {
	if width == g.width && height == g.height {
		return
	}
	if g.width != 0 || g.height != 0 {
		g.logger.Debug("mask generator reset for new frame size",
			"from", image.Pt(g.width, g.height),
			"to", image.Pt(width, height),
		)
	}
	g.width, g.height = width, height
	g.Reset()
}

// Reset clears the bbox and mask history.
func (g *Generator) Reset() {
	g.bboxes.Reset()
	g.masks.Reset()
}

// HasHistory reports whether any mask has been recorded since the last reset.
func (g *Generator) HasHistory() bool {
	return g.bboxes.Len() > 0
}

// Blend records mask and returns it combined with up to three previous masks.
// Blending applies when frameIdx > 0 or the generator has history. The result
// is binary; any pixel carried by the weighted sum is foreground.
//
// Arguments:
//   - frameIdx: The frame's index in the video.
//   - bbox: The bbox the mask was built from.
//   - mask: The adaptive mask for the frame.
//
// Returns:
//   - images.Mask: The blended mask.
func (g *Generator) Blend(frameIdx int, bbox images.Rect, mask images.Mask) images.Mask {
	g.EnsureShape(mask.Width, mask.Height)

	out := mask
	if (frameIdx > 0 || g.HasHistory()) && g.bboxes.Len() >= 2 {
		out = blend(mask, g.masks.Values())
	}

	g.bboxes.Push(bbox)
	g.masks.Push(mask)
	return out
}

func blend(current images.Mask, previous []images.Mask) images.Mask {
	out := images.NewMask(current.Width, current.Height)
	offset := len(blendWeights) - len(previous)
	for i := range out.Data {
		v := currentWeight * float64(current.Data[i])
		for j, m := range previous {
			v += blendWeights[offset+j] * float64(m.Data[i])
		}
		if v > 0 {
			out.Data[i] = 255
		}
	}
	return out
}

// Adaptive builds a frame's mask without touching the generator's history.
//
// The bbox is rasterized, dilated with parameters chosen by DilationParams,
// edge-optimized so the largest region is solid, and post-processed by a
// confidence tier.
//
// Arguments:
//   - width: The frame width.
//   - height: The frame height.
//   - bbox: The bbox to mask.
//   - confidence: The bbox confidence.
//   - previous: The previous frame's bbox, or nil.
//
// Returns:
//   - images.Mask: The mask.
//   - error: An error if OpenCV rejects a morphology step.
func (g *Generator) Adaptive(width, height int, bbox images.Rect, confidence float32, previous *images.Rect) (images.Mask, error) {
	kernel, iterations := DilationParams(g.cfg, bbox, confidence, previous)

	base := images.NewMask(width, height)
	base.Fill(bbox)
	mat, err := base.ToMat()
	if err != nil {
		return base, err
	}
	defer mat.Close()

	if err := images.DilateEllipse(mat, &mat, kernel, iterations); err != nil {
		return base, errors.Wrap(err, "adaptive dilation")
	}

	filled, err := fillLargestRegion(mat)
	if err != nil {
		return base, err
	}
	defer filled.Close()

	if err := postProcess(filled, confidence); err != nil {
		return base, err
	}
	return images.MaskFromMat(filled)
}

// DilationParams chooses the dilation kernel size and iteration count.
//
// High confidence shrinks the base kernel, low confidence grows it; small boxes
// get extra dilation and large ones less; a large change against the previous
// bbox adds a safety margin.
//
// Arguments:
//   - cfg: The base kernel and iterations.
//   - bbox: The frame's bbox.
//   - confidence: The bbox confidence.
//   - previous: The previous frame's bbox, or nil.
//
// Returns:
//   - int: The kernel size.
//   - int: The iteration count.
func DilationParams(cfg config.Mask, bbox images.Rect, confidence float32, previous *images.Rect) (int, int) {
	kernel, iterations := cfg.DilationKernel, cfg.DilationIterations
	switch {
	case confidence >= highConfidence:
		kernel, iterations = max(3, kernel-2), max(1, iterations-1)
	case confidence >= mediumConfidence:
	default:
		kernel, iterations = kernel+2, iterations+1
	}

	switch edge := max(bbox.Width(), bbox.Height()); {
	case edge < smallBBoxEdge:
		kernel, iterations = kernel+2, iterations+1
	case edge > largeBBoxEdge:
		kernel, iterations = max(3, kernel-2), max(1, iterations-1)
	}

	if previous != nil && BBoxChange(bbox, *previous) > bboxChangeLimit {
		kernel, iterations = kernel+1, iterations+1
	}

	return kernel, iterations
}

// BBoxChange scores the movement between two bboxes in [0,1] from the center
// shift (per 100px) and the relative area change.
func BBoxChange(current, previous images.Rect) float64 {
	move := images.CenterDistance(current, previous) / 100
	a, b := float64(current.Area()), float64(previous.Area())
	size := 0.0
	if m := math.Max(a, b); m > 0 {
		size = math.Abs(a-b) / m
	}
	return math.Min(1, move+size)
}

// fillLargestRegion ORs the closed edges of mask back into it and returns a
// new mask with only its largest external contour, filled. The caller closes the result.
func fillLargestRegion(mask gocv.Mat) (gocv.Mat, error) {
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(mask, &edges, 50, 150)

	closeKernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(3, 3))
	defer closeKernel.Close()
	gocv.MorphologyEx(edges, &edges, gocv.MorphClose, closeKernel)

	combined := gocv.NewMat()
	defer combined.Close()
	gocv.BitwiseOr(mask, edges, &combined)

	contours := gocv.FindContours(combined, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	out := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), mask.Rows(), mask.Cols(), gocv.MatTypeCV8UC1)
	if contours.Size() == 0 {
		combined.CopyTo(&out)
		return out, nil
	}

	largest, area := 0, -1.0
	for i := 0; i < contours.Size(); i++ {
		if a := gocv.ContourArea(contours.At(i)); a > area {
			largest, area = i, a
		}
	}

	region := gocv.NewPointsVectorFromPoints([][]image.Point{contours.At(largest).ToPoints()})
	defer region.Close()
	gocv.FillPoly(&out, region, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	return out, nil
}

// postProcess applies the confidence tier's final dilation in place.
func postProcess(mask gocv.Mat, confidence float32) error {
	switch {
	case confidence >= highConfidence:
		return images.DilateEllipse(mask, &mask, 3, 1)
	case confidence >= mediumConfidence:
		return images.DilateEllipse(mask, &mask, 5, 2)
	default:
		if err := images.DilateEllipse(mask, &mask, 7, 3); err != nil {
			return err
		}
		return images.DilateEllipse(mask, &mask, 3, 1)
	}
}
