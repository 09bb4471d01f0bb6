package tracking

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
	"github.com/nvr-ai/go-unmark/internal/history"
)

const (
	positionScale         = 50.0
	sizeScale             = 20.0
	passThroughConfidence = 0.6
	maxSmoothingFactor    = 0.7
)

// SmootherStats summarizes the smoother's window.
type SmootherStats struct {
	DetectedFrames    int
	AverageConfidence float32
	AverageStability  float64
}

// Smoother is the final bbox pass: confidence-weighted averaging over a sliding
// window, skipped for tracks that are already stable.
//
// It is bound to one frame size and is not safe for concurrent use.
type Smoother struct {
	cfg           config.BBox
	width, height int

	bboxes      *history.Ring[*images.Rect]
	confidences *history.Ring[float32]
	stability   *history.Ring[float64]
}

// NewSmoother creates a smoother for width x height frames.
//
// Arguments:
//   - width: The frame width outputs are clamped to.
//   - height: The frame height outputs are clamped to.
//   - cfg: SmoothingWindow, StabilityThreshold and MinEdge are used.
//
// Returns:
//   - *Smoother: The smoother.
func NewSmoother(width, height int, cfg config.BBox) *Smoother {
	window := max(2, cfg.SmoothingWindow)
	return &Smoother{
		cfg:         cfg,
		width:       width,
		height:      height,
		bboxes:      history.NewRing[*images.Rect](window),
		confidences: history.NewRing[float32](window),
		stability:   history.NewRing[float64](window),
	}
}

// EnsureShape resets the smoother when the frame size changes.
func (s *Smoother) EnsureShape(width, height int) {
	if width == s.width && height == s.height {
		return
	}
	s.width, s.height = width, height
	s.Reset()
}

// Next smooths one frame's bbox.
//
// Arguments:
//   - bbox: The frame's bbox, or nil.
//   - confidence: The frame's confidence.
//
// Returns:
//   - *images.Rect: The smoothed bbox clamped to the frame, or nil when
//     bbox is nil and fewer than two valid bboxes precede it.
func (s *Smoother) Next(bbox *images.Rect, confidence float32) *images.Rect {
	if bbox == nil {
		prev := s.valid()
		s.push(nil, 0)
		if len(prev) < 2 {
			return nil
		}
		a, b := prev[len(prev)-2].bbox, prev[len(prev)-1].bbox
		mid := images.Rect{
			X1: (a.X1 + b.X1) / 2,
			Y1: (a.Y1 + b.Y1) / 2,
			X2: (a.X2 + b.X2) / 2,
			Y2: (a.Y2 + b.Y2) / 2,
		}
		return s.clamp(mid)
	}

	cur := *bbox
	s.push(&cur, confidence)
	score := s.StabilityScore()
	s.stability.Push(score)

	if score >= s.cfg.StabilityThreshold && confidence >= passThroughConfidence {
		return s.clamp(cur)
	}

	entries := s.valid()
	if len(entries) < 2 {
		return s.clamp(cur)
	}

	var x1, y1, x2, y2, total float64
	for i, e := range entries {
		rank := float64(len(entries) - i)
		w := float64(e.confidence) / rank
		x1 += float64(e.bbox.X1) * w
		y1 += float64(e.bbox.Y1) * w
		x2 += float64(e.bbox.X2) * w
		y2 += float64(e.bbox.Y2) * w
		total += w
	}
	if total <= 0 {
		return s.clamp(cur)
	}

	factor := math.Min(maxSmoothingFactor, 1-float64(confidence))
	blend := func(c int, avg float64) int {
		return int(math.Round(float64(c)*(1-factor) + avg/total*factor))
	}
	return s.clamp(images.Rect{
		X1: blend(cur.X1, x1),
		Y1: blend(cur.Y1, y1),
		X2: blend(cur.X2, x2),
		Y2: blend(cur.Y2, y2),
	})
}

// StabilityScore rates the window's valid bboxes in [0,1]; below two valid bboxes it is 0.
func (s *Smoother) StabilityScore() float64 {
	entries := s.valid()
	if len(entries) < 2 {
		return 0
	}

	cx := make([]float64, len(entries))
	cy := make([]float64, len(entries))
	w := make([]float64, len(entries))
	h := make([]float64, len(entries))
	for i, e := range entries {
		c := e.bbox.Center()
		cx[i], cy[i] = float64(c.X), float64(c.Y)
		w[i], h[i] = float64(e.bbox.Width()), float64(e.bbox.Height())
	}

	position := math.Max(0, 1-(populationStdDev(cx)+populationStdDev(cy))/2/positionScale)
	size := math.Max(0, 1-(populationStdDev(w)+populationStdDev(h))/2/sizeScale)
	return (position + size) / 2
}

// Reset clears the window.
func (s *Smoother) Reset() {
	s.bboxes.Reset()
	s.confidences.Reset()
	s.stability.Reset()
}

// Stats summarizes the window.
func (s *Smoother) Stats() SmootherStats {
	entries := s.valid()
	st := SmootherStats{DetectedFrames: len(entries)}
	if len(entries) > 0 {
		var sum float32
		for _, e := range entries {
			sum += e.confidence
		}
		st.AverageConfidence = sum / float32(len(entries))
	}
	if s.stability.Len() > 0 {
		st.AverageStability = stat.Mean(s.stability.Values(), nil)
	}
	return st
}

type smoothEntry struct {
	bbox       images.Rect
	confidence float32
}

func (s *Smoother) push(r *images.Rect, confidence float32) {
	s.bboxes.Push(r)
	s.confidences.Push(confidence)
}

func (s *Smoother) valid() []smoothEntry {
	var out []smoothEntry
	for i := 0; i < s.bboxes.Len(); i++ {
		if r := s.bboxes.At(i); r != nil {
			out = append(out, smoothEntry{bbox: *r, confidence: s.confidences.At(i)})
		}
	}
	return out
}

func (s *Smoother) clamp(r images.Rect) *images.Rect {
	c := images.ClampRect(r, s.width, s.height, s.cfg.MinEdge)
	return &c
}

// SmoothSequence runs a fresh smoother over a whole video's bboxes.
//
// Arguments:
//   - bboxes: One entry per frame; nil marks a frame without a bbox.
//   - confidences: One confidence per frame.
//   - width: The frame width.
//   - height: The frame height.
//   - cfg: The smoothing settings.
//
// Returns:
//   - []*images.Rect: The smoothed bboxes, one per frame.
func SmoothSequence(bboxes []*images.Rect, confidences []float32, width, height int, cfg config.BBox) []*images.Rect {
	s := NewSmoother(width, height, cfg)
	out := make([]*images.Rect, len(bboxes))
	for i, r := range bboxes {
		var conf float32
		if i < len(confidences) {
			conf = confidences[i]
		}
		out[i] = s.Next(r, conf)
	}
	return out
}
