package tracking

import (
	"image"
	"log/slog"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
	"github.com/nvr-ai/go-unmark/inference"
	"github.com/nvr-ai/go-unmark/internal/history"
)

const (
	velocityWindow     = 5
	accelerationWindow = 3
	recentRateWindow   = 5
	averageWindow      = 3
	minMissedHistory   = 3
)

// vec is a per-frame center displacement.
type vec struct{ X, Y float64 }

// MissedStats summarizes the handler's history.
type MissedStats struct {
	DetectionRate    float64
	Interpolations   int
	MotionModelReady bool
	HistoryLength    int
}

// MissedHandler fills frames without an accepted detection from a motion
// model built over consecutive accepted bbox centers.
//
// It is not safe for concurrent use.
type MissedHandler struct {
	cfg    config.Detection
	logger *slog.Logger

	accepted    *history.Ring[bool]
	bboxes      *history.Ring[*images.Rect]
	confidences *history.Ring[float32]

	velocities    *history.Ring[vec]
	accelerations *history.Ring[vec]
	lastCenter    *image.Point

	interpolations int
	width, height  int
}

// NewMissedHandler creates a handler with empty history.
//
// Arguments:
//   - cfg: The detection settings; MissedHistory sizes the window and
//     MaxJumpDistance bounds motion predictions.
//   - logger: The logger for interpolation decisions; nil means slog.Default().
//
// Returns:
//   - *MissedHandler: The handler.
func NewMissedHandler(cfg config.Detection, logger *slog.Logger) *MissedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	size := max(minMissedHistory, cfg.MissedHistory)
	return &MissedHandler{
		cfg:           cfg,
		logger:        logger,
		accepted:      history.NewRing[bool](size),
		bboxes:        history.NewRing[*images.Rect](size),
		confidences:   history.NewRing[float32](size),
		velocities:    history.NewRing[vec](velocityWindow),
		accelerations: history.NewRing[vec](accelerationWindow),
	}
}

// Process passes accepted detections through, updating the motion model, and
// synthesizes a bbox for frames whose detection is missing or only held.
//
// Arguments:
//   - det: The consistency detector's output for the frame.
//   - frameIdx: The frame index, used for logging.
//
// Returns:
//   - inference.Detection: det, or an interpolated detection when one could be built.
func (h *MissedHandler) Process(det inference.Detection, frameIdx int) inference.Detection {
	if det.Valid() && !det.Interpolated {
		h.observe(*det.BBox)
		h.record(true, det.BBox, det.Confidence)
		return det
	}

	out, ok := h.interpolate()
	if !ok {
		if det.Valid() {
			h.record(false, det.BBox, 0)
		} else {
			h.record(false, nil, 0)
		}
		return det
	}

	h.interpolations++
	h.logger.Debug("interpolated missed detection",
		"frame", frameIdx,
		"source", out.Source,
		"bbox", *out.BBox,
		"confidence", out.Confidence,
	)
	h.record(false, out.BBox, 0)
	return out
}

func (h *MissedHandler) record(accepted bool, r *images.Rect, confidence float32) {
	if r != nil {
		c := *r
		r = &c
	}
	h.accepted.Push(accepted)
	h.bboxes.Push(r)
	h.confidences.Push(confidence)
}

// observe updates velocity and acceleration from an accepted bbox.
func (h *MissedHandler) observe(r images.Rect) {
	c := r.Center()
	if h.lastCenter != nil {
		v := vec{X: float64(c.X - h.lastCenter.X), Y: float64(c.Y - h.lastCenter.Y)}
		if prev, ok := h.velocities.Last(); ok {
			h.accelerations.Push(vec{X: v.X - prev.X, Y: v.Y - prev.Y})
		}
		h.velocities.Push(v)
	}
	h.lastCenter = &c
}

func (h *MissedHandler) interpolate() (inference.Detection, bool) {
	if h.bboxes.Len() < minMissedHistory {
		return inference.Detection{}, false
	}
	if rate(h.accepted.Tail(recentRateWindow)) < h.cfg.ContinueRateFloor {
		return inference.Detection{}, false
	}

	valid := h.validBBoxes()
	if len(valid) == 0 {
		return inference.Detection{}, false
	}

	var (
		r      images.Rect
		source inference.Source
	)
	if p, ok := h.predictMotion(valid[len(valid)-1]); ok {
		r, source = p, inference.SourceMotion
	} else if len(valid) >= 2 {
		r, source = weightedAverage(valid[max(0, len(valid)-averageWindow):]), inference.SourceAverage
	} else {
		r, source = valid[len(valid)-1], inference.SourceCarried
	}
	if h.width > 0 && h.height > 0 {
		r = images.ClampRect(r, h.width, h.height, 1)
	}

	return inference.Detection{
		Detected:     true,
		BBox:         &r,
		Confidence:   h.interpolatedConfidence(),
		Interpolated: true,
		Source:       source,
	}, true
}

// predictMotion projects last by the mean recent velocity plus half the mean recent acceleration.
func (h *MissedHandler) predictMotion(last images.Rect) (images.Rect, bool) {
	if h.velocities.Len() == 0 {
		return images.Rect{}, false
	}

	v := meanVec(h.velocities.Values())
	a := vec{}
	if h.accelerations.Len() >= 2 {
		a = meanVec(h.accelerations.Values())
	}

	c := last.Center()
	cx := c.X + int(v.X+0.5*a.X)
	cy := c.Y + int(v.Y+0.5*a.Y)
	w, ht := last.Width(), last.Height()
	x1, y1 := cx-w/2, cy-ht/2
	predicted := images.Rect{X1: x1, Y1: y1, X2: x1 + w, Y2: y1 + ht}

	if predicted.Empty() || last.Area() == 0 {
		return images.Rect{}, false
	}
	ratio := float64(predicted.Area()) / float64(last.Area())
	if ratio < 0.5 || ratio > 2.0 {
		return images.Rect{}, false
	}
	if images.CenterDistance(predicted, last) > 1.5*h.cfg.MaxJumpDistance {
		return images.Rect{}, false
	}

	return predicted, true
}

// interpolatedConfidence blends the recent detection rate with the recent
// accepted confidence, scaled below what a real detection would report.
func (h *MissedHandler) interpolatedConfidence() float32 {
	if h.accepted.Len() < minMissedHistory {
		return 0.3
	}

	r := float32(rate(h.accepted.Tail(recentRateWindow)))

	var sum float32
	var n int
	for _, c := range h.confidences.Tail(recentRateWindow) {
		if c > 0 {
			sum += c
			n++
		}
	}
	avg := float32(0.5)
	if n > 0 {
		avg = sum / float32(n)
	}

	conf := (r*0.6 + avg*0.4) * 0.8
	return math32.Max(0.2, math32.Min(0.8, conf))
}

func (h *MissedHandler) validBBoxes() []images.Rect {
	var out []images.Rect
	for _, r := range h.bboxes.Values() {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// EnsureShape sets the frame size interpolated bboxes are clipped to,
// resetting the history when it changes.
func (h *MissedHandler) EnsureShape(width, height int) {
	if width == h.width && height == h.height {
		return
	}
	h.Reset()
	h.width, h.height = width, height
}

// Reset clears the history and the motion model.
func (h *MissedHandler) Reset() {
	h.accepted.Reset()
	h.bboxes.Reset()
	h.confidences.Reset()
	h.velocities.Reset()
	h.accelerations.Reset()
	h.lastCenter = nil
	h.interpolations = 0
}

// Stats summarizes the handler's history.
func (h *MissedHandler) Stats() MissedStats {
	return MissedStats{
		DetectionRate:    rate(h.accepted.Values()),
		Interpolations:   h.interpolations,
		MotionModelReady: h.velocities.Len() > 0,
		HistoryLength:    h.bboxes.Len(),
	}
}

func meanVec(vs []vec) vec {
	var m vec
	for _, v := range vs {
		m.X += v.X
		m.Y += v.Y
	}
	n := float64(len(vs))
	return vec{X: m.X / n, Y: m.Y / n}
}

// weightedAverage averages boxes with linearly increasing weight towards the newest.
func weightedAverage(rs []images.Rect) images.Rect {
	var x1, y1, x2, y2, total float64
	for i, r := range rs {
		w := float64(i + 1)
		x1 += float64(r.X1) * w
		y1 += float64(r.Y1) * w
		x2 += float64(r.X2) * w
		y2 += float64(r.Y2) * w
		total += w
	}
	return images.Rect{
		X1: int(x1 / total),
		Y1: int(y1 / total),
		X2: int(x2 / total),
		Y2: int(y2 / total),
	}
}
