// Package tracking - Temporal stabilization of per-frame watermark detections.
package tracking

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
	"github.com/nvr-ai/go-unmark/inference"
	"github.com/nvr-ai/go-unmark/internal/history"
)

// StableState is the consistency detector's memory of its last trusted bbox.
type StableState struct {
	Count          uint32
	LastBBox       *images.Rect
	LastConfidence float32
}

// ConsistencyStats summarizes the detector's recent windows.
type ConsistencyStats struct {
	DetectionRate     float64
	AverageConfidence float32
	StableCount       uint32
	HasStable         bool
	HistoryLength     int
}

// ConsistencyDetector decides per frame whether a raw detection is trusted,
// held over from the last stable detection, or dropped.
//
// It is Idle while it has no stable bbox and Stable otherwise. A detector holds
// state for one video and is not safe for concurrent use.
type ConsistencyDetector struct {
	cfg    config.Detection
	logger *slog.Logger

	detected    *history.Ring[bool]
	bboxes      *history.Ring[*images.Rect]
	confidences *history.Ring[float32]
	// accepted holds the bboxes the detector trusted, newest last.
	accepted *history.Ring[images.Rect]

	state StableState
}

// NewConsistencyDetector creates an Idle detector.
//
// Arguments:
//   - cfg: The detection thresholds and window sizes.
//   - logger: The logger for per-frame decisions; nil means slog.Default().
//
// Returns:
//   - *ConsistencyDetector: The detector.
func NewConsistencyDetector(cfg config.Detection, logger *slog.Logger) *ConsistencyDetector {
	if logger == nil {
		logger = slog.Default()
	}
	window := max(1, cfg.ConsistencyWindow)
	return &ConsistencyDetector{
		cfg:         cfg,
		logger:      logger,
		detected:    history.NewRing[bool](window),
		bboxes:      history.NewRing[*images.Rect](window),
		confidences: history.NewRing[float32](window),
		accepted:    history.NewRing[images.Rect](window),
	}
}

// Process classifies one raw detection.
//
// Arguments:
//   - raw: The detector output for the frame.
//   - frameIdx: The frame index, used for logging.
//
// Returns:
//   - inference.Detection: The accepted detection, the held last-stable bbox
//     marked interpolated, or NotDetected.
func (d *ConsistencyDetector) Process(raw inference.Detection, frameIdx int) inference.Detection {
	valid := raw.Valid()
	d.detected.Push(valid)
	if valid {
		r := *raw.BBox
		d.bboxes.Push(&r)
		d.confidences.Push(raw.Confidence)
	} else {
		d.bboxes.Push(nil)
		d.confidences.Push(0)
	}

	if valid && raw.Confidence >= d.cfg.HighConfidence {
		return d.accept(raw)
	}

	if valid && raw.Confidence >= d.cfg.MinConfidence {
		if d.consistent(*raw.BBox) {
			return d.accept(raw)
		}
		if d.state.LastBBox != nil {
			d.logger.Debug("rejected inconsistent detection",
				"frame", frameIdx,
				"confidence", raw.Confidence,
				"bbox", *raw.BBox,
			)
			return d.held()
		}
	}

	if d.state.LastBBox != nil {
		if d.detectionRate() >= d.cfg.ContinueRateFloor {
			return d.held()
		}
		d.logger.Debug("stable detection lost", "frame", frameIdx, "rate", d.detectionRate())
		d.resetStable()
	}

	return inference.NotDetected()
}

// accept records raw as the new stable detection.
func (d *ConsistencyDetector) accept(raw inference.Detection) inference.Detection {
	r := *raw.BBox
	d.state.Count++
	d.state.LastBBox = &r
	d.state.LastConfidence = raw.Confidence
	d.accepted.Push(r)

	emitted := r
	out := raw
	out.BBox = &emitted
	out.Stable = true
	out.Interpolated = false
	return out
}

// held re-emits the last stable bbox.
func (d *ConsistencyDetector) held() inference.Detection {
	r := *d.state.LastBBox
	return inference.Detection{
		Detected:     true,
		BBox:         &r,
		Confidence:   d.state.LastConfidence,
		Interpolated: true,
		Source:       inference.SourceHeld,
	}
}

// consistent checks r against the recently accepted bboxes and the recent confidences.
func (d *ConsistencyDetector) consistent(r images.Rect) bool {
	if d.bboxes.Len() < 2 {
		return true
	}

	for _, prev := range d.accepted.Tail(d.cfg.ConsistencyWindow) {
		if images.CenterDistance(r, prev) > d.cfg.MaxJumpDistance {
			return false
		}
	}

	var recent []float64
	for _, c := range d.confidences.Values() {
		if c > 0 {
			recent = append(recent, float64(c))
		}
	}
	if len(recent) >= d.cfg.MinConsistentFrames {
		recent = recent[len(recent)-d.cfg.MinConsistentFrames:]
		if populationStdDev(recent) > d.cfg.ConfidenceStdCeiling {
			return false
		}
	}

	return true
}

func (d *ConsistencyDetector) detectionRate() float64 {
	return rate(d.detected.Values())
}

func (d *ConsistencyDetector) resetStable() {
	d.state = StableState{}
	d.accepted.Reset()
}

// Reset returns the detector to Idle and clears every window.
func (d *ConsistencyDetector) Reset() {
	d.resetStable()
	d.detected.Reset()
	d.bboxes.Reset()
	d.confidences.Reset()
}

// State returns a copy of the stable state.
func (d *ConsistencyDetector) State() StableState {
	s := d.state
	if s.LastBBox != nil {
		r := *s.LastBBox
		s.LastBBox = &r
	}
	return s
}

// Stats summarizes the current windows.
func (d *ConsistencyDetector) Stats() ConsistencyStats {
	var sum float32
	var n int
	for _, c := range d.confidences.Values() {
		if c > 0 {
			sum += c
			n++
		}
	}
	avg := float32(0)
	if n > 0 {
		avg = sum / float32(n)
	}
	return ConsistencyStats{
		DetectionRate:     d.detectionRate(),
		AverageConfidence: avg,
		StableCount:       d.state.Count,
		HasStable:         d.state.LastBBox != nil,
		HistoryLength:     d.detected.Len(),
	}
}

// rate returns the fraction of true values, 0 for an empty slice.
func rate(flags []bool) float64 {
	if len(flags) == 0 {
		return 0
	}
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return float64(n) / float64(len(flags))
}

// populationStdDev returns the standard deviation with an n denominator.
func populationStdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	_, variance := stat.MeanVariance(xs, nil)
	n := float64(len(xs))
	return math.Sqrt(variance * (n - 1) / n)
}
