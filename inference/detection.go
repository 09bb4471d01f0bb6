// Package inference - Watermark detectors and the detection result they produce.
package inference

import (
	"context"
	"image"

	"github.com/nvr-ai/go-unmark/images"
)

// Source records which stage produced a detection's bbox.
type Source string

const (
	// SourceModel is a raw detector output.
	SourceModel Source = "model"
	// SourceTemplate is a template-matching hit.
	SourceTemplate Source = "template"
	// SourceFused is a model and template fusion.
	SourceFused Source = "fused"
	// SourceHeld is the last stable bbox re-emitted by the consistency detector.
	SourceHeld Source = "held"
	// SourceMotion is a motion-model projection.
	SourceMotion Source = "motion"
	// SourceAverage is a recency-weighted average of recent bboxes.
	SourceAverage Source = "average"
	// SourceCarried is the most recent valid bbox carried forward.
	SourceCarried Source = "carried"
	// SourceGapFill is a changepoint interval average.
	SourceGapFill Source = "gapfill"
	// SourceSmoothed is a smoother output that differs from its input.
	SourceSmoothed Source = "smoothed"
)

// Detection is the per-frame watermark location as it moves through the
// stabilization stages. Stages return modified copies and never mutate their input.
type Detection struct {
	Detected bool
	// BBox is nil when the frame has no location.
	BBox       *images.Rect
	Confidence float32
	// Stable marks a bbox accepted by the consistency detector.
	Stable bool
	// Interpolated marks a bbox synthesized rather than freshly detected.
	Interpolated bool
	Source       Source
}

// NotDetected returns the empty detection.
func NotDetected() Detection {
	return Detection{}
}

// Found returns a raw detection at r.
func Found(r images.Rect, confidence float32) Detection {
	return Detection{Detected: true, BBox: &r, Confidence: confidence, Source: SourceModel}
}

// Valid reports whether the detection carries a bbox.
func (d Detection) Valid() bool {
	return d.Detected && d.BBox != nil
}

// Center returns the bbox midpoint.
func (d Detection) Center() (image.Point, bool) {
	if d.BBox == nil {
		return image.Point{}, false
	}
	return d.BBox.Center(), true
}

// WithBBox returns a copy carrying r.
func (d Detection) WithBBox(r images.Rect) Detection {
	d.BBox = &r
	d.Detected = true
	return d
}

// Detector locates the watermark in a single frame.
//
// A frame without a watermark returns NotDetected and a nil error; errors are
// reserved for failures of the detector itself.
type Detector interface {
	Detect(ctx context.Context, frame images.Frame) (Detection, error)
}

// BatchDetector locates the watermark in several frames with one call.
// The result has one entry per frame, in order.
type BatchDetector interface {
	DetectBatch(ctx context.Context, frames []images.Frame) ([]Detection, error)
}

// Resetter is implemented by detectors that carry per-video state.
type Resetter interface {
	Reset()
}

// DetectAll runs a batch through d, using DetectBatch when d implements it.
//
// Arguments:
//   - ctx: The context for the call.
//   - d: The detector.
//   - frames: The frames to process, in order.
//
// Returns:
//   - []Detection: One detection per frame.
//   - error: The first detector error.
func DetectAll(ctx context.Context, d Detector, frames []images.Frame) ([]Detection, error) {
	if bd, ok := d.(BatchDetector); ok {
		return bd.DetectBatch(ctx, frames)
	}
	out := make([]Detection, len(frames))
	for i, f := range frames {
		det, err := d.Detect(ctx, f)
		if err != nil {
			return nil, err
		}
		out[i] = det
	}
	return out, nil
}
