package inference

import (
	"context"
	"log/slog"
	"math"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
)

// AssistedDetector backs a model detector with template matching. A template
// hit replaces a model miss, overrides a weaker model box by OverrideMargin,
// and is otherwise fused with the model box by confidence.
//
// It remembers the last located bbox to narrow the template search, so one
// instance serves one video; Reset clears it.
type AssistedDetector struct {
	model   Detector
	matcher Matcher
	cfg     config.Template
	logger  *slog.Logger

	last *images.Rect
}

// NewAssistedDetector wraps model with matcher.
//
// Arguments:
//   - model: The primary detector.
//   - matcher: The template matcher.
//   - cfg: The override margin.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *AssistedDetector: The decorated detector.
func NewAssistedDetector(model Detector, matcher Matcher, cfg config.Template, logger *slog.Logger) *AssistedDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssistedDetector{model: model, matcher: matcher, cfg: cfg, logger: logger}
}

// Detect implements Detector.
func (a *AssistedDetector) Detect(ctx context.Context, frame images.Frame) (Detection, error) {
	det, err := a.model.Detect(ctx, frame)
	if err != nil {
		return NotDetected(), err
	}
	return a.assist(frame, det)
}

// DetectBatch implements BatchDetector, batching the model when it supports it.
func (a *AssistedDetector) DetectBatch(ctx context.Context, frames []images.Frame) ([]Detection, error) {
	dets, err := DetectAll(ctx, a.model, frames)
	if err != nil {
		return nil, err
	}
	for i, f := range frames {
		if dets[i], err = a.assist(f, dets[i]); err != nil {
			return nil, err
		}
	}
	return dets, nil
}

// Reset forgets the last location and resets the model when it keeps state.
func (a *AssistedDetector) Reset() {
	a.last = nil
	if r, ok := a.model.(Resetter); ok {
		r.Reset()
	}
}

func (a *AssistedDetector) assist(frame images.Frame, det Detection) (Detection, error) {
	near := a.last
	if det.Valid() {
		near = det.BBox
	}

	tmpl, err := a.matcher.Match(frame, near)
	if err != nil {
		return NotDetected(), err
	}

	out := Fuse(det, tmpl, a.cfg.OverrideMargin)
	if out.Source != det.Source {
		a.logger.Debug("template assisted detection",
			"frame", frame.Index,
			"source", out.Source,
			"model_confidence", det.Confidence,
			"template_confidence", tmpl.Confidence,
		)
	}
	if out.Valid() {
		r := *out.BBox
		a.last = &r
	}
	return out, nil
}

// Fuse combines a model detection with a template detection. Overlapping
// boxes are averaged by confidence; disjoint ones are never merged and the
// more confident detection wins.
//
// Arguments:
//   - model: The model's detection.
//   - tmpl: The template's detection.
//   - margin: How far the template score must exceed the model's to replace it.
//
// Returns:
//   - Detection: The combined detection.
func Fuse(model, tmpl Detection, margin float32) Detection {
	switch {
	case !tmpl.Valid():
		return model
	case !model.Valid():
		return tmpl
	case tmpl.Confidence >= model.Confidence+margin:
		return tmpl
	case images.CalculateIoU(*model.BBox, *tmpl.BBox) == 0:
		if tmpl.Confidence > model.Confidence {
			return tmpl
		}
		return model
	}

	wm, wt := float64(model.Confidence), float64(tmpl.Confidence)
	if wm+wt <= 0 {
		wm, wt = 1, 1
	}
	mix := func(m, t int) int {
		return int(math.Round((float64(m)*wm + float64(t)*wt) / (wm + wt)))
	}
	mb, tb := *model.BBox, *tmpl.BBox
	fused := images.Rect{
		X1: mix(mb.X1, tb.X1),
		Y1: mix(mb.Y1, tb.Y1),
		X2: mix(mb.X2, tb.X2),
		Y2: mix(mb.Y2, tb.Y2),
	}

	out := Found(fused, max(model.Confidence, tmpl.Confidence))
	out.Source = SourceFused
	return out
}
