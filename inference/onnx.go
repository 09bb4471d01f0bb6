package inference

import (
	"context"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
)

// ONNXDetector runs a single-class YOLOv8 watermark model and reports the
// best box per frame.
type ONNXDetector struct {
	cfg     config.Inference
	session *Session
	logger  *slog.Logger
}

// NewONNXDetector loads the model.
//
// Arguments:
//   - cfg: The model, runtime and threshold settings.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *ONNXDetector: The detector.
//   - error: An error if the runtime or model cannot be loaded.
func NewONNXDetector(cfg config.Inference, logger *slog.Logger) (*ONNXDetector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	session, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("watermark model loaded", "model", cfg.ModelPath, "provider", cfg.Provider, "input", cfg.InputSize)
	return &ONNXDetector{cfg: cfg, session: session, logger: logger}, nil
}

// Detect implements Detector.
func (d *ONNXDetector) Detect(ctx context.Context, frame images.Frame) (Detection, error) {
	dets, err := d.DetectBatch(ctx, []images.Frame{frame})
	if err != nil {
		return NotDetected(), err
	}
	return dets[0], nil
}

// DetectBatch implements BatchDetector with one model run per call.
func (d *ONNXDetector) DetectBatch(ctx context.Context, frames []images.Frame) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}

	size := d.cfg.InputSize
	slot := 3 * size * size
	input := make([]float32, len(frames)*slot)
	boxes := make([]Letterbox, len(frames))
	for i, f := range frames {
		lb, err := PrepareInput(f, size, input[i*slot:(i+1)*slot])
		if err != nil {
			return nil, err
		}
		boxes[i] = lb
	}

	anchors := Anchors(size)
	shape := ort.NewShape(int64(len(frames)), int64(4+d.cfg.Classes), int64(anchors))
	output, err := d.session.Run(input, len(frames), size, shape)
	if err != nil {
		return nil, err
	}

	dets, classes := DecodeYOLO(output, d.cfg.Classes, anchors, boxes, d.cfg.Confidence)
	for i, det := range dets {
		if det.Valid() {
			d.logger.Debug("watermark detected",
				"frame", frames[i].Index,
				"label", d.label(classes[i]),
				"confidence", det.Confidence,
				"bbox", det.BBox.Rectangle(),
			)
		}
	}
	return dets, nil
}

func (d *ONNXDetector) label(class int) string {
	if class >= 0 && class < len(d.cfg.Labels) {
		return d.cfg.Labels[class]
	}
	return "watermark"
}

// Metrics returns the session timings.
func (d *ONNXDetector) Metrics() SessionMetrics {
	return d.session.Metrics()
}

// Close releases the model session.
func (d *ONNXDetector) Close() {
	d.session.Close()
}
