package pipeline

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-unmark/images"
	"github.com/nvr-ai/go-unmark/inference"
	"github.com/nvr-ai/go-unmark/inpaint"
	"github.com/nvr-ai/go-unmark/media"
	"github.com/nvr-ai/go-unmark/memory"
)

// runBatched processes the video in memory-sized batches: one detector call
// per batch, per-frame consistency checks in order, masks generated in
// parallel and blended in order, and one inpainting call per batch with a
// per-frame fallback.
func (p *Pipeline) runBatched(ctx context.Context, src media.FrameSource, sink media.FrameSink, progress *progress) (Result, error) {
	var (
		result   Result
		state    = p.newVideoState()
		info     = src.Info()
		shape    = memory.FrameShape{Height: info.Height, Width: info.Width, Channels: 3}
		size     = p.memory.OptimalBatchSize(p.cfg.Batch.Size, shape)
		previous *images.Rect
		next     int
	)
	p.logger.Info("batched processing", "batch_size", size)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := readBatch(src, size, next)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}
		next += len(batch)
		p.profiler.Observe("batch_size", float64(len(batch)))

		tracks, masks := p.prepareBatch(ctx, state, batch, previous, &result)
		previous = tracks[len(tracks)-1].BBox

		stop := p.profiler.StartOperation("inpaint")
		cleaned := p.cleanBatch(ctx, batch, masks, tracks, &result)
		stop()

		stop = p.profiler.StartOperation("write")
		for i, frame := range cleaned {
			if err := sink.Write(frame); err != nil {
				stop()
				return result, errors.Wrapf(err, "write frame %d", frame.Index)
			}
			result.add(tracks[i])
		}
		stop()

		result.Stats.Batches++
		if result.Stats.Batches%max(1, p.cfg.Batch.CleanupEveryBatches) == 0 {
			p.memory.Cleanup()
			if resized := p.memory.OptimalBatchSize(p.cfg.Batch.Size, shape); resized != size {
				p.logger.Info("batch size changed", "from", size, "to", resized)
				size = resized
			}
		}
		progress.span(next, info.TotalFrames, 0, 95)
	}

	if result.Stats.Frames == 0 {
		return result, ErrNoFrames
	}
	state.logStats(p.logger)
	progress.report(95)
	return result, nil
}

// readBatch reads up to size frames, numbering them from first.
func readBatch(src media.FrameSource, size, first int) ([]images.Frame, error) {
	batch := make([]images.Frame, 0, size)
	for len(batch) < size {
		frame, err := src.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read frame %d", first+len(batch))
		}
		frame.Index = first + len(batch)
		batch = append(batch, frame)
	}
	return batch, nil
}

// prepareBatch detects, stabilizes and masks a batch. previous is the bbox
// of the frame before the batch.
func (p *Pipeline) prepareBatch(ctx context.Context, state *videoState, batch []images.Frame, previous *images.Rect, result *Result) ([]FrameTrack, []images.Mask) {
	stop := p.profiler.StartOperation("detect")
	dets := p.detectBatch(ctx, batch, result)
	stop()

	stop = p.profiler.StartOperation("stabilize")
	tracks := make([]FrameTrack, len(batch))
	for i, frame := range batch {
		state.ensureShape(frame.Width, frame.Height)
		raw := p.pad(dets[i], frame.Width, frame.Height)
		stable := state.consistency.Process(raw, frame.Index)
		tracks[i] = FrameTrack{Index: frame.Index, Raw: raw, Stabilized: stable}
		tracks[i].BBox, tracks[i].Confidence = p.usable(stable)
		if tracks[i].BBox != nil {
			tracks[i].Source = stable.Source
		}
	}
	stop()

	stop = p.profiler.StartOperation("mask")
	defer stop()

	adaptive := make([]images.Mask, len(batch))
	built := make([]bool, len(batch))
	var g errgroup.Group
	g.SetLimit(p.workers())
	for i, frame := range batch {
		t := tracks[i]
		if t.BBox == nil {
			continue
		}
		prev := previous
		if i > 0 {
			prev = tracks[i-1].BBox
		}
		g.Go(func() error {
			m, err := state.masks.Adaptive(frame.Width, frame.Height, *t.BBox, t.Confidence, prev)
			if err != nil {
				p.logger.Error("mask generation failed, keeping original frame", "frame", frame.Index, "error", err)
				return nil
			}
			adaptive[i], built[i] = m, true
			return nil
		})
	}
	g.Wait()

	masks := make([]images.Mask, len(batch))
	for i, frame := range batch {
		if !built[i] {
			masks[i] = images.NewMask(frame.Width, frame.Height)
			continue
		}
		masks[i] = state.masks.Blend(frame.Index, *tracks[i].BBox, adaptive[i])
		tracks[i].MaskArea = masks[i].Area()
	}
	return tracks, masks
}

// detectBatch runs the detector over a batch, retrying frame by frame when the
// batch call fails.
func (p *Pipeline) detectBatch(ctx context.Context, batch []images.Frame, result *Result) []inference.Detection {
	dets, err := inference.DetectAll(ctx, p.detector, batch)
	if err == nil && len(dets) == len(batch) {
		return dets
	}
	p.logger.Warn("batch detection failed, retrying per frame", "frames", len(batch), "error", err)

	dets = make([]inference.Detection, len(batch))
	for i, frame := range batch {
		dets[i] = p.detectOne(ctx, frame, result)
	}
	return dets
}

// cleanBatch inpaints a batch, falling back to one frame at a time when the
// batch call fails. It always returns one frame per input, in order.
func (p *Pipeline) cleanBatch(ctx context.Context, batch []images.Frame, masks []images.Mask, tracks []FrameTrack, result *Result) []images.Frame {
	if bi, ok := p.inpainter.(inpaint.BatchInpainter); ok {
		out, err := bi.CleanBatch(ctx, batch, masks)
		if err == nil && len(out) == len(batch) {
			for i := range tracks {
				tracks[i].Cleaned = !masks[i].Empty()
			}
			return out
		}
		if err == nil {
			err = errors.Errorf("%d frames returned for %d", len(out), len(batch))
		}
		result.Stats.BatchFallbacks++
		p.logger.Warn("batch inpainting failed, retrying per frame",
			"first_frame", batch[0].Index,
			"frames", len(batch),
			"error", err,
		)
	}

	out := make([]images.Frame, len(batch))
	for i, frame := range batch {
		out[i], tracks[i].Cleaned = p.cleanOne(ctx, frame, masks[i], result)
	}
	return out
}
