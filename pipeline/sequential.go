package pipeline

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-unmark/images"
	"github.com/nvr-ai/go-unmark/inference"
	"github.com/nvr-ai/go-unmark/media"
	"github.com/nvr-ai/go-unmark/tracking"
)

// gapFillConfidence is the confidence given to bboxes assigned by gap filling.
const gapFillConfidence = 0.5

// runSequential detects and stabilizes the whole video first, fills gaps and
// smooths the bbox sequence, then masks, inpaints and writes every frame.
// The second pass rewinds the source when it can and buffers the frames otherwise.
func (p *Pipeline) runSequential(ctx context.Context, src media.FrameSource, sink media.FrameSink, progress *progress) (Result, error) {
	var (
		result   Result
		buffered []images.Frame
		state    = p.newVideoState()
		total    = src.Info().TotalFrames
	)
	rewinder, canRewind := src.(media.Rewinder)

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		frame, err := src.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, errors.Wrapf(err, "read frame %d", i)
		}
		frame.Index = i
		state.ensureShape(frame.Width, frame.Height)

		stop := p.profiler.StartOperation("detect")
		det := p.detectOne(ctx, frame, &result)
		stop()

		stop = p.profiler.StartOperation("stabilize")
		raw := p.pad(det, frame.Width, frame.Height)
		stable := state.consistency.Process(raw, i)
		final := state.missed.Process(stable, i)
		stop()

		result.Tracks = append(result.Tracks, FrameTrack{Index: i, Raw: raw, Stabilized: final})
		if !canRewind {
			buffered = append(buffered, frame)
		}
		progress.span(i+1, total, 0, 50)
	}

	n := len(result.Tracks)
	if n == 0 {
		return result, ErrNoFrames
	}
	state.logStats(p.logger)

	bboxes := make([]*images.Rect, n)
	confs := make([]float32, n)
	for i, t := range result.Tracks {
		bboxes[i], confs[i] = p.usable(t.Stabilized)
	}

	gaps := tracking.GapFillResult{BBoxes: bboxes}
	if tracking.HasGaps(bboxes) {
		stop := p.profiler.StartOperation("gapfill")
		gaps = tracking.FillGaps(bboxes, p.cfg.BBox.ChangepointPenalty)
		stop()
	}
	for _, i := range gaps.Filled {
		confs[i] = gapFillConfidence
		result.Tracks[i].GapFilled = true
	}
	if len(gaps.Filled) > 0 {
		p.logger.Debug("filled detection gaps", "frames", len(gaps.Filled), "intervals", len(gaps.Intervals))
	}

	stop := p.profiler.StartOperation("smooth")
	smoothed := tracking.SmoothSequence(gaps.BBoxes, confs, state.width, state.height, p.cfg.BBox)
	stop()
	progress.report(50)

	if canRewind {
		if err := rewinder.Rewind(); err != nil {
			return result, errors.Wrap(err, "rewind source")
		}
	}

	tracks := result.Tracks
	result.Tracks = nil
	var previous *images.Rect
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var frame images.Frame
		if canRewind {
			f, err := src.Read()
			if err == io.EOF {
				return result, errors.Errorf("source ended at frame %d of %d on the second pass", i, n)
			}
			if err != nil {
				return result, errors.Wrapf(err, "read frame %d", i)
			}
			frame = f
		} else {
			frame = buffered[i]
			buffered[i] = images.Frame{}
		}
		frame.Index = i

		track := tracks[i]
		track.BBox, track.Confidence = smoothed[i], confs[i]
		track.Source = bboxSource(track.Stabilized, gaps.BBoxes[i], track.BBox, track.GapFilled)
		out := frame
		if track.BBox != nil {
			stop := p.profiler.StartOperation("mask")
			mask, err := state.masks.Generate(i, frame.Width, frame.Height, *track.BBox, track.Confidence, previous)
			stop()
			if err != nil {
				p.logger.Error("mask generation failed, keeping original frame", "frame", i, "error", err)
			} else {
				track.MaskArea = mask.Area()
				stop = p.profiler.StartOperation("inpaint")
				out, track.Cleaned = p.cleanOne(ctx, frame, mask, &result)
				stop()
			}
		}
		previous = track.BBox

		stop := p.profiler.StartOperation("write")
		err := sink.Write(out)
		stop()
		if err != nil {
			return result, errors.Wrapf(err, "write frame %d", i)
		}
		result.add(track)
		progress.span(i+1, n, 50, 95)
	}

	progress.report(95)
	return result, nil
}

// bboxSource names the stage that produced a frame's final bbox: gap filling,
// the smoother when it moved the box, and the temporal stages otherwise.
func bboxSource(stable inference.Detection, input, output *images.Rect, gapFilled bool) inference.Source {
	switch {
	case output == nil:
		return ""
	case gapFilled:
		return inference.SourceGapFill
	case input == nil || *input != *output:
		return inference.SourceSmoothed
	}
	return stable.Source
}
