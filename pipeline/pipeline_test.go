package pipeline

import (
	"context"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
	"github.com/nvr-ai/go-unmark/inference"
	"github.com/nvr-ai/go-unmark/inpaint"
	"github.com/nvr-ai/go-unmark/media"
	"github.com/nvr-ai/go-unmark/memory"
)

const (
	frameWidth  = 320
	frameHeight = 240
	cleanValue  = 7
)

var background = color.RGBA{R: 50, G: 50, B: 50, A: 255}

// sliceSource serves in-memory frames without rewinding.
type sliceSource struct {
	frames []images.Frame
	next   int
	closed bool
}

func (s *sliceSource) Info() media.VideoInfo {
	return media.VideoInfo{Width: frameWidth, Height: frameHeight, FPS: 25, TotalFrames: len(s.frames)}
}

func (s *sliceSource) Read() (images.Frame, error) {
	if s.next >= len(s.frames) {
		return images.Frame{}, io.EOF
	}
	f := s.frames[s.next].Clone()
	s.next++
	return f, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

// rewindSource adds Rewind to sliceSource.
type rewindSource struct {
	*sliceSource
	rewinds int
}

func (s *rewindSource) Rewind() error {
	s.next = 0
	s.rewinds++
	return nil
}

func newFrames(n int) []images.Frame {
	frames := make([]images.Frame, n)
	for i := range frames {
		frames[i] = images.NewFrame(i, frameWidth, frameHeight)
		frames[i].Fill(images.Rect{X2: frameWidth, Y2: frameHeight}, background)
	}
	return frames
}

// MockDetector returns scripted detections by frame index.
type MockDetector struct {
	dets     map[int]inference.Detection
	batchErr error
	resets   int
	calls    int
}

func (m *MockDetector) Detect(_ context.Context, frame images.Frame) (inference.Detection, error) {
	m.calls++
	return m.dets[frame.Index], nil
}

func (m *MockDetector) Reset() { m.resets++ }

// MockBatchDetector fails every batch call.
type MockBatchDetector struct {
	*MockDetector
}

func (m *MockBatchDetector) DetectBatch(context.Context, []images.Frame) ([]inference.Detection, error) {
	return nil, errors.New("mock batch detection error")
}

// MockInpainter paints masked pixels with cleanValue.
type MockInpainter struct {
	failFrames map[int]bool
	cleaned    []int
}

func (m *MockInpainter) Clean(_ context.Context, frame images.Frame, mask images.Mask) (images.Frame, error) {
	if m.failFrames[frame.Index] {
		return images.Frame{}, errors.New("mock inpainting error")
	}
	m.cleaned = append(m.cleaned, frame.Index)
	out := frame.Clone()
	for i, v := range mask.Data {
		if v != 0 {
			out.Data[3*i], out.Data[3*i+1], out.Data[3*i+2] = cleanValue, cleanValue, cleanValue
		}
	}
	return out, nil
}

// MockBatchInpainter cleans whole batches, or fails them all with batchErr.
type MockBatchInpainter struct {
	*MockInpainter
	batchErr error
	batches  int
}

func (m *MockBatchInpainter) CleanBatch(ctx context.Context, frames []images.Frame, masks []images.Mask) ([]images.Frame, error) {
	m.batches++
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	out := make([]images.Frame, len(frames))
	for i := range frames {
		f, err := m.Clean(ctx, frames[i], masks[i])
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// collectSink stores written frames and can fail at a given write.
type collectSink struct {
	frames []images.Frame
	failAt int
	closed bool
}

func (s *collectSink) Write(frame images.Frame) error {
	if s.failAt > 0 && len(s.frames) == s.failAt {
		return errors.New("mock encoder error")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *collectSink) Close() error {
	s.closed = true
	return nil
}

type plentyOfMemory struct{}

func (plentyOfMemory) HostMemory() (memory.HostMemory, error) {
	return memory.HostMemory{Total: 64 << 30, Used: 1 << 30, Available: 60 << 30}, nil
}

func testConfig(batched bool) config.Config {
	cfg := config.Default()
	cfg.Batch.Enabled = batched
	cfg.Batch.Size = 4
	cfg.Batch.CleanupEveryBatches = 2
	cfg.Batch.Workers = 2
	return cfg
}

func newTestPipeline(cfg config.Config, det inference.Detector, inp inpaint.Inpainter, opts ...Option) *Pipeline {
	opts = append([]Option{WithMemory(memory.NewManager(cfg.Memory, memory.WithHostReader(plentyOfMemory{})))}, opts...)
	return New(cfg, det, inp, opts...)
}

// driftingDetections detects a 40x30 box drifting from (100,100) to (110,110)
// over ten frames, except on frames 4 and 5.
func driftingDetections() map[int]inference.Detection {
	dets := map[int]inference.Detection{}
	for i := 0; i < 10; i++ {
		if i == 4 || i == 5 {
			continue
		}
		d := 100 + int(math.Round(float64(i)*10/9))
		dets[i] = inference.Found(images.Rect{X1: d, Y1: d, X2: d + 40, Y2: d + 30}, 0.9)
	}
	return dets
}

func everyFrameDetections(n int) map[int]inference.Detection {
	dets := map[int]inference.Detection{}
	for i := 0; i < n; i++ {
		dets[i] = inference.Found(images.Rect{X1: 100, Y1: 100, X2: 140, Y2: 130}, 0.9)
	}
	return dets
}

func TestSequentialEndToEnd(t *testing.T) {
	sources := map[string]func() media.FrameSource{
		"rewind": func() media.FrameSource { return &rewindSource{sliceSource: &sliceSource{frames: newFrames(10)}} },
		"buffer": func() media.FrameSource { return &sliceSource{frames: newFrames(10)} },
	}

	for name, newSource := range sources {
		t.Run(name, func(t *testing.T) {
			det := &MockDetector{dets: driftingDetections()}
			inp := &MockInpainter{}
			sink := &collectSink{}

			p := newTestPipeline(testConfig(false), det, inp)
			result, err := p.Run(context.Background(), newSource(), sink)
			require.NoError(t, err)

			require.Len(t, sink.frames, 10)
			require.Len(t, result.Tracks, 10)
			assert.Equal(t, 10, det.calls, "one detection per frame")
			assert.Equal(t, 1, det.resets)

			for i, tr := range result.Tracks {
				assert.Equal(t, i, sink.frames[i].Index)
				require.NotNil(t, tr.BBox, "frame %d has no bbox", i)
				assert.Positive(t, tr.MaskArea, "frame %d has no mask", i)
				assert.True(t, tr.Cleaned, "frame %d was not cleaned", i)

				c := tr.BBox.Center()
				assert.Equal(t, byte(cleanValue), sink.frames[i].Data[(c.Y*frameWidth+c.X)*3])
			}

			before, after := result.Tracks[3].BBox.Center(), result.Tracks[6].BBox.Center()
			for _, i := range []int{4, 5} {
				c := result.Tracks[i].BBox.Center()
				assert.True(t, c.X >= before.X && c.X <= after.X, "frame %d x=%d outside [%d,%d]", i, c.X, before.X, after.X)
				assert.True(t, c.Y >= before.Y && c.Y <= after.Y, "frame %d y=%d outside [%d,%d]", i, c.Y, before.Y, after.Y)
				assert.True(t, result.Tracks[i].Stabilized.Interpolated)
			}

			assert.Equal(t, 10, result.Stats.Frames)
			assert.Equal(t, 8, result.Stats.Detected)
			assert.Equal(t, 10, result.Stats.Masked)
		})
	}
}

func TestSequentialWithoutDetections(t *testing.T) {
	inp := &MockInpainter{}
	sink := &collectSink{}
	src := &sliceSource{frames: newFrames(5)}

	result, err := newTestPipeline(testConfig(false), &MockDetector{}, inp).Run(context.Background(), src, sink)
	require.NoError(t, err)

	require.Len(t, sink.frames, 5)
	for i, f := range sink.frames {
		assert.Equal(t, src.frames[i].Data, f.Data, "frame %d must pass through", i)
		assert.Nil(t, result.Tracks[i].BBox)
	}
	assert.Empty(t, inp.cleaned)
}

func TestSequentialFillsGapsAndRecordsSource(t *testing.T) {
	dets := map[int]inference.Detection{}
	for _, i := range []int{0, 1, 2, 12, 13, 14} {
		dets[i] = inference.Found(images.Rect{X1: 100, Y1: 100, X2: 140, Y2: 130}, 0.9)
	}
	sink := &collectSink{}
	src := &sliceSource{frames: newFrames(15)}

	result, err := newTestPipeline(testConfig(false), &MockDetector{dets: dets}, &MockInpainter{}).
		Run(context.Background(), src, sink)
	require.NoError(t, err)
	require.Len(t, result.Tracks, 15)

	assert.Positive(t, result.Stats.GapFilled)
	for i, track := range result.Tracks {
		require.NotNil(t, track.BBox, "frame %d", i)
		assert.NotEmpty(t, track.Source, "frame %d", i)
		if track.GapFilled {
			assert.Equal(t, inference.SourceGapFill, track.Source, "frame %d", i)
		}
	}
	assert.Equal(t, inference.SourceModel, result.Tracks[0].Source)
}

func TestBBoxSource(t *testing.T) {
	r := images.Rect{X1: 10, Y1: 10, X2: 50, Y2: 40}
	moved := images.Rect{X1: 12, Y1: 10, X2: 52, Y2: 40}
	stable := inference.Found(r, 0.9)
	stable.Source = inference.SourceMotion

	assert.Empty(t, bboxSource(stable, &r, nil, false))
	assert.Equal(t, inference.SourceGapFill, bboxSource(stable, &r, &r, true))
	assert.Equal(t, inference.SourceSmoothed, bboxSource(stable, &r, &moved, false))
	assert.Equal(t, inference.SourceSmoothed, bboxSource(stable, nil, &r, false))
	assert.Equal(t, inference.SourceMotion, bboxSource(stable, &r, &r, false))
}

func TestBatchedFallbackKeepsEveryFrame(t *testing.T) {
	frames := newFrames(10)
	inp := &MockBatchInpainter{
		MockInpainter: &MockInpainter{failFrames: map[int]bool{2: true}},
		batchErr:      errors.New("mock batch inpainting error"),
	}
	sink := &collectSink{}

	p := newTestPipeline(testConfig(true), &MockDetector{dets: everyFrameDetections(10)}, inp)
	result, err := p.Run(context.Background(), &sliceSource{frames: frames}, sink)
	require.NoError(t, err)

	require.Len(t, sink.frames, 10, "no frame dropped or duplicated")
	for i, f := range sink.frames {
		assert.Equal(t, i, f.Index)
		if i == 2 {
			assert.Equal(t, frames[2].Data, f.Data, "failed frame falls back to the original")
			continue
		}
		assert.NotEqual(t, frames[i].Data, f.Data, "frame %d should be cleaned", i)
	}

	assert.Equal(t, 3, inp.batches)
	assert.Equal(t, 3, result.Stats.Batches)
	assert.Equal(t, 3, result.Stats.BatchFallbacks)
	assert.Equal(t, 1, result.Stats.InpaintFailures)
	assert.Equal(t, 9, result.Stats.Cleaned)
}

func TestBatchedCleansInOrder(t *testing.T) {
	inp := &MockBatchInpainter{MockInpainter: &MockInpainter{}}
	sink := &collectSink{}
	det := &MockDetector{dets: everyFrameDetections(11)}

	p := newTestPipeline(testConfig(true), &MockBatchDetector{MockDetector: det}, inp)
	result, err := p.Run(context.Background(), &sliceSource{frames: newFrames(11)}, sink)
	require.NoError(t, err)

	require.Len(t, sink.frames, 11)
	assert.Equal(t, 11, det.calls, "failed batch detection retried per frame")
	assert.Zero(t, result.Stats.BatchFallbacks)
	for i, tr := range result.Tracks {
		assert.Equal(t, i, tr.Index)
		assert.Equal(t, i, sink.frames[i].Index)
		require.NotNil(t, tr.BBox)
		assert.Positive(t, tr.MaskArea)
		assert.True(t, tr.Cleaned)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, inp.cleaned)
}

func TestProgressIsMonotonic(t *testing.T) {
	for _, batched := range []bool{false, true} {
		var values []uint8
		p := newTestPipeline(testConfig(batched), &MockDetector{dets: driftingDetections()}, &MockInpainter{},
			WithProgress(func(v uint8) { values = append(values, v) }))

		_, err := p.Run(context.Background(), &sliceSource{frames: newFrames(10)}, &collectSink{})
		require.NoError(t, err)

		require.NotEmpty(t, values)
		for i := 1; i < len(values); i++ {
			assert.Greater(t, values[i], values[i-1], "batched=%v", batched)
		}
		assert.LessOrEqual(t, values[len(values)-1], uint8(100))
		assert.Equal(t, uint8(95), values[len(values)-1])
	}
}

func TestNoFrames(t *testing.T) {
	for _, batched := range []bool{false, true} {
		p := newTestPipeline(testConfig(batched), &MockDetector{}, &MockInpainter{})
		_, err := p.Run(context.Background(), &sliceSource{}, &collectSink{})
		assert.Equal(t, ErrNoFrames, errors.Cause(err), "batched=%v", batched)
	}
}

func TestSinkFailureAborts(t *testing.T) {
	for _, batched := range []bool{false, true} {
		p := newTestPipeline(testConfig(batched), &MockDetector{dets: everyFrameDetections(10)}, &MockInpainter{})
		sink := &collectSink{failAt: 3}

		_, err := p.Run(context.Background(), &sliceSource{frames: newFrames(10)}, sink)
		require.Error(t, err)
		assert.Len(t, sink.frames, 3)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(testConfig(false), &MockDetector{}, &MockInpainter{})
	_, err := p.Run(ctx, &sliceSource{frames: newFrames(3)}, &collectSink{})
	assert.ErrorIs(t, err, context.Canceled)
}

// fileSink writes raw frame bytes to a file.
type fileSink struct {
	f      *os.File
	failAt int
	n      int
}

func (s *fileSink) Write(frame images.Frame) error {
	if s.failAt > 0 && s.n == s.failAt {
		return errors.New("mock encoder error")
	}
	s.n++
	_, err := s.f.Write(frame.Data)
	return err
}

func (s *fileSink) Close() error { return s.f.Close() }

type mockRemuxer struct {
	err   error
	calls [][3]string
}

func (m *mockRemuxer) Remux(_ context.Context, video, original, output string) error {
	m.calls = append(m.calls, [3]string{video, original, output})
	if m.err != nil {
		return m.err
	}
	return os.WriteFile(output, []byte("muxed"), 0o644)
}

func processFile(t *testing.T, failAt int, remuxErr error) (string, []uint8, *mockRemuxer, error) {
	t.Helper()
	dir := t.TempDir()
	output := filepath.Join(dir, "clean.mp4")
	remux := &mockRemuxer{err: remuxErr}
	var values []uint8

	src := &sliceSource{frames: newFrames(6)}
	p := newTestPipeline(testConfig(false), &MockDetector{dets: everyFrameDetections(6)}, &MockInpainter{},
		WithProgress(func(v uint8) { values = append(values, v) }),
		WithRemuxer(remux),
		WithSourceOpener(func(context.Context, string) (media.FrameSource, error) { return src, nil }),
		WithEncoderFactory(func(_ context.Context, path string, info media.VideoInfo) (media.FrameSink, error) {
			assert.Equal(t, frameWidth, info.Width)
			f, err := os.Create(path)
			if err != nil {
				return nil, err
			}
			return &fileSink{f: f, failAt: failAt}, nil
		}),
	)

	_, err := p.ProcessFile(context.Background(), filepath.Join(dir, "input.mp4"), output)
	assert.True(t, src.closed)
	return dir, values, remux, err
}

func temps(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "temp_*_clean.mp4"))
	require.NoError(t, err)
	return matches
}

func TestProcessFile(t *testing.T) {
	dir, values, remux, err := processFile(t, 0, nil)
	require.NoError(t, err)

	require.Len(t, remux.calls, 1)
	assert.Equal(t, filepath.Join(dir, "input.mp4"), remux.calls[0][1])
	assert.FileExists(t, filepath.Join(dir, "clean.mp4"))
	assert.Empty(t, temps(t, dir), "temporary video removed after remux")
	assert.Equal(t, uint8(100), values[len(values)-1])
}

func TestProcessFileKeepsVideoWhenRemuxFails(t *testing.T) {
	dir, values, _, err := processFile(t, 0, errors.New("mock remux error"))
	require.Error(t, err)

	kept := temps(t, dir)
	require.Len(t, kept, 1)
	assert.Contains(t, err.Error(), kept[0])
	assert.NoFileExists(t, filepath.Join(dir, "clean.mp4"))
	assert.NotContains(t, values, uint8(100))
}

func TestProcessFileRemovesTempOnEncoderFailure(t *testing.T) {
	dir, _, remux, err := processFile(t, 2, nil)
	require.Error(t, err)

	assert.Empty(t, temps(t, dir))
	assert.Empty(t, remux.calls)
}
