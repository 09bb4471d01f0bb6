package inference

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-unmark/images"
)

func TestLetterbox(t *testing.T) {
	lb := NewLetterbox(320, 240, 640)
	assert.Equal(t, 2.0, lb.Scale)
	assert.Equal(t, 0, lb.PadX)
	assert.Equal(t, 80, lb.PadY)

	r := lb.ToFrame(320, 320, 80, 60)
	assert.Equal(t, images.Rect{X1: 140, Y1: 105, X2: 180, Y2: 135}, r)

	// Boxes reaching into the padding are clipped to the frame.
	r = lb.ToFrame(620, 60, 80, 60)
	assert.Equal(t, 320, r.X2)
	assert.Equal(t, 0, r.Y1)
}

func TestPrepareInput(t *testing.T) {
	frame := images.NewFrame(0, 16, 8)
	frame.Fill(images.Rect{X2: 16, Y2: 8}, color.RGBA{R: 255, A: 255})

	size := 32
	dst := make([]float32, 3*size*size)
	lb, err := PrepareInput(frame, size, dst)
	require.NoError(t, err)
	assert.Equal(t, 8, lb.PadY)

	red, green, blue := dst[:size*size], dst[size*size:2*size*size], dst[2*size*size:]

	// Padding rows carry the letterbox grey.
	assert.InDelta(t, letterboxFill, red[0], 1e-6)
	assert.InDelta(t, letterboxFill, blue[size*size-1], 1e-6)

	// The frame body is red.
	mid := 16*size + 16
	assert.InDelta(t, 1.0, red[mid], 0.02)
	assert.InDelta(t, 0.0, green[mid], 0.02)
	assert.InDelta(t, 0.0, blue[mid], 0.02)

	_, err = PrepareInput(frame, size, dst[:10])
	assert.Error(t, err)
}

func TestAnchors(t *testing.T) {
	assert.Equal(t, 8400, Anchors(640))
	assert.Equal(t, 21, Anchors(32))
}

func TestDecodeYOLO(t *testing.T) {
	const anchors = 3
	lb := NewLetterbox(320, 240, 640)

	// Rows: cx, cy, w, h, score; one column per anchor.
	first := []float32{
		0, 320, 100,
		0, 320, 100,
		0, 80, 20,
		0, 60, 20,
		0.1, 0.8, 0.5,
	}
	second := []float32{
		0, 0, 0,
		0, 0, 0,
		0, 0, 0,
		0, 0, 0,
		0.1, 0.2, 0.1,
	}
	output := append(append([]float32{}, first...), second...)

	dets, classes := DecodeYOLO(output, 1, anchors, []Letterbox{lb, lb}, 0.25)
	require.Len(t, dets, 2)

	require.True(t, dets[0].Valid())
	assert.Equal(t, images.Rect{X1: 140, Y1: 105, X2: 180, Y2: 135}, *dets[0].BBox)
	assert.InDelta(t, 0.8, dets[0].Confidence, 1e-6)
	assert.Equal(t, SourceModel, dets[0].Source)
	assert.Equal(t, 0, classes[0])

	assert.False(t, dets[1].Valid())
	assert.Equal(t, -1, classes[1])
}

func TestDecodeYOLOShortOutput(t *testing.T) {
	lb := NewLetterbox(320, 240, 640)
	dets, _ := DecodeYOLO(make([]float32, 5), 1, 3, []Letterbox{lb}, 0.25)
	require.Len(t, dets, 1)
	assert.False(t, dets[0].Valid())
}
