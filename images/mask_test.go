package images

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRasterizeAndDilate(t *testing.T) {
	box := Rect{X1: 40, Y1: 30, X2: 80, Y2: 60}

	plain, err := RasterizeAndDilate(box, 120, 160, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, box.Area(), plain.Area(), "kernel <= 1 must not dilate")

	noIter, err := RasterizeAndDilate(box, 120, 160, 9, 0)
	require.NoError(t, err)
	assert.Equal(t, box.Area(), noIter.Area(), "zero iterations must not dilate")

	dilated, err := RasterizeAndDilate(box, 120, 160, 9, 2)
	require.NoError(t, err)
	assert.Greater(t, dilated.Area(), box.Area())
	assert.True(t, dilated.SameShape(160, 120))

	// Dilation only grows the foreground.
	for y := box.Y1; y < box.Y2; y++ {
		for x := box.X1; x < box.X2; x++ {
			require.Equal(t, byte(255), dilated.Data[y*160+x])
		}
	}
	assert.Equal(t, byte(0), dilated.Data[0])
}

func TestRasterizeClipsToFrame(t *testing.T) {
	m, err := RasterizeAndDilate(Rect{X1: -20, Y1: -20, X2: 10, Y2: 10}, 50, 50, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, m.Area())
}

func TestFrameMatRoundTrip(t *testing.T) {
	f := NewFrame(3, 32, 24)
	f.Fill(Rect{X1: 4, Y1: 4, X2: 12, Y2: 10}, color.RGBA{R: 200, G: 100, B: 50, A: 255})
	require.True(t, f.Valid())

	mat, err := f.ToMat()
	require.NoError(t, err)
	defer mat.Close()

	back, err := FrameFromMat(3, mat)
	require.NoError(t, err)
	assert.Equal(t, f, back)

	// BGR order in the buffer, RGB in the image.
	i := (5*32 + 5) * 3
	assert.Equal(t, []byte{50, 100, 200}, f.Data[i:i+3])
	assert.Equal(t, color.RGBA{R: 200, G: 100, B: 50, A: 255}, f.Image().RGBAAt(5, 5))
}

func TestFrameToMatRejectsShortBuffer(t *testing.T) {
	f := Frame{Index: 1, Width: 10, Height: 10, Data: make([]byte, 12)}
	_, err := f.ToMat()
	assert.Error(t, err)
}

func TestMaskMatRoundTrip(t *testing.T) {
	m := NewMask(16, 8)
	m.Fill(Rect{X1: 2, Y1: 2, X2: 6, Y2: 5})
	assert.False(t, m.Empty())

	mat, err := m.ToMat()
	require.NoError(t, err)
	defer mat.Close()

	back, err := MaskFromMat(mat)
	require.NoError(t, err)
	assert.Equal(t, m, back)
	assert.Equal(t, 12, back.Area())
	assert.True(t, NewMask(4, 4).Empty())
}
