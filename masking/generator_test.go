package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
)

func TestDilationParams(t *testing.T) {
	cfg := config.Default().Mask
	medium := images.Rect{X1: 100, Y1: 100, X2: 200, Y2: 150}

	tests := []struct {
		name       string
		bbox       images.Rect
		confidence float32
		previous   *images.Rect
		kernel     int
		iterations int
	}{
		{"high confidence", medium, 0.9, nil, 9, 1},
		{"medium confidence", medium, 0.6, nil, 11, 2},
		{"low confidence", medium, 0.3, nil, 13, 3},
		{"small bbox", images.Rect{X1: 0, Y1: 0, X2: 40, Y2: 30}, 0.6, nil, 13, 3},
		{"large bbox", images.Rect{X1: 0, Y1: 0, X2: 300, Y2: 100}, 0.6, nil, 9, 1},
		{"large jump", medium, 0.6, &images.Rect{X1: 300, Y1: 300, X2: 400, Y2: 350}, 12, 3},
		{"small jump", medium, 0.6, &images.Rect{X1: 105, Y1: 100, X2: 205, Y2: 150}, 11, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, it := DilationParams(cfg, tt.bbox, tt.confidence, tt.previous)
			assert.Equal(t, tt.kernel, k)
			assert.Equal(t, tt.iterations, it)
		})
	}
}

func TestBBoxChange(t *testing.T) {
	a := images.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	assert.Equal(t, 0.0, BBoxChange(a, a))
	assert.InDelta(t, 0.5, BBoxChange(a, images.Rect{X1: 30, Y1: 40, X2: 130, Y2: 140}), 1e-9)
	assert.Equal(t, 1.0, BBoxChange(a, images.Rect{X1: 500, Y1: 500, X2: 510, Y2: 510}))
}

func TestLowConfidenceMaskIsLarger(t *testing.T) {
	g := NewGenerator(config.Default().Mask, nil)
	bbox := images.Rect{X1: 120, Y1: 100, X2: 200, Y2: 140}

	low, err := g.Adaptive(320, 240, bbox, 0.3, nil)
	require.NoError(t, err)
	high, err := g.Adaptive(320, 240, bbox, 0.9, nil)
	require.NoError(t, err)

	assert.Greater(t, low.Area(), high.Area())
	assert.GreaterOrEqual(t, high.Area(), bbox.Area(), "the mask must cover the bbox")
	assert.False(t, g.HasHistory(), "Adaptive must not record history")
}

func TestAdaptiveMaskIsSolid(t *testing.T) {
	g := NewGenerator(config.Default().Mask, nil)
	bbox := images.Rect{X1: 100, Y1: 80, X2: 220, Y2: 160}

	m, err := g.Adaptive(320, 240, bbox, 0.6, nil)
	require.NoError(t, err)
	require.True(t, m.SameShape(320, 240))

	for y := bbox.Y1; y < bbox.Y2; y++ {
		for x := bbox.X1; x < bbox.X2; x++ {
			require.Equal(t, byte(255), m.Data[y*320+x], "hole at %d,%d", x, y)
		}
	}
	for _, v := range m.Data {
		require.True(t, v == 0 || v == 255)
	}
}

func TestBlendCarriesRecentMasks(t *testing.T) {
	g := NewGenerator(config.Default().Mask, nil)
	w, h := 64, 48

	at := func(x int) images.Mask {
		m := images.NewMask(w, h)
		m.Fill(images.Rect{X1: x, Y1: 10, X2: x + 4, Y2: 20})
		return m
	}

	// The first two frames have nothing to blend with.
	first := g.Blend(0, images.Rect{X1: 0, Y1: 10, X2: 4, Y2: 20}, at(0))
	assert.Equal(t, 40, first.Area())
	second := g.Blend(1, images.Rect{X1: 10, Y1: 10, X2: 14, Y2: 20}, at(10))
	assert.Equal(t, 40, second.Area())

	third := g.Blend(2, images.Rect{X1: 20, Y1: 10, X2: 24, Y2: 20}, at(20))
	assert.Equal(t, 120, third.Area(), "union of the current and two previous masks")

	// Only the last three masks are kept.
	g.Blend(3, images.Rect{X1: 30, Y1: 10, X2: 34, Y2: 20}, at(30))
	fifth := g.Blend(4, images.Rect{X1: 40, Y1: 10, X2: 44, Y2: 20}, at(40))
	assert.Equal(t, 160, fifth.Area())
	assert.Equal(t, byte(0), fifth.Data[15*w+1])
}

func TestGenerateResetsOnShapeChange(t *testing.T) {
	g := NewGenerator(config.Default().Mask, nil)
	bbox := images.Rect{X1: 10, Y1: 10, X2: 50, Y2: 40}

	_, err := g.Generate(0, 160, 120, bbox, 0.9, nil)
	require.NoError(t, err)
	assert.True(t, g.HasHistory())

	m, err := g.Generate(1, 200, 100, bbox, 0.9, &bbox)
	require.NoError(t, err)
	assert.True(t, m.SameShape(200, 100))
	assert.Equal(t, 1, g.bboxes.Len())
}
