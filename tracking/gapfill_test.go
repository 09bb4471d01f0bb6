package tracking

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-unmark/images"
)

func box(x, y int) *images.Rect {
	return &images.Rect{X1: x, Y1: y, X2: x + 60, Y2: y + 30}
}

func requirePartition(t *testing.T, intervals []Interval, total int) {
	t.Helper()
	require.NotEmpty(t, intervals)
	assert.Equal(t, 0, intervals[0].Start)
	assert.Equal(t, total, intervals[len(intervals)-1].End)
	for i, iv := range intervals {
		require.Less(t, iv.Start, iv.End, "interval %d is empty", i)
		if i > 0 {
			require.Equal(t, intervals[i-1].End, iv.Start, "gap or overlap before interval %d", i)
		}
	}
}

func TestBreakpointsFindsLocationChange(t *testing.T) {
	var seq []*images.Rect
	for i := 0; i < 20; i++ {
		seq = append(seq, box(100, 100))
	}
	for i := 0; i < 20; i++ {
		seq = append(seq, box(400, 300))
	}

	assert.Equal(t, []int{20}, Breakpoints(seq, 0))
}

func TestBreakpointsStaticTrack(t *testing.T) {
	var seq []*images.Rect
	for i := 0; i < 30; i++ {
		seq = append(seq, box(100+i%2, 100))
	}
	assert.Empty(t, Breakpoints(seq, 0))
}

func TestBreakpointsSkipMissingFrames(t *testing.T) {
	seq := make([]*images.Rect, 30)
	for i := 0; i < 10; i++ {
		seq[i] = box(50, 50)
	}
	for i := 15; i < 30; i++ {
		seq[i] = box(500, 50)
	}

	// The break lands on the first valid frame of the new segment.
	assert.Equal(t, []int{15}, Breakpoints(seq, 0))
}

func TestIntervalsPartition(t *testing.T) {
	seq := []*images.Rect{box(0, 0), nil, box(10, 0), box(20, 0), nil, nil}
	intervals := Intervals(seq, []int{2, 2, 9, -1, 4})

	requirePartition(t, intervals, len(seq))
	require.Len(t, intervals, 3)
	assert.Equal(t, *box(0, 0), *intervals[0].Average)
	assert.Equal(t, *box(15, 0), *intervals[1].Average)
	assert.Nil(t, intervals[2].Average)
}

func TestFillGapsUsesIntervalAverage(t *testing.T) {
	seq := make([]*images.Rect, 40)
	for i := 0; i < 20; i++ {
		if i != 7 && i != 8 {
			seq[i] = box(100, 100)
		}
	}
	for i := 20; i < 40; i++ {
		if i != 30 {
			seq[i] = box(400, 300)
		}
	}

	res := FillGaps(seq, 0)

	requirePartition(t, res.Intervals, len(seq))
	assert.Equal(t, []int{7, 8, 30}, res.Filled)
	assert.Equal(t, *box(100, 100), *res.BBoxes[7])
	assert.Equal(t, *box(100, 100), *res.BBoxes[8])
	assert.Equal(t, *box(400, 300), *res.BBoxes[30])
	assert.Nil(t, seq[7], "input must not be modified")
}

func TestFillGapsWithoutAnyDetection(t *testing.T) {
	res := FillGaps(make([]*images.Rect, 5), 0)

	requirePartition(t, res.Intervals, 5)
	assert.Empty(t, res.Filled)
	for _, r := range res.BBoxes {
		assert.Nil(t, r)
	}
}

func TestFillGapsEveryMissingFrameAssigned(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		total := 1 + rng.Intn(80)
		seq := make([]*images.Rect, total)
		valid := 0
		x := rng.Intn(500)
		for i := range seq {
			if rng.Intn(10) == 0 {
				x = rng.Intn(500)
			}
			if rng.Intn(3) > 0 {
				seq[i] = box(x+rng.Intn(4), 100)
				valid++
			}
		}

		res := FillGaps(seq, 0)
		requirePartition(t, res.Intervals, total)
		for i, r := range res.BBoxes {
			if valid > 0 {
				require.NotNil(t, r, "run %d frame %d", run, i)
			} else {
				require.Nil(t, r)
			}
		}

		again := FillGaps(seq, 0)
		require.Equal(t, res, again, "gap filling must be deterministic")
	}
}

func TestHasGaps(t *testing.T) {
	assert.False(t, HasGaps([]*images.Rect{box(0, 0)}))
	assert.True(t, HasGaps([]*images.Rect{box(0, 0), nil}))
}
