package tracking

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/nvr-ai/go-unmark/images"
)

// minSegment is the shortest run of valid frames a segment may cover.
const minSegment = 2

// Interval is a run of frames whose bbox centers behave alike.
type Interval struct {
	Start int
	// End is exclusive.
	End int
	// Average is the mean bbox over the interval's valid frames, nil when it has none.
	Average *images.Rect
}

// Contains reports whether frame falls inside the interval.
func (iv Interval) Contains(frame int) bool {
	return frame >= iv.Start && frame < iv.End
}

// GapFillResult is the outcome of a whole-video gap fill.
type GapFillResult struct {
	BBoxes    []*images.Rect
	Intervals []Interval
	// Filled lists the frames that received a bbox, ascending.
	Filled []int
}

// Breakpoints segments the trajectory of bbox centers and returns the frame
// indices where a new segment begins, ascending and strictly inside (0, len(bboxes)).
//
// Absent entries are skipped; each breakpoint is the index of the first valid
// frame of its segment. Segmentation is PELT over the 2D centers with an L2
// cost. A penalty <= 0 is derived from the noise of consecutive center differences.
//
// Arguments:
//   - bboxes: One entry per frame; nil marks a frame without a bbox.
//   - penalty: The cost added per segment.
//
// Returns:
//   - []int: The breakpoints.
func Breakpoints(bboxes []*images.Rect, penalty float64) []int {
	var (
		frames []int
		xs, ys []float64
	)
	for i, r := range bboxes {
		if r == nil {
			continue
		}
		c := r.Center()
		frames = append(frames, i)
		xs = append(xs, float64(c.X))
		ys = append(ys, float64(c.Y))
	}
	if len(frames) < 2*minSegment {
		return nil
	}
	if penalty <= 0 {
		penalty = autoPenalty(xs, ys)
	}

	var out []int
	for _, k := range pelt([][]float64{xs, ys}, penalty) {
		out = append(out, frames[k])
	}
	return out
}

// Intervals partitions [0, total) at the breakpoints and averages each part's valid bboxes.
//
// Arguments:
//   - bboxes: One entry per frame; nil marks a frame without a bbox.
//   - breakpoints: Ascending frame indices; values outside (0, total) are ignored.
//
// Returns:
//   - []Interval: Intervals covering [0, total) without gaps or overlaps.
func Intervals(bboxes []*images.Rect, breakpoints []int) []Interval {
	total := len(bboxes)
	if total == 0 {
		return nil
	}

	bounds := []int{0}
	sorted := append([]int(nil), breakpoints...)
	sort.Ints(sorted)
	for _, b := range sorted {
		if b > bounds[len(bounds)-1] && b < total {
			bounds = append(bounds, b)
		}
	}
	bounds = append(bounds, total)

	out := make([]Interval, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		iv := Interval{Start: bounds[i], End: bounds[i+1]}
		iv.Average = averageBBox(bboxes[iv.Start:iv.End])
		out = append(out, iv)
	}
	return out
}

// FillGaps assigns a bbox to every frame that has none.
//
// A missing frame takes its interval's average bbox. When the interval has no
// valid frames it takes the previous frame's bbox (possibly filled earlier in
// this pass), else the next frame's. A frame stays nil only when neither exists.
// The input is not modified.
//
// Arguments:
//   - bboxes: One entry per frame; nil marks a frame without a bbox.
//   - penalty: The segmentation penalty; <= 0 derives it from the data.
//
// Returns:
//   - GapFillResult: The filled sequence, its intervals and the filled frame indices.
func FillGaps(bboxes []*images.Rect, penalty float64) GapFillResult {
	filled := make([]*images.Rect, len(bboxes))
	for i, r := range bboxes {
		if r != nil {
			c := *r
			filled[i] = &c
		}
	}

	intervals := Intervals(bboxes, Breakpoints(bboxes, penalty))
	res := GapFillResult{BBoxes: filled, Intervals: intervals}

	cur := 0
	for i := range filled {
		for cur < len(intervals) && !intervals[cur].Contains(i) {
			cur++
		}
		if filled[i] != nil {
			continue
		}

		var pick *images.Rect
		switch {
		case cur < len(intervals) && intervals[cur].Average != nil:
			pick = intervals[cur].Average
		case i > 0 && filled[i-1] != nil:
			pick = filled[i-1]
		case i+1 < len(bboxes) && bboxes[i+1] != nil:
			pick = bboxes[i+1]
		}
		if pick != nil {
			c := *pick
			filled[i] = &c
			res.Filled = append(res.Filled, i)
		}
	}

	return res
}

// HasGaps reports whether any frame lacks a bbox.
func HasGaps(bboxes []*images.Rect) bool {
	for _, r := range bboxes {
		if r == nil {
			return true
		}
	}
	return false
}

func averageBBox(rs []*images.Rect) *images.Rect {
	var x1, y1, x2, y2 []float64
	for _, r := range rs {
		if r == nil {
			continue
		}
		x1 = append(x1, float64(r.X1))
		y1 = append(y1, float64(r.Y1))
		x2 = append(x2, float64(r.X2))
		y2 = append(y2, float64(r.Y2))
	}
	if len(x1) == 0 {
		return nil
	}
	return &images.Rect{
		X1: int(math.Round(stat.Mean(x1, nil))),
		Y1: int(math.Round(stat.Mean(y1, nil))),
		X2: int(math.Round(stat.Mean(x2, nil))),
		Y2: int(math.Round(stat.Mean(y2, nil))),
	}
}

// autoPenalty scales a BIC-style penalty by the noise variance, estimated from
// consecutive differences so that genuine jumps do not inflate it.
func autoPenalty(xs, ys []float64) float64 {
	n := float64(len(xs))
	noise := (diffVariance(xs) + diffVariance(ys)) / 2
	return 3 * math.Max(noise, 1) * math.Log(n)
}

func diffVariance(xs []float64) float64 {
	if len(xs) < 3 {
		return 0
	}
	d := make([]float64, len(xs)-1)
	floats.SubTo(d, xs[1:], xs[:len(xs)-1])
	abs := make([]float64, len(d))
	for i, v := range d {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	// Median absolute difference, scaled to a Gaussian sigma and halved for the differencing.
	mad := stat.Quantile(0.5, stat.Empirical, abs, nil)
	sigma := mad / 0.6745 / math.Sqrt2
	return sigma * sigma
}

// segmentCost computes the L2 cost of each dimension's segment from prefix sums.
type segmentCost struct {
	sum, sumSq [][]float64
}

func newSegmentCost(dims [][]float64) segmentCost {
	c := segmentCost{sum: make([][]float64, len(dims)), sumSq: make([][]float64, len(dims))}
	for d, xs := range dims {
		c.sum[d] = make([]float64, len(xs)+1)
		c.sumSq[d] = make([]float64, len(xs)+1)
		for i, x := range xs {
			c.sum[d][i+1] = c.sum[d][i] + x
			c.sumSq[d][i+1] = c.sumSq[d][i] + x*x
		}
	}
	return c
}

// cost returns the summed squared deviation from the mean over [s, e).
func (c segmentCost) cost(s, e int) float64 {
	n := float64(e - s)
	total := 0.0
	for d := range c.sum {
		sum := c.sum[d][e] - c.sum[d][s]
		sq := c.sumSq[d][e] - c.sumSq[d][s]
		total += sq - sum*sum/n
	}
	return total
}

// pelt returns the optimal segmentation's interior breakpoints as sample offsets.
func pelt(dims [][]float64, penalty float64) []int {
	n := len(dims[0])
	c := newSegmentCost(dims)

	f := make([]float64, n+1)
	prev := make([]int, n+1)
	f[0] = -penalty
	for t := 1; t < minSegment && t <= n; t++ {
		f[t] = math.Inf(1)
	}

	candidates := []int{0}
	for t := minSegment; t <= n; t++ {
		best, arg := math.Inf(1), 0
		costs := make([]float64, len(candidates))
		for i, s := range candidates {
			if t-s < minSegment {
				costs[i] = math.Inf(1)
				continue
			}
			costs[i] = f[s] + c.cost(s, t)
			if v := costs[i] + penalty; v < best {
				best, arg = v, s
			}
		}
		f[t], prev[t] = best, arg

		kept := candidates[:0]
		for i, s := range candidates {
			if t-s < minSegment || costs[i] <= f[t] {
				kept = append(kept, s)
			}
		}
		candidates = append(kept, t-minSegment+1)
	}

	var out []int
	for t := prev[n]; t > 0; t = prev[t] {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}
