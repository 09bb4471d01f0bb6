// Package images - Frame buffers, masks and bbox geometry.
package images

import (
	"image"
	"math"
)

// Rect is a pixel bounding box.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 int
}

// Width returns the horizontal extent, 0 for inverted boxes.
func (r Rect) Width() int { return max(0, r.X2-r.X1) }

// Height returns the vertical extent, 0 for inverted boxes.
func (r Rect) Height() int { return max(0, r.Y2-r.Y1) }

// Area returns Width * Height.
func (r Rect) Area() int { return r.Width() * r.Height() }

// Empty reports whether the box has no area.
func (r Rect) Empty() bool { return r.X2 <= r.X1 || r.Y2 <= r.Y1 }

// Center returns the integer midpoint of the box.
func (r Rect) Center() image.Point {
	return image.Pt((r.X1+r.X2)/2, (r.Y1+r.Y2)/2)
}

// Canon returns the box with its corners ordered so that X1<=X2 and Y1<=Y2.
func (r Rect) Canon() Rect {
	if r.X2 < r.X1 {
		r.X1, r.X2 = r.X2, r.X1
	}
	if r.Y2 < r.Y1 {
		r.Y1, r.Y2 = r.Y2, r.Y1
	}
	return r
}

// Rectangle converts the box to an image.Rectangle.
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

// CenterDistance returns the euclidean distance between two box centers.
func CenterDistance(a, b Rect) float64 {
	ca, cb := a.Center(), b.Center()
	return math.Hypot(float64(ca.X-cb.X), float64(ca.Y-cb.Y))
}

// CalculateIoU returns the intersection over union of two boxes, in [0,1].
//
// The intersection is bounded by the larger of the two top-left corners and the
// smaller of the two bottom-right corners; disjoint or touching boxes score 0.
//
// Arguments:
//   - r: The first box.
//   - o: The box to compare against.
//
// Returns:
//   - float32: 1 for identical boxes, 0 for disjoint ones.
func CalculateIoU(r, o Rect) float32 {
	ix1 := max(r.X1, o.X1)
	iy1 := max(r.Y1, o.Y1)
	ix2 := min(r.X2, o.X2)
	iy2 := min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	unionArea := r.Area() + o.Area() - interArea
	if unionArea <= 0 {
		return 0.0
	}

	return float32(interArea) / float32(unionArea)
}

// ExpandAndClip pads a box and fits it to a frame.
//
// Each side grows by round(edge * paddingRatio), the result is clipped to the
// frame, and any edge still shorter than minEdge is grown symmetrically (shifting
// inward at the frame border) before a final clip. The result always satisfies
// 0 <= X1 < X2 <= width and 0 <= Y1 < Y2 <= height for a non-empty frame.
//
// Arguments:
//   - r: The box to expand. Inverted corners are reordered first.
//   - width: The frame width.
//   - height: The frame height.
//   - paddingRatio: The fraction of each edge added on both sides.
//   - minEdge: The smallest edge length the result may have.
//
// Returns:
//   - Rect: The padded and clipped box.
//
// @example
//
//	r := images.ExpandAndClip(images.Rect{X1: 100, Y1: 100, X2: 140, Y2: 130}, 640, 480, 0.3, 32)
//	// r == Rect{X1: 88, Y1: 91, X2: 152, Y2: 139}
func ExpandAndClip(r Rect, width, height int, paddingRatio float64, minEdge int) Rect {
	r = r.Canon()
	if paddingRatio > 0 {
		padX := int(math.Round(float64(r.X2-r.X1) * paddingRatio))
		padY := int(math.Round(float64(r.Y2-r.Y1) * paddingRatio))
		r.X1 -= padX
		r.X2 += padX
		r.Y1 -= padY
		r.Y2 += padY
	}
	return ClampRect(r, width, height, minEdge)
}

// ClampRect clips a box to the frame and enforces the minimum edge length.
//
// Arguments:
//   - r: The box to clamp. Inverted corners are reordered first.
//   - width: The frame width.
//   - height: The frame height.
//   - minEdge: The smallest edge length the result may have, capped at the frame size.
//
// Returns:
//   - Rect: A non-empty box inside the frame.
func ClampRect(r Rect, width, height, minEdge int) Rect {
	r = r.Canon()
	r.X1, r.X2 = fitAxis(r.X1, r.X2, width, minEdge)
	r.Y1, r.Y2 = fitAxis(r.Y1, r.Y2, height, minEdge)
	return r
}

// fitAxis clips [lo,hi) to [0,limit) and grows it to at least min(minEdge, limit).
func fitAxis(lo, hi, limit, minEdge int) (int, int) {
	if limit <= 0 {
		return 0, 1
	}

	lo = max(0, min(lo, limit))
	hi = max(0, min(hi, limit))

	if target := min(minEdge, limit); hi-lo < target {
		extra := target - (hi - lo)
		lo -= (extra + 1) / 2
		hi += extra / 2
		if lo < 0 {
			hi -= lo
			lo = 0
		}
		if hi > limit {
			lo -= hi - limit
			hi = limit
		}
		lo = max(0, lo)
	}

	lo = min(lo, limit-1)
	hi = max(lo+1, min(hi, limit))
	return lo, hi
}
