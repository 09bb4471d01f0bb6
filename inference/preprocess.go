package inference

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-unmark/images"
)

// letterboxFill is the grey the model was trained with for padded borders.
const letterboxFill = 114.0 / 255.0

// Letterbox records how a frame was scaled and padded into the square model
// input, so model coordinates can be mapped back.
type Letterbox struct {
	Scale  float64
	PadX   int
	PadY   int
	Width  int
	Height int
}

// NewLetterbox computes the aspect-preserving fit of a frame into size x size.
func NewLetterbox(width, height, size int) Letterbox {
	scale := min(float64(size)/float64(width), float64(size)/float64(height))
	w := max(1, int(float64(width)*scale+0.5))
	h := max(1, int(float64(height)*scale+0.5))
	return Letterbox{
		Scale:  scale,
		PadX:   (size - w) / 2,
		PadY:   (size - h) / 2,
		Width:  width,
		Height: height,
	}
}

// ToFrame maps a model-space box given by its center and size back to frame
// coordinates, clipped to the frame.
func (l Letterbox) ToFrame(cx, cy, w, h float32) images.Rect {
	unmap := func(v float32, pad int) int {
		return int((float64(v)-float64(pad))/l.Scale + 0.5)
	}
	r := images.Rect{
		X1: unmap(cx-w/2, l.PadX),
		Y1: unmap(cy-h/2, l.PadY),
		X2: unmap(cx+w/2, l.PadX),
		Y2: unmap(cy+h/2, l.PadY),
	}
	return images.ClampRect(r, l.Width, l.Height, 1)
}

// PrepareInput letterboxes a frame into one CHW slot of the model input.
//
// Arguments:
//   - frame: The BGR frame.
//   - size: The square model input edge.
//   - dst: The destination slot, at least 3*size*size floats.
//
// Returns:
//   - Letterbox: The mapping back to frame coordinates.
//   - error: An error if the frame or destination is malformed.
func PrepareInput(frame images.Frame, size int, dst []float32) (Letterbox, error) {
	channelSize := size * size
	if len(dst) < channelSize*3 {
		return Letterbox{}, errors.Errorf("destination holds %d floats, needs %d", len(dst), channelSize*3)
	}
	if !frame.Valid() {
		return Letterbox{}, errors.Errorf("frame %d is malformed", frame.Index)
	}

	lb := NewLetterbox(frame.Width, frame.Height, size)
	w := max(1, int(float64(frame.Width)*lb.Scale+0.5))
	h := max(1, int(float64(frame.Height)*lb.Scale+0.5))
	scaled := resize.Resize(uint(w), uint(h), frame.Image(), resize.Bilinear)

	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]
	for i := 0; i < channelSize; i++ {
		red[i], green[i], blue[i] = letterboxFill, letterboxFill, letterboxFill
	}

	rgba, ok := scaled.(*image.RGBA)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y+lb.PadY)*size + x + lb.PadX
			if ok {
				p := rgba.PixOffset(x+rgba.Rect.Min.X, y+rgba.Rect.Min.Y)
				red[i] = float32(rgba.Pix[p]) / 255
				green[i] = float32(rgba.Pix[p+1]) / 255
				blue[i] = float32(rgba.Pix[p+2]) / 255
				continue
			}
			r, g, b, _ := scaled.At(x+scaled.Bounds().Min.X, y+scaled.Bounds().Min.Y).RGBA()
			red[i] = float32(r>>8) / 255
			green[i] = float32(g>>8) / 255
			blue[i] = float32(b>>8) / 255
		}
	}
	return lb, nil
}

// Anchors is the number of YOLOv8 predictions for a square input edge.
func Anchors(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (size / stride) * (size / stride)
	}
	return n
}

// DecodeYOLO picks the highest-scoring box per image from a YOLOv8 output
// laid out as batch x (4+classes) x anchors.
//
// Arguments:
//   - output: The flattened output tensor.
//   - classes: The number of class rows after the four box rows.
//   - anchors: The number of predictions per image.
//   - boxes: The letterbox of each image in the batch.
//   - threshold: The minimum class score.
//
// Returns:
//   - []Detection: One detection per image; NotDetected below threshold.
//   - []int: The winning class per image, -1 when none.
func DecodeYOLO(output []float32, classes, anchors int, boxes []Letterbox, threshold float32) ([]Detection, []int) {
	stride := (4 + classes) * anchors
	dets := make([]Detection, len(boxes))
	labels := make([]int, len(boxes))

	for b, lb := range boxes {
		dets[b], labels[b] = NotDetected(), -1
		if (b+1)*stride > len(output) {
			continue
		}
		out := output[b*stride : (b+1)*stride]

		best, bestIdx, bestClass := threshold, -1, -1
		for idx := 0; idx < anchors; idx++ {
			for c := 0; c < classes; c++ {
				if score := out[(4+c)*anchors+idx]; score >= best && (bestIdx < 0 || score > best) {
					best, bestIdx, bestClass = score, idx, c
				}
			}
		}
		if bestIdx < 0 {
			continue
		}

		r := lb.ToFrame(out[bestIdx], out[anchors+bestIdx], out[2*anchors+bestIdx], out[3*anchors+bestIdx])
		if r.Empty() {
			continue
		}
		dets[b], labels[b] = Found(r, best), bestClass
	}
	return dets, labels
}
