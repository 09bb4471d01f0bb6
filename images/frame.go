package images

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Frame is one decoded video frame as packed BGR24 pixels.
type Frame struct {
	// Index is the frame's position in display order.
	Index  int
	Width  int
	Height int
	// Data holds Height*Width*3 bytes, row-major, BGR.
	Data []byte
}

// NewFrame allocates a black frame.
func NewFrame(index, width, height int) Frame {
	return Frame{Index: index, Width: width, Height: height, Data: make([]byte, width*height*3)}
}

// Clone deep-copies the frame.
func (f Frame) Clone() Frame {
	c := f
	c.Data = append([]byte(nil), f.Data...)
	return c
}

// Valid reports whether the buffer length matches the declared dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*3
}

// Fill paints a region of the frame with a solid BGR color. The region is clipped to the frame.
func (f Frame) Fill(r Rect, c color.RGBA) {
	r = r.Canon()
	x1, y1 := max(0, r.X1), max(0, r.Y1)
	x2, y2 := min(f.Width, r.X2), min(f.Height, r.Y2)
	for y := y1; y < y2; y++ {
		row := y * f.Width * 3
		for x := x1; x < x2; x++ {
			i := row + x*3
			f.Data[i], f.Data[i+1], f.Data[i+2] = c.B, c.G, c.R
		}
	}
}

// Image converts the frame to an RGBA image for pure-Go processing.
func (f Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Data); i, j = i+3, j+4 {
		img.Pix[j] = f.Data[i+2]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i]
		img.Pix[j+3] = 0xff
	}
	return img
}

// ToMat copies the frame into a new CV_8UC3 Mat. The caller must Close it.
//
// Returns:
//   - gocv.Mat: The frame as a BGR Mat.
//   - error: An error if the buffer does not match the frame dimensions.
func (f Frame) ToMat() (gocv.Mat, error) {
	if !f.Valid() {
		return gocv.NewMat(), errors.Errorf("frame %d: %d bytes for %dx%d", f.Index, len(f.Data), f.Width, f.Height)
	}
	return matFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
}

// matFromBytes returns a Mat that owns a copy of data, detached from the Go slice.
func matFromBytes(rows, cols int, mt gocv.MatType, data []byte) (gocv.Mat, error) {
	view, err := gocv.NewMatFromBytes(rows, cols, mt, data)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "mat from bytes")
	}
	defer view.Close()
	return view.Clone(), nil
}

// FrameFromMat copies a CV_8UC3 Mat into a Frame.
//
// Arguments:
//   - index: The frame index to assign.
//   - m: The source Mat. It is not closed.
//
// Returns:
//   - Frame: The copied frame.
//   - error: An error if the Mat is empty or not three-channel.
func FrameFromMat(index int, m gocv.Mat) (Frame, error) {
	if m.Empty() {
		return Frame{}, errors.Errorf("frame %d: empty mat", index)
	}
	if m.Type() != gocv.MatTypeCV8UC3 {
		return Frame{}, errors.Errorf("frame %d: unsupported mat type %v", index, m.Type())
	}
	return Frame{Index: index, Width: m.Cols(), Height: m.Rows(), Data: m.ToBytes()}, nil
}
