package images

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Mask is a single-channel frame-sized buffer; 255 marks pixels to inpaint.
type Mask struct {
	Width  int
	Height int
	Data   []byte
}

// NewMask allocates an empty mask.
func NewMask(width, height int) Mask {
	return Mask{Width: width, Height: height, Data: make([]byte, width*height)}
}

// Clone deep-copies the mask.
func (m Mask) Clone() Mask {
	c := m
	c.Data = append([]byte(nil), m.Data...)
	return c
}

// Area returns the number of foreground pixels.
func (m Mask) Area() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Empty reports whether the mask has no foreground pixels.
func (m Mask) Empty() bool {
	for _, v := range m.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

// SameShape reports whether the mask covers a width x height frame.
func (m Mask) SameShape(width, height int) bool {
	return m.Width == width && m.Height == height && len(m.Data) == width*height
}

// Fill sets a region of the mask to 255. The region is clipped to the mask.
func (m Mask) Fill(r Rect) {
	r = r.Canon()
	x1, y1 := max(0, r.X1), max(0, r.Y1)
	x2, y2 := min(m.Width, r.X2), min(m.Height, r.Y2)
	for y := y1; y < y2; y++ {
		row := m.Data[y*m.Width : (y+1)*m.Width]
		for x := x1; x < x2; x++ {
			row[x] = 255
		}
	}
}

// ToMat copies the mask into a new CV_8UC1 Mat. The caller must Close it.
func (m Mask) ToMat() (gocv.Mat, error) {
	if m.Width <= 0 || m.Height <= 0 || len(m.Data) != m.Width*m.Height {
		return gocv.NewMat(), errors.Errorf("mask: %d bytes for %dx%d", len(m.Data), m.Width, m.Height)
	}
	return matFromBytes(m.Height, m.Width, gocv.MatTypeCV8UC1, m.Data)
}

// MaskFromMat copies a CV_8UC1 Mat into a Mask.
func MaskFromMat(mat gocv.Mat) (Mask, error) {
	if mat.Empty() {
		return Mask{}, errors.New("mask: empty mat")
	}
	if mat.Type() != gocv.MatTypeCV8UC1 {
		return Mask{}, errors.Errorf("mask: unsupported mat type %v", mat.Type())
	}
	return Mask{Width: mat.Cols(), Height: mat.Rows(), Data: mat.ToBytes()}, nil
}

// DilateEllipse dilates src into dst with an elliptical kernel.
//
// Arguments:
//   - src: The binary image to dilate.
//   - dst: The destination. It may be src.
//   - kernelSize: The kernel edge length; even sizes are raised to the next odd size.
//   - iterations: The number of dilation passes.
//
// Returns:
//   - error: An error if OpenCV rejects the operation.
func DilateEllipse(src gocv.Mat, dst *gocv.Mat, kernelSize, iterations int) error {
	if kernelSize <= 1 || iterations <= 0 {
		src.CopyTo(dst)
		return nil
	}
	if kernelSize%2 == 0 {
		kernelSize++
	}

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(kernelSize, kernelSize))
	defer kernel.Close()

	cur := src
	for i := 0; i < iterations; i++ {
		if err := gocv.Dilate(cur, dst, kernel); err != nil {
			return errors.Wrapf(err, "dilate pass %d", i)
		}
		cur = *dst
	}
	return nil
}

// RasterizeAndDilate draws a filled box into an empty mask and dilates it.
//
// Arguments:
//   - r: The box to rasterize; it is clipped to the frame.
//   - height: The frame height.
//   - width: The frame width.
//   - kernelSize: The elliptical kernel size; values <= 1 skip dilation.
//   - iterations: The number of dilation passes; values <= 0 skip dilation.
//
// Returns:
//   - Mask: The rasterized mask.
//   - error: An error if OpenCV rejects the dilation.
func RasterizeAndDilate(r Rect, height, width, kernelSize, iterations int) (Mask, error) {
	mask := NewMask(width, height)
	mask.Fill(r)
	if kernelSize <= 1 || iterations <= 0 {
		return mask, nil
	}

	mat, err := mask.ToMat()
	if err != nil {
		return mask, err
	}
	defer mat.Close()

	if err := DilateEllipse(mat, &mat, kernelSize, iterations); err != nil {
		return mask, err
	}
	return MaskFromMat(mat)
}
