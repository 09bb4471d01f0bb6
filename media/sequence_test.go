package media

import (
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-unmark/images"
)

func writeFrame(t *testing.T, path string, shade uint8) {
	t.Helper()
	f := images.NewFrame(0, 32, 24)
	f.Fill(images.Rect{X2: 32, Y2: 24}, color.RGBA{R: shade, G: shade, B: shade, A: 255})
	m, err := f.ToMat()
	require.NoError(t, err)
	defer m.Close()
	require.True(t, gocv.IMWrite(path, m))
}

func TestSequenceSource(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, filepath.Join(dir, "frame-10.png"), 30)
	writeFrame(t, filepath.Join(dir, "frame-2.png"), 20)
	writeFrame(t, filepath.Join(dir, "frame-1.png"), 10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	src, err := OpenSequence(dir, 25)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, VideoInfo{Width: 32, Height: 24, FPS: 25, TotalFrames: 3}, src.Info())

	var shades []byte
	for {
		f, err := src.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, len(shades), f.Index)
		shades = append(shades, f.Data[0])
	}
	assert.Equal(t, []byte{10, 20, 30}, shades)

	require.NoError(t, src.Rewind())
	f, err := src.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, f.Index)
}

func TestListSequenceRejectsUnnumbered(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, filepath.Join(dir, "logo.png"), 0)

	_, err := ListSequence(dir)
	assert.Error(t, err)
}

func TestOpenSequenceEmpty(t *testing.T) {
	_, err := OpenSequence(t.TempDir(), 25)
	assert.Error(t, err)
}
