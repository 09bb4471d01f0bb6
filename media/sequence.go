package media

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-unmark/images"
)

// SequenceFile is one numbered image of a frame sequence.
type SequenceFile struct {
	Path  string
	Frame int
}

// ListSequence finds the frame images in a directory, named frame-<n>.<ext>
// or <n>.<ext>, ordered by frame number.
//
// Arguments:
//   - dir: The directory to scan.
//
// Returns:
//   - []SequenceFile: The images, ordered by frame number.
//   - error: An error if the directory cannot be read or a name has no number.
func ListSequence(dir string) ([]SequenceFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}

	var files []SequenceFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch ext {
		case ".jpg", ".jpeg", ".png", ".bmp":
		default:
			continue
		}
		stem := strings.TrimPrefix(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())), "frame-")
		n, err := strconv.Atoi(stem)
		if err != nil {
			return nil, errors.Wrapf(err, "frame number of %s", entry.Name())
		}
		files = append(files, SequenceFile{Path: filepath.Join(dir, entry.Name()), Frame: n})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Frame < files[j].Frame
	})
	return files, nil
}

// SequenceSource reads a directory of numbered images as a video.
type SequenceSource struct {
	files []SequenceFile
	info  VideoInfo
	next  int
}

// OpenSequence opens an image sequence. The frame size comes from the first image.
//
// Arguments:
//   - dir: The directory holding the images.
//   - fps: The frame rate to report.
//
// Returns:
//   - *SequenceSource: The source.
//   - error: An error if the directory holds no readable images.
func OpenSequence(dir string, fps float64) (*SequenceSource, error) {
	files, err := ListSequence(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no frame images in %s", dir)
	}

	first := gocv.IMRead(files[0].Path, gocv.IMReadColor)
	defer first.Close()
	if first.Empty() {
		return nil, errors.Errorf("read %s", files[0].Path)
	}

	return &SequenceSource{
		files: files,
		info: VideoInfo{
			Width:       first.Cols(),
			Height:      first.Rows(),
			FPS:         fps,
			TotalFrames: len(files),
		},
	}, nil
}

// Info implements FrameSource.
func (s *SequenceSource) Info() VideoInfo { return s.info }

// Read implements FrameSource. Images whose size differs from the first are rejected.
func (s *SequenceSource) Read() (images.Frame, error) {
	if s.next >= len(s.files) {
		return images.Frame{}, io.EOF
	}
	file := s.files[s.next]

	mat := gocv.IMRead(file.Path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return images.Frame{}, errors.Errorf("read %s", file.Path)
	}
	if mat.Cols() != s.info.Width || mat.Rows() != s.info.Height {
		return images.Frame{}, errors.Errorf("%s is %dx%d, sequence is %dx%d",
			file.Path, mat.Cols(), mat.Rows(), s.info.Width, s.info.Height)
	}

	f, err := images.FrameFromMat(s.next, mat)
	if err != nil {
		return images.Frame{}, err
	}
	s.next++
	return f, nil
}

// Rewind implements Rewinder.
func (s *SequenceSource) Rewind() error {
	s.next = 0
	return nil
}

// Close implements FrameSource.
func (s *SequenceSource) Close() error { return nil }
