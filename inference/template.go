package inference

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
)

// Matcher finds a known watermark appearance in a frame.
type Matcher interface {
	// Match returns NotDetected when nothing scores above the threshold.
	// near narrows the search around a recent location when not nil.
	Match(frame images.Frame, near *images.Rect) (Detection, error)
}

type scaledTemplate struct {
	scale float64
	mat   gocv.Mat
}

// TemplateMatcher matches a grayscale watermark template at several scales
// with normalized cross-correlation.
type TemplateMatcher struct {
	cfg config.Template

	mu        sync.Mutex
	templates []scaledTemplate
}

// NewTemplateMatcher loads the template image at cfg.Path. Transparent pixels
// of a template with an alpha channel are zeroed.
//
// Arguments:
//   - cfg: The template path, scales and thresholds.
//
// Returns:
//   - *TemplateMatcher: The matcher.
//   - error: An error if the image cannot be read.
func NewTemplateMatcher(cfg config.Template) (*TemplateMatcher, error) {
	src := gocv.IMRead(cfg.Path, gocv.IMReadUnchanged)
	if src.Empty() {
		return nil, errors.Errorf("read template %s", cfg.Path)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()

	switch src.Channels() {
	case 4:
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
		planes := gocv.Split(src)
		defer func() {
			for _, p := range planes {
				p.Close()
			}
		}()
		data, err := gray.DataPtrUint8()
		if err != nil {
			return nil, errors.Wrap(err, "template pixels")
		}
		mask, err := planes[3].DataPtrUint8()
		if err != nil {
			return nil, errors.Wrap(err, "template alpha")
		}
		for i, a := range mask {
			if a == 0 {
				data[i] = 0
			}
		}
	case 3:
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	default:
		src.CopyTo(&gray)
	}

	return NewTemplateMatcherFromMat(gray, cfg)
}

// NewTemplateMatcherFromMat builds a matcher from a single-channel template.
// The template is copied; the caller keeps ownership of gray.
func NewTemplateMatcherFromMat(gray gocv.Mat, cfg config.Template) (*TemplateMatcher, error) {
	if gray.Empty() || gray.Channels() != 1 {
		return nil, errors.New("template must be a non-empty single-channel image")
	}

	scales := cfg.Scales
	if len(scales) == 0 {
		scales = []float64{1}
	}

	m := &TemplateMatcher{cfg: cfg}
	for _, s := range scales {
		if s <= 0 {
			continue
		}
		scaled := gocv.NewMat()
		if s == 1 {
			gray.CopyTo(&scaled)
		} else {
			gocv.Resize(gray, &scaled, image.Point{}, s, s, gocv.InterpolationLinear)
		}
		if scaled.Rows() < 2 || scaled.Cols() < 2 {
			scaled.Close()
			continue
		}
		m.templates = append(m.templates, scaledTemplate{scale: s, mat: scaled})
	}
	if len(m.templates) == 0 {
		return nil, errors.New("no usable template scales")
	}
	return m, nil
}

// Match implements Matcher.
//
// Arguments:
//   - frame: The BGR frame.
//   - near: A recent bbox; the search covers it expanded by SearchExpansion.
//
// Returns:
//   - Detection: The best match with its score as confidence, or NotDetected.
//   - error: An error if the frame cannot be converted.
func (m *TemplateMatcher) Match(frame images.Frame, near *images.Rect) (Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bgr, err := frame.ToMat()
	if err != nil {
		return NotDetected(), err
	}
	defer bgr.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)

	area := images.Rect{X2: frame.Width, Y2: frame.Height}
	if near != nil {
		area = images.ExpandAndClip(*near, frame.Width, frame.Height, m.cfg.SearchExpansion, 1)
	}
	region := gray.Region(area.Rectangle())
	defer region.Close()

	noMask := gocv.NewMat()
	defer noMask.Close()
	result := gocv.NewMat()
	defer result.Close()

	var (
		best  float32 = -1
		found images.Rect
	)
	for _, t := range m.templates {
		tw, th := t.mat.Cols(), t.mat.Rows()
		if tw > area.Width() || th > area.Height() {
			continue
		}
		gocv.MatchTemplate(region, t.mat, &result, gocv.TmCcoeffNormed, noMask)
		_, score, _, loc := gocv.MinMaxLoc(result)
		if score > best {
			best = score
			found = images.Rect{
				X1: area.X1 + loc.X,
				Y1: area.Y1 + loc.Y,
				X2: area.X1 + loc.X + tw,
				Y2: area.Y1 + loc.Y + th,
			}
		}
	}

	if best < m.cfg.MinScore {
		return NotDetected(), nil
	}
	det := Found(found, min(best, 1))
	det.Source = SourceTemplate
	return det, nil
}

// Close releases the scaled templates.
func (m *TemplateMatcher) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		t.mat.Close()
	}
	m.templates = nil
}
