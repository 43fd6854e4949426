package thumbnail

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Resizer decodes an original image once so several widths can be derived
// from it.
type Resizer interface {
	Decode(data []byte) (Source, error)
}

// Source is a decoded image. Resize must be safe for concurrent use.
type Source interface {
	Resize(width int) ([]byte, error)
}

// ImagingResizer resizes with Lanczos resampling and keeps the source
// encoding when it can write it, falling back to PNG.
type ImagingResizer struct {
	JPEGQuality int
}

// NewImagingResizer returns a resizer with the default JPEG quality.
func NewImagingResizer() ImagingResizer {
	return ImagingResizer{JPEGQuality: 85}
}

func (r ImagingResizer) Decode(data []byte) (Source, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrUndecodable)
	}
	_, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	format, err := imaging.FormatFromExtension(name)
	if err != nil {
		format = imaging.PNG
	}
	quality := r.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return imagingSource{img: img, format: format, quality: quality}, nil
}

type imagingSource struct {
	img     image.Image
	format  imaging.Format
	quality int
}

// Resize scales to width keeping the aspect ratio. Images narrower than
// width are re-encoded at their own size.
func (s imagingSource) Resize(width int) ([]byte, error) {
	if width <= 0 {
		return nil, fmt.Errorf("invalid width %d", width)
	}
	out := s.img
	if s.img.Bounds().Dx() > width {
		out = imaging.Resize(s.img, width, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, s.format, imaging.JPEGQuality(s.quality)); err != nil {
		return nil, fmt.Errorf("encode %d: %w", width, err)
	}
	return buf.Bytes(), nil
}
