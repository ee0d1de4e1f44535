// Package postprocess applies the free-tier output treatment: bounded
// downscale and a logo watermark in the bottom-right corner.
package postprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/disintegration/imaging"
)

const (
	logoWidthRatio   = 0.08
	logoMaxWidth     = 120
	logoPaddingRatio = 0.2
)

type Processor struct {
	logo         image.Image
	maxDimension int
}

// New loads the watermark logo from disk. maxDimension bounds the
// longer edge of downscaled output.
func New(logoPath string, maxDimension int) (*Processor, error) {
	f, err := os.Open(logoPath)
	if err != nil {
		return nil, fmt.Errorf("open watermark logo: %w", err)
	}
	defer f.Close()

	logo, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode watermark logo: %w", err)
	}
	return &Processor{logo: logo, maxDimension: maxDimension}, nil
}

// NewWithLogo builds a processor around an already decoded logo.
func NewWithLogo(logo image.Image, maxDimension int) *Processor {
	return &Processor{logo: logo, maxDimension: maxDimension}
}

// Apply watermarks the image and, when downscale is set, fits it
// within the configured maximum dimension. Output is always PNG.
func (p *Processor) Apply(data []byte, downscale bool) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if downscale && (width > p.maxDimension || height > p.maxDimension) {
		src = imaging.Fit(src, p.maxDimension, p.maxDimension, imaging.Lanczos)
		bounds = src.Bounds()
		width, height = bounds.Dx(), bounds.Dy()
	}

	logoWidth := int(float64(width) * logoWidthRatio)
	if logoWidth > logoMaxWidth {
		logoWidth = logoMaxWidth
	}
	if logoWidth < 1 {
		logoWidth = 1
	}
	logo := imaging.Resize(p.logo, logoWidth, 0, imaging.Lanczos)
	padding := int(float64(logoWidth) * logoPaddingRatio)

	out := imaging.Overlay(src, logo, image.Pt(
		width-logo.Bounds().Dx()-padding,
		height-logo.Bounds().Dy()-padding,
	), 1.0)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
