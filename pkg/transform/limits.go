package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/sepich/thumbcache/pkg/model"
)

const (
	DefaultMaxSourcePixels = 50_000_000
	DefaultMaxOutputPixels = 4096 * 4096
)

var ErrTooManyPixels = errors.New("image exceeds pixel limit")

// Limits bound the memory a single transform may allocate. Zero fields use the defaults.
type Limits struct {
	MaxSourcePixels int64
	MaxOutputPixels int64
}

// Source represents a source image that passed Limits.Check.
type Source struct {
	Format model.Format
	Width  int
	Height int
	// Output height at the requested width
	TargetHeight int
}

// Check reads only the image header and rejects sources whose decoded or resized
// pixel count is over the limits, so nothing large is allocated for them.
func (l Limits) Check(data []byte, targetWidth int) (*Source, error) {
	format, ok := Sniff(data)
	if !ok {
		return nil, &TransformError{Op: "decode", Err: errUnknownFormat}
	}
	cfg, err := readConfig(data, format)
	if err != nil {
		return nil, &TransformError{Op: "decode", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &TransformError{Op: "decode", Err: fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if targetWidth < 1 {
		return nil, &TransformError{Op: "resize", Err: fmt.Errorf("invalid width %d", targetWidth)}
	}

	maxSource := l.MaxSourcePixels
	if maxSource <= 0 {
		maxSource = DefaultMaxSourcePixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxSource {
		return nil, &TransformError{Op: "limits", Err: fmt.Errorf("%w: source is %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)}
	}

	height := ScaledHeight(cfg.Width, cfg.Height, targetWidth)
	maxOutput := l.MaxOutputPixels
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputPixels
	}
	if int64(targetWidth)*int64(height) > maxOutput {
		return nil, &TransformError{Op: "limits", Err: fmt.Errorf("%w: output would be %dx%d", ErrTooManyPixels, targetWidth, height)}
	}

	return &Source{Format: format, Width: cfg.Width, Height: cfg.Height, TargetHeight: height}, nil
}

func readConfig(data []byte, format model.Format) (image.Config, error) {
	r := bytes.NewReader(data)
	switch format {
	case model.FormatJPEG:
		return jpeg.DecodeConfig(r)
	case model.FormatPNG:
		return png.DecodeConfig(r)
	case model.FormatGIF:
		return gif.DecodeConfig(r)
	case model.FormatWebP:
		return webp.DecodeConfig(r)
	}
	return image.Config{}, errUnknownFormat
}
