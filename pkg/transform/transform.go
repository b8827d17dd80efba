// Package transform resizes and re-encodes source images.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/chai2010/webp"
	"github.com/nfnt/resize"
	"github.com/sepich/thumbcache/pkg/model"
)

// TransformError is returned when the source can't be decoded or the output can't be encoded.
type TransformError struct {
	Op  string // "decode", "resize" or "encode"
	Err error
}

func (e *TransformError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

func (e *TransformError) Is(tgt error) bool {
	_, ok := tgt.(*TransformError)
	return ok
}

type Transformer interface {
	Transform(ctx context.Context, data []byte, req *model.TransformRequest) (*model.TransformResult, error)
}

// ImageTransformer resizes with a Lanczos3 kernel and encodes per output format.
// It needs no system libraries, but its jpeg output is baseline.
type ImageTransformer struct {
	Limits Limits
}

var _ Transformer = &ImageTransformer{}

func (t *ImageTransformer) Transform(ctx context.Context, data []byte, req *model.TransformRequest) (*model.TransformResult, error) {
	src, err := t.Limits.Check(data, req.Width)
	if err != nil {
		return nil, err
	}
	img, _, err := decode(data)
	if err != nil {
		return nil, &TransformError{Op: "decode", Err: err}
	}

	resized := resize.Resize(uint(req.Width), uint(src.TargetHeight), img, resize.Lanczos3)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format := OutputFormat(req.Format, src.Format)

	buf := &bytes.Buffer{}
	if err := encode(buf, resized, format, req.Quality); err != nil {
		return nil, &TransformError{Op: "encode", Err: err}
	}

	return &model.TransformResult{
		Bytes:    buf.Bytes(),
		MimeType: format.MimeType(),
	}, nil
}

// OutputFormat is the format a request encodes to. Unknown formats keep the source format.
func OutputFormat(requested, native model.Format) model.Format {
	if requested.Known() {
		return requested.Canonical()
	}
	return native
}

// ScaledHeight returns the height that keeps the w x h aspect ratio at the target width, at least 1.
func ScaledHeight(w, h, targetWidth int) int {
	if w <= 0 {
		return 1
	}
	height := int(math.Round(float64(h) * float64(targetWidth) / float64(w)))
	if height < 1 {
		height = 1
	}
	return height
}

func encode(w io.Writer, img image.Image, format model.Format, quality int) error {
	switch format {
	case model.FormatWebP:
		return webp.Encode(w, img, &webp.Options{Lossless: false, Quality: float32(quality)})
	case model.FormatJPEG:
		// jpeg.Encode clamps quality into 1..100
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case model.FormatPNG:
		// PNG is lossless, quality has no effect. The encoder picks a filter per row.
		enc := &png.Encoder{CompressionLevel: png.BestCompression}
		return enc.Encode(w, img)
	case model.FormatGIF:
		return gif.Encode(w, img, nil)
	}
	return fmt.Errorf("no encoder for %q", format)
}
