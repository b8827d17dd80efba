// Package libvips is the production transform engine. It uses libvips for progressive, optimized jpeg
// and adaptive-filtered png output.
package libvips

import (
	"context"
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/sepich/thumbcache/pkg/model"
	"github.com/sepich/thumbcache/pkg/transform"
	"go.uber.org/zap"
)

var startOnce sync.Once

// Startup initializes libvips once per process and routes its log output to logger.
// concurrency is the libvips worker thread count per operation, 0 keeps the libvips default.
func Startup(logger *zap.Logger, concurrency int) {
	startOnce.Do(func() {
		if logger != nil {
			vips.LoggingSettings(func(domain string, level vips.LogLevel, msg string) {
				switch level {
				case vips.LogLevelError, vips.LogLevelCritical:
					logger.Error(msg, zap.String("domain", domain))
				case vips.LogLevelWarning:
					logger.Warn(msg, zap.String("domain", domain))
				default:
					logger.Debug(msg, zap.String("domain", domain))
				}
			}, vips.LogLevelWarning)
		}
		vips.Startup(&vips.Config{ConcurrencyLevel: concurrency})
	})
}

// Shutdown releases libvips. No Transform may run afterwards.
func Shutdown() {
	vips.Shutdown()
}

// Transformer resizes with a Lanczos3 kernel and encodes through libvips. Startup must be called first.
type Transformer struct {
	Limits transform.Limits
}

var _ transform.Transformer = &Transformer{}

func (t *Transformer) Transform(ctx context.Context, data []byte, req *model.TransformRequest) (*model.TransformResult, error) {
	src, err := t.Limits.Check(data, req.Width)
	if err != nil {
		return nil, err
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, &transform.TransformError{Op: "decode", Err: err}
	}
	defer img.Close()

	hscale := float64(req.Width) / float64(img.Width())
	vscale := float64(src.TargetHeight) / float64(img.Height())
	if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return nil, &transform.TransformError{Op: "resize", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format := transform.OutputFormat(req.Format, src.Format)
	out, err := export(img, format, req.Quality)
	if err != nil {
		return nil, &transform.TransformError{Op: "encode", Err: err}
	}

	return &model.TransformResult{
		Bytes:    out,
		MimeType: format.MimeType(),
	}, nil
}

func export(img *vips.ImageRef, format model.Format, quality int) ([]byte, error) {
	var out []byte
	var err error
	switch format {
	case model.FormatWebP:
		p := vips.NewWebpExportParams()
		p.StripMetadata = true
		p.Quality = quality
		p.Lossless = false
		p.NearLossless = false
		out, _, err = img.ExportWebp(p)
	case model.FormatJPEG:
		// libvips only honours the trellis, deringing and scan options when built against mozjpeg
		p := vips.NewJpegExportParams()
		p.StripMetadata = true
		p.Quality = max(quality, 1)
		p.Interlace = true
		p.OptimizeCoding = true
		p.TrellisQuant = true
		p.OvershootDeringing = true
		p.OptimizeScans = true
		p.QuantTable = 3
		out, _, err = img.ExportJpeg(p)
	case model.FormatPNG:
		p := vips.NewPngExportParams()
		p.StripMetadata = true
		p.Compression = 9
		p.Filter = vips.PngFilterAll
		p.Interlace = false
		out, _, err = img.ExportPng(p)
	case model.FormatGIF:
		out, _, err = img.ExportGIF(vips.NewGifExportParams())
	default:
		err = fmt.Errorf("no encoder for %q", format)
	}
	return out, err
}
