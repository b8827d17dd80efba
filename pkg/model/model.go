package model

import (
	"fmt"
	"strconv"
)

type Format string

const (
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
	FormatJPG  Format = "jpg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
)

const (
	DefaultWidth   = 320
	DefaultFormat  = FormatWebP
	DefaultQuality = 100
)

// Known reports whether the format has an explicit encode branch.
// Anything else falls through to re-encoding in the source's own format.
func (f Format) Known() bool {
	switch f {
	case FormatWebP, FormatJPEG, FormatJPG, FormatPNG:
		return true
	}
	return false
}

// Canonical folds aliases, jpg becomes jpeg.
func (f Format) Canonical() Format {
	if f == FormatJPG {
		return FormatJPEG
	}
	return f
}

func (f Format) MimeType() string {
	return "image/" + string(f.Canonical())
}

type TransformRequest struct {
	SourceURL string // Absolute URL of the original image, http(s):// or s3://
	Width     int    // Target width in pixels, height follows the aspect ratio
	Format    Format // Output format as requested, not normalized
	Quality   int    // 0-100, meaning depends on Format
}

// CacheKey returns the result cache key for the request. It depends only on the four fields.
func (r *TransformRequest) CacheKey() string {
	return fmt.Sprintf("%s-%d-%s-%d", r.SourceURL, r.Width, r.Format, r.Quality)
}

func (r *TransformRequest) String() string {
	return r.SourceURL + " w=" + strconv.Itoa(r.Width) + " f=" + string(r.Format) + " q=" + strconv.Itoa(r.Quality)
}

type TransformResult struct {
	Bytes    []byte
	MimeType string
}
