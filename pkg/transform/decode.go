package transform

import (
	"bytes"
	"errors"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/sepich/thumbcache/pkg/model"
)

var errUnknownFormat = errors.New("unsupported or corrupt image data")

var (
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
	magicPNG  = []byte("\x89PNG\r\n\x1a\n")
	magicGIF  = []byte("GIF8")
	magicRIFF = []byte("RIFF")
	magicWEBP = []byte("WEBP")
)

// Sniff detects a supported image format from the leading bytes.
func Sniff(data []byte) (model.Format, bool) {
	switch {
	case bytes.HasPrefix(data, magicJPEG):
		return model.FormatJPEG, true
	case bytes.HasPrefix(data, magicPNG):
		return model.FormatPNG, true
	case bytes.HasPrefix(data, magicGIF):
		return model.FormatGIF, true
	case len(data) >= 12 && bytes.Equal(data[:4], magicRIFF) && bytes.Equal(data[8:12], magicWEBP):
		return model.FormatWebP, true
	}
	return "", false
}

func decode(data []byte) (image.Image, model.Format, error) {
	format, ok := Sniff(data)
	if !ok {
		return nil, "", errUnknownFormat
	}

	r := bytes.NewReader(data)
	var img image.Image
	var err error
	switch format {
	case model.FormatJPEG:
		img, err = jpeg.Decode(r)
	case model.FormatPNG:
		img, err = png.Decode(r)
	case model.FormatGIF:
		img, err = gif.Decode(r)
	case model.FormatWebP:
		img, err = webp.Decode(r)
	}
	if err != nil {
		return nil, "", err
	}
	return img, format, nil
}
