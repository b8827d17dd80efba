package model

import (
	"net/url"
	"strconv"
	"strings"
)

// Limits bounds and defaults the query parameters of an image request.
type Limits struct {
	MaxWidth       int
	DefaultWidth   int
	DefaultFormat  Format
	DefaultQuality int
}

func DefaultLimits() Limits {
	return Limits{
		MaxWidth:       4096,
		DefaultWidth:   DefaultWidth,
		DefaultFormat:  DefaultFormat,
		DefaultQuality: DefaultQuality,
	}
}

// InvalidRequestError is returned when a request can't be served without any downstream work.
type InvalidRequestError struct {
	Param  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return e.Param + ": " + e.Reason
}

func (e *InvalidRequestError) Is(tgt error) bool {
	_, ok := tgt.(*InvalidRequestError)
	return ok
}

// ParseTransformRequest builds a TransformRequest from url, width, format and quality query parameters.
func ParseTransformRequest(q url.Values, limits Limits) (*TransformRequest, error) {
	req := &TransformRequest{
		SourceURL: q.Get("url"),
		Width:     limits.DefaultWidth,
		Format:    limits.DefaultFormat,
		Quality:   limits.DefaultQuality,
	}
	if req.SourceURL == "" {
		return nil, &InvalidRequestError{Param: "url", Reason: "image url is required"}
	}
	u, err := url.Parse(req.SourceURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, &InvalidRequestError{Param: "url", Reason: "must be an absolute url"}
	}

	if v := q.Get("width"); v != "" {
		width, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, &InvalidRequestError{Param: "width", Reason: "must be an integer"}
		}
		if width < 1 || (limits.MaxWidth > 0 && width > limits.MaxWidth) {
			return nil, &InvalidRequestError{Param: "width", Reason: "must be between 1 and " + strconv.Itoa(limits.MaxWidth)}
		}
		req.Width = width
	}

	if v := q.Get("format"); v != "" {
		req.Format = Format(v)
	}

	if v := q.Get("quality"); v != "" {
		quality, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, &InvalidRequestError{Param: "quality", Reason: "must be an integer"}
		}
		if quality < 0 || quality > 100 {
			return nil, &InvalidRequestError{Param: "quality", Reason: "must be between 0 and 100"}
		}
		req.Quality = quality
	}

	return req, nil
}
