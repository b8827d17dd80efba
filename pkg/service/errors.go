package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/sepich/thumbcache/pkg/model"
)

const (
	MessageProcessingFailed = "failed to process image"
	MessageCanceled         = "request canceled"
)

// HTTPStatus maps an error from GetImage to the response status.
// Fetch and transform failures are both server errors, the upstream code is not passed through.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, &model.InvalidRequestError{}):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text shown to the client. Causes of server errors are only logged.
func PublicMessage(err error) string {
	var invalid *model.InvalidRequestError
	if errors.As(err, &invalid) {
		return invalid.Error()
	}
	if errors.Is(err, context.Canceled) {
		return MessageCanceled
	}
	return MessageProcessingFailed
}
