package server

import (
	"net/http"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/async"
)

// statusFor maps the error sentinels used across fleet onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, async.ErrStoreUnavailable), errors.IsServiceUnavailableError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
