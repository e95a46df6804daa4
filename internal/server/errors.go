package server

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/timzinin/andry/internal/gateway"
)

// ErrRunNotFound is returned when a requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrStoreUnavailable is returned when a request needs the database and the
// server runs without one.
var ErrStoreUnavailable = errors.New("run store unavailable")

// HTTPStatus maps an error to the HTTP status code for its response.
func HTTPStatus(err error) int {
	var admission *gateway.AdmissionError
	var rejected *gateway.InputRejectedError
	var empty *gateway.ExtractionEmptyError
	var invalid validator.ValidationErrors

	switch {
	case errors.As(err, &admission):
		return http.StatusTooManyRequests
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.As(err, &empty):
		return http.StatusBadGateway
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
