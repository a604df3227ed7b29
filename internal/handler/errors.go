// internal/handler/errors.go
package handler

import (
	"errors"
	"net/http"

	"board-service/internal/protocol/serial"
	"board-service/internal/service"
	"board-service/internal/upload"
)

// errorStatus maps service errors to HTTP status codes
func errorStatus(err error) int {
	var ioErr *serial.IOError
	var abortErr *upload.AbortError

	switch {
	case errors.Is(err, serial.ErrUnsupportedPlatform):
		return http.StatusNotImplemented
	case errors.Is(err, serial.ErrNoPortSelected),
		errors.Is(err, serial.ErrInvalidOptions),
		errors.Is(err, service.ErrEmptyProgram):
		return http.StatusBadRequest
	case errors.Is(err, serial.ErrPortBusy),
		errors.Is(err, serial.ErrAlreadyConnected),
		errors.Is(err, upload.ErrUploadInProgress):
		return http.StatusConflict
	case errors.Is(err, serial.ErrNotConnected):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrUnsupportedBoard):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoActiveUpload):
		return http.StatusNotFound
	case errors.As(err, &ioErr), errors.As(err, &abortErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
