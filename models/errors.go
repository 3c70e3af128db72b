package models

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrValidation       = errors.New("invalid request")
	ErrNotFound         = errors.New("file not found")
	ErrModelUnavailable = errors.New("model not loaded")
	ErrIO               = errors.New("media io failure")
	ErrTooLarge         = errors.New("upload exceeds size limit")
)

// ProcessingError is any failure while running detection or encoding output.
type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func NewProcessingError(message string, cause error) *ProcessingError {
	return &ProcessingError{Message: message, Cause: cause}
}

// Validationf builds an error that maps to 400.
func Validationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
