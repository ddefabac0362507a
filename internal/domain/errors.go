package domain

import (
	"errors"
	"net/http"
)

// ErrDuplicateEventKey is returned when two stored events share one EventKey.
var ErrDuplicateEventKey = errors.New("duplicate event key")

// ErrNotFound is returned when a stream or consumer group does not exist.
var ErrNotFound = errors.New("not found")

// ExportServiceError is an export failure the caller can act on. Status
// follows HTTP semantics.
type ExportServiceError struct {
	Status  int
	Message string
}

func (e *ExportServiceError) Error() string {
	return e.Message
}

// NewBadRequestError wraps a validation failure of an export request.
func NewBadRequestError(msg string) *ExportServiceError {
	return &ExportServiceError{Status: http.StatusBadRequest, Message: msg}
}
