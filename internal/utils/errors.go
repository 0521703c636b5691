package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is a client mistake. Its message is safe to show.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

func NotFound(resource string) error {
	return &NotFoundError{Resource: resource}
}

// ServerError pairs a sanitized message with the underlying cause.
// Only Message ever reaches a client.
type ServerError struct {
	Message string
	Err     error
}

func (e *ServerError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error { return e.Err }

func Server(message string, err error) error {
	return &ServerError{Message: message, Err: err}
}

// StatusCode maps an error to the HTTP status it should produce.
func StatusCode(err error) int {
	var ve *ValidationError
	var nf *NotFoundError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text a client may see for err.
func PublicMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Message
	}
	return "Internal server error"
}
