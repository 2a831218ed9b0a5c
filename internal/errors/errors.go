// Package errors defines the RFC 7807 style error payload returned by the
// HTTP API and helpers to render domain errors consistently.
package errors

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"datapulse/internal/pipeline"
)

// APIError is the problem-details payload returned on every error response
type APIError struct {
	Status  int    `json:"status"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Detail  string `json:"detail,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// Render implements render.Renderer
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Status)
	return nil
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Title
}

// NewAPIError builds an error payload
func NewAPIError(status int, errType, title, detail string) *APIError {
	return &APIError{Status: status, Type: errType, Title: title, Detail: detail}
}

// ErrInvalidRequest wraps a malformed request body or parameter
func ErrInvalidRequest(err error) render.Renderer {
	return NewAPIError(http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
}

// ErrNotFound reports a missing resource
func ErrNotFound(detail string) render.Renderer {
	return NewAPIError(http.StatusNotFound, "not_found", "Resource not found", detail)
}

// ErrConflict reports an operation illegal in the current state
func ErrConflict(detail string) render.Renderer {
	return NewAPIError(http.StatusConflict, "conflict", "Operation not allowed in current state", detail)
}

// ErrInternal hides internal details behind a generic payload
func ErrInternal(err error) render.Renderer {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return NewAPIError(http.StatusInternalServerError, "internal", "Internal server error", detail)
}

// FromPipeline maps a pipeline error to the right HTTP payload
func FromPipeline(err error) render.Renderer {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		return ErrInternal(err)
	}
	switch perr.Type {
	case pipeline.ErrorTypeNotFound:
		return ErrNotFound(perr.Message)
	case pipeline.ErrorTypeInvalidState:
		return ErrConflict(perr.Message)
	case pipeline.ErrorTypeValidation:
		return ErrInvalidRequest(perr)
	default:
		return ErrInternal(perr)
	}
}
