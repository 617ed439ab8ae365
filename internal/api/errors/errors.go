// Package errors is the HTTP error envelope the api handlers write through,
// grounded on the teacher's internal/api/errors: a structured APIError with
// a stable code, an HTTP status derived from that code, and a timestamp and
// request id for support correlation.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable API error identifier.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeUnauthorized   Code = "AUTHENTICATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeNeedsReauth    Code = "NEEDS_REAUTH"
	CodePlanPaused     Code = "PLAN_PAUSED"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// APIError is the JSON shape every failed request returns.
type APIError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Timestamp string `json:"timestamp"`
}

type envelope struct {
	Error APIError `json:"error"`
}

func New(code Code, message string) *APIError {
	return &APIError{Code: code, Message: message, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// StatusCode maps a Code to the HTTP status the envelope is written with.
func (e *APIError) StatusCode() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodePlanPaused:
		return http.StatusConflict
	case CodeNeedsReauth:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Write encodes err as the standard envelope at its mapped status code.
func Write(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	_ = json.NewEncoder(w).Encode(envelope{Error: *err})
}

func Validation(message string) *APIError   { return New(CodeValidation, message) }
func NotFound(resource string) *APIError    { return New(CodeNotFound, resource+" not found") }
func Internal(message string) *APIError     { return New(CodeInternal, message) }
func Unauthorized(message string) *APIError { return New(CodeUnauthorized, message) }
