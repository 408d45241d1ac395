package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sessionworks/maestro/pkg/services"
	"github.com/sessionworks/maestro/pkg/ticketfile"
)

// Machine-readable error codes carried in the response body.
const (
	codeValidation        = "VALIDATION"
	codeUnauthorized      = "UNAUTHORIZED"
	codePathTraversal     = "PATH_TRAVERSAL"
	codeNotFound          = "NOT_FOUND"
	codeConflict          = "CONFLICT"
	codeInvalidTransition = "INVALID_TRANSITION"
	codeInternal          = "INTERNAL"
)

// ErrorResponse is the JSON error body: a human-readable message plus an
// optional machine code and per-field details.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// apiError couples an HTTP status with the response body. Handlers return
// it; the envelope middleware renders it.
type apiError struct {
	status int
	body   ErrorResponse
}

func (e *apiError) Error() string {
	return e.body.Error
}

func newAPIError(status int, message, code string) *apiError {
	return &apiError{status: status, body: ErrorResponse{Error: message, Code: code}}
}

func (e *apiError) withDetails(details map[string]string) *apiError {
	e.body.Details = details
	return e
}

// badRequest builds a 400 validation error with one field detail.
func badRequest(field, message string) *apiError {
	return newAPIError(http.StatusBadRequest, "validation failed", codeValidation).
		withDetails(map[string]string{field: message})
}

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) error {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return badRequest(validErr.Field, validErr.Message)
	}
	var transErr *services.InvalidTransitionError
	if errors.As(err, &transErr) {
		return newAPIError(http.StatusConflict, transErr.Error(), codeInvalidTransition).
			withDetails(map[string]string{
				"from": string(transErr.From),
				"to":   string(transErr.To),
			})
	}
	if errors.Is(err, ticketfile.ErrPathTraversal) {
		return newAPIError(http.StatusForbidden, "path escapes project directory", codePathTraversal)
	}
	if errors.Is(err, services.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "resource not found", codeNotFound)
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return newAPIError(http.StatusConflict, "resource already exists", codeConflict)
	}
	if errors.Is(err, services.ErrHasLiveSession) {
		return newAPIError(http.StatusConflict, "a running or paused session already exists", codeConflict)
	}
	if errors.Is(err, services.ErrMissingFeedback) {
		return badRequest("feedback", "feedback is required when rejecting a ticket")
	}
	if errors.Is(err, services.ErrSessionNotRunning) {
		return newAPIError(http.StatusConflict, "session is not running", codeConflict)
	}
	if errors.Is(err, services.ErrTicketNotInProgress) {
		return newAPIError(http.StatusConflict, "ticket is not in progress", codeConflict)
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return newAPIError(http.StatusInternalServerError, "internal server error", codeInternal)
}

// toErrorResponse normalizes any handler error into a status + body pair.
// Raw service errors that bypassed mapServiceError are classified the same
// way so nothing leaks as a bare 500 by accident.
func toErrorResponse(err error) (int, ErrorResponse) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, ae.body
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		// Handlers that kept the plain echo idiom.
		return he.Code, ErrorResponse{Error: fmt.Sprintf("%v", he.Message)}
	}
	var sc echo.HTTPStatusCoder
	if errors.As(err, &sc) {
		// Router-produced errors (404/405).
		return sc.StatusCode(), ErrorResponse{Error: err.Error()}
	}
	if mapped := mapServiceError(err); errors.As(mapped, &ae) {
		return ae.status, ae.body
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: codeInternal}
}
