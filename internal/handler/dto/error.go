package dto

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mtlprog/caseflow/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// AllowedTransitions lists the statuses the case can move to, set on INVALID_TRANSITION.
	AllowedTransitions []string `json:"allowed_transitions,omitempty"`
}

// NewErrorResponse creates a new error response.
func NewErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// MapDomainError maps domain errors to HTTP status codes and error codes.
func MapDomainError(err error) (status int, code string, message string) {
	message = err.Error()

	switch {
	// Case errors
	case errors.Is(err, domain.ErrCaseNotFound):
		return http.StatusNotFound, "CASE_NOT_FOUND", message
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", message
	case errors.Is(err, domain.ErrConcurrentUpdate):
		return http.StatusConflict, "CONCURRENT_UPDATE", message
	case errors.Is(err, domain.ErrCaseAlreadyExists):
		return http.StatusConflict, "CASE_ALREADY_EXISTS", message
	case errors.Is(err, domain.ErrCaseAlreadyAssigned):
		return http.StatusConflict, "CASE_ALREADY_ASSIGNED", message

	// Permission errors
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden, "INSUFFICIENT_ACCESS", message
	case errors.Is(err, domain.ErrMissingActor):
		return http.StatusUnauthorized, "MISSING_ACTOR", message

	// Validation errors
	case errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", message
	case errors.Is(err, domain.ErrInvalidCaseNumber):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", message
	case errors.Is(err, domain.ErrInvalidApplicant):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", message

	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable"

	// Default: internal server error
	default:
		slog.Error("unmapped domain error returned to client",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
		)
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
	}
}
