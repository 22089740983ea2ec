package api

import (
	"errors"
	"net/http"

	"github.com/Cartesion-product/slide-svc/internal/domain"
	"github.com/Cartesion-product/slide-svc/internal/scheduler"
	"github.com/Cartesion-product/slide-svc/internal/service"
	"github.com/Cartesion-product/slide-svc/internal/service/auth"
	"github.com/Cartesion-product/slide-svc/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error
// types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid):
		return http.StatusUnauthorized

	// Not found errors. Ownership mismatches also land here so task ids
	// cannot be probed across users.
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrDefaultResultNotFound),
		errors.Is(err, service.ErrNotOwned):
		return http.StatusNotFound

	// Capacity rejection: retryable by the client
	case errors.Is(err, scheduler.ErrCapacityExceeded):
		return http.StatusServiceUnavailable

	// Download requested before the task succeeded
	case errors.Is(err, service.ErrTaskNotReady):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrInvalidArtifactType),
		errors.Is(err, domain.ErrInvalidOwnership),
		errors.Is(err, domain.ErrEmptyTaskDocumentID),
		errors.Is(err, domain.ErrEmptyTaskSource),
		errors.Is(err, domain.ErrEmptyTaskUserID),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, scheduler.ErrSchedulerStopped):
		return http.StatusServiceUnavailable

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid):
		return "Invalid token"

	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, service.ErrNotOwned):
		return "Task not found"

	case errors.Is(err, store.ErrDefaultResultNotFound):
		return "No default result for this document"

	case errors.Is(err, scheduler.ErrCapacityExceeded):
		return "Task queue is full, try again later"

	case errors.Is(err, scheduler.ErrSchedulerStopped):
		return "Service is shutting down"

	case errors.Is(err, service.ErrTaskNotReady):
		return "Task result is not ready yet"

	case errors.Is(err, domain.ErrInvalidArtifactType):
		return "Unknown artifact type"

	case errors.Is(err, domain.ErrInvalidOwnership):
		return "Unknown document ownership"

	case errors.Is(err, domain.ErrEmptyTaskDocumentID),
		errors.Is(err, domain.ErrEmptyTaskSource):
		return "Document id and source are required"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request data"

	default:
		return "An unexpected error occurred"
	}
}
