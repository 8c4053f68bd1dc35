package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"conarchive/api/internal/assets"
	"conarchive/api/internal/auth"
	"conarchive/api/internal/authpw"
	"conarchive/api/internal/gitrepo"
	"conarchive/api/internal/moderation"
	"conarchive/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func badRequest(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_BODY", message, nil)
}

func fieldError(field, reason string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("invalid %s: %s", field, reason), map[string]any{"field": field})
}

// retryAfterSeconds is sent with every 503.
const retryAfterSeconds = "2"

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var validation *moderation.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), map[string]any{"field": validation.Field}
	}
	var accountField *authpw.FieldError
	if errors.As(err, &accountField) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", accountField.Error(), map[string]any{"field": accountField.Field}
	}

	switch {
	case errors.Is(err, auth.ErrExpired):
		return http.StatusUnauthorized, "EXPIRED", "Credential expired", nil
	case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, authpw.ErrInvalidLogin):
		return http.StatusUnauthorized, "INVALID_CREDENTIAL", "Invalid credential", nil
	case errors.Is(err, moderation.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, assets.ErrInvalidName):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid file name", map[string]any{"field": "file"}
	case errors.Is(err, moderation.ErrUnavailable),
		errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Temporarily unavailable, retry later", nil
	case errors.Is(err, moderation.ErrConflict),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, authpw.ErrUserExists):
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	case errors.Is(err, moderation.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, authpw.ErrUserNotFound),
		errors.Is(err, gitrepo.ErrNoHistory):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
