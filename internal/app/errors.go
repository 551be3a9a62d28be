package app

import (
	"errors"
	"fmt"
	"net/http"
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

const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeConflict           = "CONFLICT"
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
)

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func conflictError(message string) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, message, nil)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func forbiddenError() *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "This action is unauthorized.", nil)
}

func invalidCredentials() *DomainError {
	return domainError(http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password", nil)
}

// IsCode reports whether err carries a DomainError with the given code.
func IsCode(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
