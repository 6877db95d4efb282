package app

import (
	"fmt"
	"net/http"
)

// Error codes carried in the JSON error envelope.
const (
	codeNotFound          = "NOT_FOUND"
	codeConflict          = "CONFLICT"
	codeCircularReference = "CIRCULAR_REFERENCE"
	codeInvalidParent     = "INVALID_PARENT"
	codeCorruptTree       = "CORRUPT_TREE"
	codeValidation        = "VALIDATION_ERROR"
	codeInvalidBody       = "INVALID_BODY"
	codeUnauthorized      = "UNAUTHORIZED"
	codeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	codeExportUnavailable = "EXPORT_UNAVAILABLE"
	codeServerError       = "SERVER_ERROR"
)

// DomainError is a service-level failure that maps directly onto an
// HTTP status and machine-readable error code.
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

// validationError is the 422 shorthand for rejected request input.
func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, codeValidation, message, nil)
}
