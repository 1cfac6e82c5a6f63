// Package domain holds error types shared by the ingestion processors.
package domain

import (
	"errors"
	"fmt"
)

// ErrorType classifies a failure for job and document bookkeeping.
type ErrorType string

const (
	ErrorTypeInput       ErrorType = "input"
	ErrorTypeExtraction  ErrorType = "extraction"
	ErrorTypeContent     ErrorType = "content"
	ErrorTypeExternal    ErrorType = "external"
	ErrorTypePersistence ErrorType = "persistence"
	ErrorTypeConfig      ErrorType = "config"
)

// DomainError represents a classified error with context.
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error.
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// InputError marks a payload problem. Never retried.
func InputError(message string, err error) *DomainError {
	return NewError(ErrorTypeInput, message, err)
}

func ExtractionError(message string, err error) *DomainError {
	return NewError(ErrorTypeExtraction, message, err)
}

func ContentError(message string, err error) *DomainError {
	return NewError(ErrorTypeContent, message, err)
}

func ExternalError(message string, err error) *DomainError {
	return NewError(ErrorTypeExternal, message, err)
}

func PersistenceError(message string, err error) *DomainError {
	return NewError(ErrorTypePersistence, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

// IsType reports whether err wraps a DomainError of the given type.
func IsType(err error, errType ErrorType) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type == errType
	}
	return false
}
