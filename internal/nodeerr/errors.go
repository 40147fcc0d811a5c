// Package nodeerr classifies the failures the node can hit. Each kind has a
// fixed handling policy: store errors read as "no credentials", link errors
// are retried, transport errors are logged and dropped.
package nodeerr

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	StoreError     ErrorType = "store"
	LinkError      ErrorType = "link"
	TransportError ErrorType = "transport"
	ParseError     ErrorType = "parse"
	ConfigError    ErrorType = "config"
)

type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewStoreError(message string, cause error) *AppError {
	return &AppError{Type: StoreError, Message: message, Cause: cause}
}

func NewLinkError(message string, cause error) *AppError {
	return &AppError{Type: LinkError, Message: message, Cause: cause}
}

func NewTransportError(message string, cause error) *AppError {
	return &AppError{Type: TransportError, Message: message, Cause: cause}
}

func NewParseError(message string, cause error) *AppError {
	return &AppError{Type: ParseError, Message: message, Cause: cause}
}

func NewConfigError(message string, cause error) *AppError {
	return &AppError{Type: ConfigError, Message: message, Cause: cause}
}

// Is reports whether any error in err's chain is an AppError of type t.
func Is(err error, t ErrorType) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type == t
}
