package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/storyreel/pkg/log"
)

type ErrorType int

const (
	ErrValidation ErrorType = iota
	ErrParse
	ErrTransport
	ErrBackend
	ErrConfig
	ErrUnknown
)

// Error is the typed error surfaced to the CLI and HTTP API.
type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func New(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func Newf(errorType ErrorType, format string, args ...any) *Error {
	return New(errorType, fmt.Sprintf(format, args...))
}

func Wrap(err error, errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   err,
	}
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrValidation:
		return "Validation"
	case ErrParse:
		return "Parse"
	case ErrTransport:
		return "Transport"
	case ErrBackend:
		return "Backend"
	case ErrConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

// IsErrorType reports whether any error in err's chain is an *Error of the given type.
func IsErrorType(err error, errorType ErrorType) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// Message returns the bare message of the outermost *Error, or err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// Advice returns a user-facing hint for the error's type.
func Advice(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return "Please review the error details above"
	}
	switch appErr.Type {
	case ErrValidation:
		return "Please check the input: text must not be empty and uploads must be .epub files"
	case ErrParse:
		return "The EPUB could not be read; please verify the file is a valid, DRM-free EPUB"
	case ErrTransport:
		return "Please check that the generation backend is reachable and BACKEND_URL is correct"
	case ErrBackend:
		return "The backend reported a failure; please try generating again"
	case ErrConfig:
		return "Please check the configuration file and environment variables"
	default:
		return "Please review the error details above"
	}
}

// Report logs err together with its advice and reports whether it was typed.
func Report(err error) bool {
	var appErr *Error
	if !errors.As(err, &appErr) {
		log.Error("Unknown error: %v", err)
		return false
	}
	log.Error("Error detail: %v | advice: %s", err, Advice(err))
	return true
}
