package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConfig       ErrorType = "config"
	ErrorTypeParse        ErrorType = "parse"
	ErrorTypeHook         ErrorType = "hook"
	ErrorTypeBuild        ErrorType = "build"
	ErrorTypeIO           ErrorType = "io"
	ErrorTypeRegistration ErrorType = "registration"
	ErrorTypeInternal     ErrorType = "internal"
)

// AttitudeError is a structured error type with context.
type AttitudeError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Path        string
	Recoverable bool
}

// Error implements the error interface.
func (e *AttitudeError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *AttitudeError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by type and code, so every error built from
// one of the sentinels below matches it.
func (e *AttitudeError) Is(target error) bool {
	var t *AttitudeError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithPath adds the file system path the error refers to.
func (e *AttitudeError) WithPath(path string) *AttitudeError {
	e.Path = path

	return e
}

// Sentinels for errors.Is checks. Use the With* helpers to derive a
// contextualised copy rather than returning them directly.
var (
	ErrDuplicateKey      = &AttitudeError{Type: ErrorTypeRegistration, Code: "DUPLICATE_KEY", Message: "key already registered"}
	ErrUnknownKey        = &AttitudeError{Type: ErrorTypeRegistration, Code: "UNKNOWN_KEY", Message: "key not registered"}
	ErrDuplicateHook     = &AttitudeError{Type: ErrorTypeRegistration, Code: "DUPLICATE_HOOK", Message: "handler already registered"}
	ErrUnknownHook       = &AttitudeError{Type: ErrorTypeRegistration, Code: "UNKNOWN_HOOK", Message: "unknown hook"}
	ErrNotCallable       = &AttitudeError{Type: ErrorTypeRegistration, Code: "NOT_CALLABLE", Message: "extension is not callable"}
	ErrInaccessiblePage  = &AttitudeError{Type: ErrorTypeIO, Code: "INACCESSIBLE_PAGE", Message: "page path is not accessible"}
	ErrInvalidPageConfig = &AttitudeError{Type: ErrorTypeConfig, Code: "INVALID_PAGE_CONFIG", Message: "invalid page config"}
	ErrConflictingWrite  = &AttitudeError{Type: ErrorTypeHook, Code: "CONFLICTING_WRITE", Message: "concurrent handlers wrote different values"}
	ErrCompileFailed     = &AttitudeError{Type: ErrorTypeBuild, Code: "COMPILE_FAILED", Message: "compilation failed", Recoverable: true}
)

// Error creation functions

// NewConfigError creates a configuration error.
func NewConfigError(code, message string, cause error) *AttitudeError {
	return &AttitudeError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewHookError creates a hook dispatch error.
func NewHookError(code, message string, cause error) *AttitudeError {
	return &AttitudeError{
		Type:        ErrorTypeHook,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *AttitudeError {
	return &AttitudeError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewRegistrationError creates a programmer error raised at registration time.
func NewRegistrationError(code, message string) *AttitudeError {
	return &AttitudeError{
		Type:        ErrorTypeRegistration,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *AttitudeError {
	return &AttitudeError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// derive copies a sentinel and attaches a detail message and cause.
func derive(sentinel *AttitudeError, detail string, cause error) *AttitudeError {
	e := *sentinel
	if detail != "" {
		e.Message = sentinel.Message + ": " + detail
	}
	e.Cause = cause

	return &e
}

// DuplicateKey reports a key name registered twice.
func DuplicateKey(name string) *AttitudeError {
	return derive(ErrDuplicateKey, name, nil)
}

// UnknownKey reports a lookup of a key that was never registered.
func UnknownKey(name string) *AttitudeError {
	return derive(ErrUnknownKey, name, nil)
}

// DuplicateHook reports an owner registering twice for the same hook.
func DuplicateHook(hook, owner string) *AttitudeError {
	return derive(ErrDuplicateHook, hook+" ("+owner+")", nil)
}

// UnknownHook reports a hook name that was never declared.
func UnknownHook(hook string) *AttitudeError {
	return derive(ErrUnknownHook, hook, nil)
}

// NotCallable reports an extension whose entry point has the wrong shape.
func NotCallable(path string, cause error) *AttitudeError {
	return derive(ErrNotCallable, "", cause).WithPath(path)
}

// InaccessiblePage reports a page directory that could not be read.
func InaccessiblePage(path string, cause error) *AttitudeError {
	return derive(ErrInaccessiblePage, "", cause).WithPath(path)
}

// InvalidPageConfig reports a declarative page config file that failed to decode.
func InvalidPageConfig(path string, cause error) *AttitudeError {
	return derive(ErrInvalidPageConfig, "", cause).WithPath(path)
}

// ConflictingWrite reports two hook handlers setting the same field.
func ConflictingWrite(hook, field string) *AttitudeError {
	return derive(ErrConflictingWrite, hook+" field "+field, nil)
}

// CompileFailed wraps a bundler failure.
func CompileFailed(cause error) *AttitudeError {
	return derive(ErrCompileFailed, "", cause)
}

// Error recovery and handling utilities

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var te *AttitudeError
	if errors.As(err, &te) {
		return te.Recoverable
	}

	return false
}

// IsFatal reports whether err must stop the process. Errors that are not
// AttitudeErrors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	return !IsRecoverable(err)
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var te *AttitudeError
	if errors.As(err, &te) {
		return te.Type
	}

	return ErrorTypeInternal
}
