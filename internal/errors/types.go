package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeRuntime    ErrorType = "runtime"
	ErrorTypeInternal   ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeConfigInvalid  = "ERR_CONFIG_INVALID"
	ErrCodeConfigNotFound = "ERR_CONFIG_NOT_FOUND"
	ErrCodeNoServerConfig = "ERR_NO_SERVER_CONFIG"
	ErrCodeTooManyConfigs = "ERR_TOO_MANY_CONFIGS"
	ErrCodeBuildFailed    = "ERR_BUILD_FAILED"
	ErrCodeEvalFailed     = "ERR_EVAL_FAILED"
	ErrCodeModuleNotFound = "ERR_MODULE_NOT_FOUND"
	ErrCodeListenFailed   = "ERR_LISTEN_FAILED"
	ErrCodeInvalidPattern = "ERR_INVALID_PATTERN"
	ErrCodeWatcherFailed  = "ERR_WATCHER_FAILED"
)

// HotswapError is a structured error type with context.
type HotswapError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	FilePath    string
	Recoverable bool
}

// Error implements the error interface.
func (e *HotswapError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.FilePath != "" {
		parts = append(parts, e.FilePath)
	}
	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *HotswapError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a HotswapError with the same type and code.
func (e *HotswapError) Is(target error) bool {
	var t *HotswapError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *HotswapError) WithContext(key string, value interface{}) *HotswapError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithFile records the file the error relates to.
func (e *HotswapError) WithFile(filePath string) *HotswapError {
	e.FilePath = filePath

	return e
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *HotswapError {
	return &HotswapError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewBuildError creates a build error.
func NewBuildError(code, message string, cause error) *HotswapError {
	return &HotswapError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *HotswapError {
	return &HotswapError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *HotswapError {
	return &HotswapError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewRuntimeError creates an error raised while running server code.
func NewRuntimeError(code, message string, cause error) *HotswapError {
	return &HotswapError{
		Type:    ErrorTypeRuntime,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewNetworkError creates a network error.
func NewNetworkError(code, message string, cause error) *HotswapError {
	return &HotswapError{
		Type:    ErrorTypeNetwork,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *HotswapError {
	return &HotswapError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var he *HotswapError
	if errors.As(err, &he) {
		return he.Recoverable
	}

	return false
}

// IsBuildError checks if an error is build-related.
func IsBuildError(err error) bool {
	var he *HotswapError
	if errors.As(err, &he) {
		return he.Type == ErrorTypeBuild
	}

	return false
}

// IsRuntimeError checks if an error came from executing server code.
func IsRuntimeError(err error) bool {
	var he *HotswapError
	if errors.As(err, &he) {
		return he.Type == ErrorTypeRuntime
	}

	return false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	var he *HotswapError
	for err != nil {
		if errors.As(err, &he) {
			if he.Code == code {
				return true
			}
			err = he.Cause
			continue
		}
		return false
	}

	return false
}
