// Package errors provides structured error types for devchain.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for devchain.
const (
	// Validation errors
	CodeInvalidName    Code = "INVALID_NAME"
	CodeInvalidRef     Code = "INVALID_REF"
	CodeInvalidOptions Code = "INVALID_OPTIONS"
	CodeInvalidPath    Code = "INVALID_PATH"
	CodeInvalidEvent   Code = "INVALID_EVENT"

	// Not-found errors
	CodeWorktreeNotFound Code = "WORKTREE_NOT_FOUND"
	CodeProviderNotFound Code = "PROVIDER_NOT_FOUND"
	CodeAgentNotFound    Code = "AGENT_NOT_FOUND"
	CodeProjectNotFound  Code = "PROJECT_NOT_FOUND"

	// Conflict errors
	CodeWorktreeExists Code = "WORKTREE_EXISTS"
	CodeSessionActive  Code = "SESSION_ACTIVE"

	// Precondition errors
	CodeWorktreeInvalidState Code = "WORKTREE_INVALID_STATE"
	CodeGitDirty             Code = "GIT_DIRTY"
	CodeBinaryMissing        Code = "PROVIDER_BINARY_MISSING"
	CodeMcpNotConfigured     Code = "MCP_NOT_CONFIGURED"
	CodeAutoCompactEnabled   Code = "CLAUDE_AUTO_COMPACT_ENABLED"
	CodeWorktreeNotReady     Code = "WORKTREE_NOT_READY"

	// External failures
	CodeGitFailed          Code = "GIT_FAILED"
	CodeDockerUnavailable  Code = "DOCKER_UNAVAILABLE"
	CodeContainerFailed    Code = "CONTAINER_UNREACHABLE"
	CodeProviderCLIFailed  Code = "PROVIDER_CLI_FAILED"
	CodeMergeConflicts     Code = "MERGE_CONFLICTS"
	CodeMultiplexerFailed  Code = "MULTIPLEXER_FAILED"

	// Timeouts
	CodeContainerTimeout Code = "CONTAINER_TIMEOUT"
	CodeHealthTimeout    Code = "HEALTH_TIMEOUT"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeInvalidName:    CategoryBadRequest,
	CodeInvalidRef:     CategoryBadRequest,
	CodeInvalidOptions: CategoryBadRequest,
	CodeInvalidPath:    CategoryBadRequest,
	CodeInvalidEvent:   CategoryBadRequest,

	CodeWorktreeNotFound: CategoryNotFound,
	CodeProviderNotFound: CategoryNotFound,
	CodeAgentNotFound:    CategoryNotFound,
	CodeProjectNotFound:  CategoryNotFound,

	CodeWorktreeExists: CategoryConflict,
	CodeSessionActive:  CategoryConflict,

	CodeWorktreeInvalidState: CategoryBadRequest,
	CodeGitDirty:             CategoryBadRequest,
	CodeBinaryMissing:        CategoryBadRequest,
	CodeMcpNotConfigured:     CategoryBadRequest,
	CodeAutoCompactEnabled:   CategoryBadRequest,
	CodeWorktreeNotReady:     CategoryUnavailable,

	CodeGitFailed:         CategoryInternal,
	CodeDockerUnavailable: CategoryUnavailable,
	CodeContainerFailed:   CategoryBadRequest,
	CodeProviderCLIFailed: CategoryInternal,
	CodeMergeConflicts:    CategoryConflict,
	CodeMultiplexerFailed: CategoryInternal,

	CodeContainerTimeout: CategoryTimeout,
	CodeHealthTimeout:    CategoryTimeout,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// DevError is the structured error type for devchain.
type DevError struct {
	Code    Code           `json:"code"`
	What    string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *DevError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *DevError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *DevError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *DevError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler, including the cause message.
func (e *DevError) MarshalJSON() ([]byte, error) {
	type alias DevError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a DevError with the same code.
func (e *DevError) Is(target error) bool {
	t, ok := target.(*DevError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *DevError) WithCause(err error) *DevError {
	clone := *e
	clone.Cause = err
	return &clone
}

// WithDetail returns a copy of the error with an extra detail entry.
func (e *DevError) WithDetail(key string, value any) *DevError {
	clone := *e
	clone.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

// New creates a DevError with the given code and message.
func New(code Code, what string) *DevError {
	return &DevError{Code: code, What: what}
}

// Newf creates a DevError with a formatted message.
func Newf(code Code, format string, args ...any) *DevError {
	return &DevError{Code: code, What: fmt.Sprintf(format, args...)}
}

// Wrap wraps a generic error into a DevError.
func Wrap(code Code, what string, cause error) *DevError {
	return &DevError{Code: code, What: what, Cause: cause}
}

// AsDevError attempts to convert an error to a DevError.
// Returns nil if the error is not a DevError.
func AsDevError(err error) *DevError {
	var devErr *DevError
	if stderrors.As(err, &devErr) {
		return devErr
	}
	return nil
}

// HTTPStatusOf returns the HTTP status for any error. Non-DevError
// values map to 500.
func HTTPStatusOf(err error) int {
	if devErr := AsDevError(err); devErr != nil {
		return devErr.HTTPStatus()
	}
	return 500
}
