// Package engine defines the application lifecycle model shared by the
// request service, the worker, the reconciliation poller and the gateway.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a caller-facing error for programmatic handling.
type ErrorCode string

const (
	ErrCodeApplicationNotFound  ErrorCode = "APPLICATION_NOT_FOUND"
	ErrCodeDeploymentInProgress ErrorCode = "DEPLOYMENT_IN_PROGRESS"
	ErrCodeDeletionFailed       ErrorCode = "DELETION_FAILED"
	ErrCodePolicyDenied         ErrorCode = "POLICY_DENIED"
	ErrCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrCodeEventPublish         ErrorCode = "EVENT_PUBLISH_FAILED"
	ErrCodeInvalidState         ErrorCode = "INVALID_STATE"
)

// Error is a domain error surfaced to the caller of the request service or
// the gateway. Errors compare equal under errors.Is when their codes match.
type Error struct {
	// Code is the error classification.
	Code ErrorCode `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Application is the application name, if applicable.
	Application string `json:"application,omitempty"`

	// Reasons carries policy denial messages.
	Reasons []string `json:"reasons,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrApplicationNotFound  = &Error{Code: ErrCodeApplicationNotFound, Message: "application not found"}
	ErrDeploymentInProgress = &Error{Code: ErrCodeDeploymentInProgress, Message: "deployment in progress"}
	ErrDeletionFailed       = &Error{Code: ErrCodeDeletionFailed, Message: "previous deletion failed"}
	ErrPolicyDenied         = &Error{Code: ErrCodePolicyDenied, Message: "denied by policy"}
	ErrInvalidRequest       = &Error{Code: ErrCodeInvalidRequest, Message: "invalid request"}
	ErrEventPublish         = &Error{Code: ErrCodeEventPublish, Message: "failed to publish lifecycle event"}
	ErrInvalidState         = &Error{Code: ErrCodeInvalidState, Message: "invalid application state"}
)

// NewApplicationNotFoundError reports a name with no application record.
func NewApplicationNotFoundError(name string) *Error {
	return &Error{
		Code:        ErrCodeApplicationNotFound,
		Message:     fmt.Sprintf("application %s not found", name),
		Application: name,
	}
}

// NewDeploymentInProgressError reports a request that overlaps an in-flight operation.
func NewDeploymentInProgressError(name string, state State) *Error {
	return &Error{
		Code:        ErrCodeDeploymentInProgress,
		Message:     fmt.Sprintf("deployment in progress: %s is %s", name, state),
		Application: name,
	}
}

// NewDeletionFailedError reports a deployment request on an application whose
// deletion previously failed.
func NewDeletionFailedError(name string) *Error {
	return &Error{
		Code:        ErrCodeDeletionFailed,
		Message:     fmt.Sprintf("previous attempt to delete %s failed", name),
		Application: name,
	}
}

// NewPolicyDeniedError reports an admission policy rejection.
func NewPolicyDeniedError(name string, reasons []string) *Error {
	return &Error{
		Code:        ErrCodePolicyDenied,
		Message:     fmt.Sprintf("deployment of %s denied by policy: %s", name, strings.Join(reasons, "; ")),
		Application: name,
		Reasons:     reasons,
	}
}

// NewInvalidRequestError reports malformed input.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Code:    ErrCodeInvalidRequest,
		Message: message,
	}
}

// NewEventPublishError reports a lifecycle event that could not be published.
func NewEventPublishError(name string, err error) *Error {
	return &Error{
		Code:        ErrCodeEventPublish,
		Message:     fmt.Sprintf("failed to publish lifecycle event for %s", name),
		Application: name,
		Err:         err,
	}
}

// NewInvalidStateError reports a stored state outside the known set.
func NewInvalidStateError(name string, state State) *Error {
	return &Error{
		Code:        ErrCodeInvalidState,
		Message:     fmt.Sprintf("application %s has unknown state %q", name, string(state)),
		Application: name,
	}
}

// CodeOf returns the code of the first domain error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
