package provisioner

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of provisioning failure categories.
type ErrorKind string

const (
	KindResourceNotFound      ErrorKind = "ResourceNotFound"
	KindResourceAlreadyExists ErrorKind = "ResourceAlreadyExists"
	KindQuotaExceeded         ErrorKind = "QuotaExceeded"
	KindServiceUnavailable    ErrorKind = "ServiceUnavailable"
	KindUnknown               ErrorKind = "Unknown"
)

// Error is returned by every Provisioner operation that fails.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindQuotaExceeded:
		return fmt.Sprintf("AWS Lambda quota exceeded: %s", e.Reason)
	case KindResourceNotFound:
		return fmt.Sprintf("The resource specified in the request does not exist: %s", e.Reason)
	case KindResourceAlreadyExists:
		return fmt.Sprintf("The resource already exists, or another operation is in progress: %s", e.Reason)
	case KindServiceUnavailable:
		return fmt.Sprintf("The Lambda service encountered an internal error: %s", e.Reason)
	default:
		return fmt.Sprintf("AWS Lambda error: %s", e.Reason)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, ErrResourceNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrResourceNotFound      = &Error{Kind: KindResourceNotFound}
	ErrResourceAlreadyExists = &Error{Kind: KindResourceAlreadyExists}
	ErrQuotaExceeded         = &Error{Kind: KindQuotaExceeded}
	ErrServiceUnavailable    = &Error{Kind: KindServiceUnavailable}
)

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of a provisioning error. Errors that did not come
// from a Provisioner are reported as KindUnknown.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err says the function does not exist.
func IsNotFound(err error) bool {
	return KindOf(err) == KindResourceNotFound
}
