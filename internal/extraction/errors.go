package extraction

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies extraction errors.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindUpstream       ErrorKind = "upstream"
	KindTimeout        ErrorKind = "timeout"
	KindStorage        ErrorKind = "storage"
	KindRetryExhausted ErrorKind = "retry_exhausted"
	KindNotFound       ErrorKind = "not_found"
	KindForbidden      ErrorKind = "forbidden"
	KindConflict       ErrorKind = "conflict"
	KindNotCancellable ErrorKind = "not_cancellable"
	KindInternal       ErrorKind = "internal"
)

// Error is an extraction error with a kind callers can branch on.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrRetryExhausted)
// holds for every retry-exhausted error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "job not found"}
	ErrNotOwner       = &Error{Kind: KindForbidden, Message: "job belongs to another owner"}
	ErrRetryExhausted = &Error{Kind: KindRetryExhausted, Message: "retry not allowed"}
	ErrNotCancellable = &Error{Kind: KindNotCancellable, Message: "job is already in a terminal state"}
	// ErrStatusConflict is returned by a Store when a compare-and-set update
	// finds the job in a different status than expected.
	ErrStatusConflict = &Error{Kind: KindConflict, Message: "job status changed concurrently"}
)

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ValidationError reports bad input at submission.
func ValidationError(message string, err error) *Error {
	return newError(KindValidation, message, err)
}

// UpstreamError reports a failure or malformed payload from an external service.
func UpstreamError(message string, err error) *Error {
	return newError(KindUpstream, message, err)
}

// TimeoutError reports that a wait ceiling was exceeded.
func TimeoutError(message string, err error) *Error {
	return newError(KindTimeout, message, err)
}

// StorageError reports Job Store or blob storage unavailability.
func StorageError(message string, err error) *Error {
	return newError(KindStorage, message, err)
}

// KindOf classifies err. Unknown errors are internal; context deadlines are timeouts.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsUpstream reports whether err came from an external service. Timeouts count
// as upstream failures.
func IsUpstream(err error) bool {
	k := KindOf(err)
	return k == KindUpstream || k == KindTimeout
}
