package apperrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	Transient     Kind = "TransientProviderError"
	Permanent     Kind = "PermanentProviderError"
	RateLimited   Kind = "RateLimitExceeded"
	Normalization Kind = "NormalizationError"
	Storage       Kind = "StorageError"
	Cancelled     Kind = "CancellationRequested"
)

// Error is a classified failure. Op names the operation that failed
// (e.g. "metoffice.fetch"), Detail carries provider context.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Detail     string
	HTTPStatus int
	RetryAfter time.Duration
	Raw        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Detail)
	}
	if e.Raw != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Raw)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Raw }

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. Returns nil for a nil err.
func Wrap(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, Raw: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Unclassified context errors count as cancellation; anything else is "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus
	}
	return 0
}

func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Retryable reports whether a failure of this kind may succeed on retry.
func (k Kind) Retryable() bool {
	return k == Transient || k == RateLimited
}
