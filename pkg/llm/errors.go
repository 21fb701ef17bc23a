package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gradeos/gradeos/pkg/models"
)

// Error is a classified LLM failure. Kind drives the retry decision;
// RetryAfter carries a provider-supplied cool-down hint (rate limits).
type Error struct {
	Kind       models.ErrorKind
	Message    string
	RetryAfter time.Duration
	cause      error
}

// NewError builds a classified error wrapping a cause.
func NewError(kind models.ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the retry layer may re-issue the call.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// KindOf classifies an arbitrary error returned by a Client. Context
// cancellation maps to CANCELLED; unclassified errors are treated as
// transient so one network hiccup never fails a page outright.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindLLMTransient
	}
	return models.ErrKindLLMTransient
}

// RetryAfterOf extracts a provider cool-down hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var le *Error
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}
