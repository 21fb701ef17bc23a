package models

import "time"

// ErrorKind classifies a grading error. The set is exhaustive; retryability
// is a property of the kind, not the call site.
type ErrorKind string

// Error kinds.
const (
	ErrKindLLMTransient       ErrorKind = "LLM_TRANSIENT"
	ErrKindLLMRateLimited     ErrorKind = "LLM_RATE_LIMITED"
	ErrKindLLMInvalidResponse ErrorKind = "LLM_INVALID_RESPONSE"
	ErrKindParseFailure       ErrorKind = "PARSE_FAILURE"
	ErrKindSchemaViolation    ErrorKind = "SCHEMA_VIOLATION"
	ErrKindBoundaryAmbiguous  ErrorKind = "BOUNDARY_AMBIGUOUS"
	ErrKindCheckpointFailure  ErrorKind = "CHECKPOINT_FAILURE"
	ErrKindCancelled          ErrorKind = "CANCELLED"
	ErrKindInternal           ErrorKind = "INTERNAL"
)

// Retryable reports whether an error of this kind may be retried at the
// call site.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindLLMTransient, ErrKindLLMRateLimited, ErrKindLLMInvalidResponse:
		return true
	default:
		return false
	}
}

// GradingError is a recorded, non-panicking error of one run. Every error is
// appended to GradingState.Errors; fatal kinds additionally terminate nodes
// or the run per the propagation policy.
type GradingError struct {
	Kind      ErrorKind `json:"kind"`
	Stage     string    `json:"stage"`
	PageIndex *int      `json:"page_index,omitempty"`
	Retryable bool      `json:"retryable"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewGradingError builds a GradingError stamped with the current time.
func NewGradingError(kind ErrorKind, stage Stage, message string) GradingError {
	return GradingError{
		Kind:      kind,
		Stage:     string(stage),
		Retryable: kind.Retryable(),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithPage returns a copy of the error annotated with a page index.
func (e GradingError) WithPage(pageIndex int) GradingError {
	e.PageIndex = &pageIndex
	return e
}
