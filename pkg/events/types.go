// Package events provides the per-run event bus: an append-only, totally
// ordered stream of progress and lifecycle events with isolated subscribers.
//
// Ordering contract: events of one run are totally ordered (single
// publisher per run, per-run sequence numbers). No ordering is promised
// across runs.
//
// Backpressure contract: a slow subscriber buffers up to its bounded queue,
// then drops events with a warning. Publishing never blocks graph
// execution.
package events

// Event type constants.
const (
	EventTypeNodeStarted    = "NODE_STARTED"
	EventTypeNodeCompleted  = "NODE_COMPLETED"
	EventTypeNodeFailed     = "NODE_FAILED"
	EventTypeProgress       = "PROGRESS"
	EventTypePartialResult  = "PARTIAL_RESULT"
	EventTypeReviewRequired = "REVIEW_REQUIRED"
	EventTypeRunCompleted   = "RUN_COMPLETED"
	EventTypeRunFailed      = "RUN_FAILED"
)

// Event is one entry of a run's event stream. Sequence is monotonically
// increasing per run, starting at 1.
type Event struct {
	Sequence  int64  `json:"sequence"`
	Type      string `json:"event_type"`
	BatchID   string `json:"batch_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
	Payload   any    `json:"payload,omitempty"`
}
