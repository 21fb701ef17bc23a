package events

import "github.com/gradeos/gradeos/pkg/models"

// NodeStartedPayload accompanies NODE_STARTED.
type NodeStartedPayload struct {
	Node    string `json:"node"`
	Attempt int    `json:"attempt"`
}

// NodeCompletedPayload accompanies NODE_COMPLETED.
type NodeCompletedPayload struct {
	Node       string `json:"node"`
	Attempt    int    `json:"attempt"`
	DurationMS int64  `json:"duration_ms"`
}

// NodeFailedPayload accompanies NODE_FAILED. Warning marks non-fatal
// failures (retryable errors, checkpoint downgrades) that do not terminate
// the node.
type NodeFailedPayload struct {
	Node    string           `json:"node"`
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Warning bool             `json:"warning,omitempty"`
}

// ProgressPayload accompanies PROGRESS.
type ProgressPayload struct {
	Stage          models.Stage `json:"stage"`
	Progress       float64      `json:"progress"`
	CompletedPages int          `json:"completed_pages,omitempty"`
	TotalPages     int          `json:"total_pages,omitempty"`
}

// PartialResultPayload accompanies PARTIAL_RESULT, emitted per graded page
// during fan-out.
type PartialResultPayload struct {
	StudentKey string            `json:"student_key"`
	PageIndex  int               `json:"page_index"`
	Status     models.PageStatus `json:"status"`
	Score      float64           `json:"score"`
	MaxScore   float64           `json:"max_score"`
}

// ReviewRequiredPayload accompanies REVIEW_REQUIRED when a gate pauses the run.
type ReviewRequiredPayload struct {
	Gate models.ReviewGate `json:"gate"`
}

// RunCompletedPayload accompanies RUN_COMPLETED.
type RunCompletedPayload struct {
	TotalScore    float64 `json:"total_score"`
	MaxTotalScore float64 `json:"max_total_score"`
	Students      int     `json:"students"`
	FailedPages   int     `json:"failed_pages"`
}

// RunFailedPayload accompanies RUN_FAILED.
type RunFailedPayload struct {
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}
