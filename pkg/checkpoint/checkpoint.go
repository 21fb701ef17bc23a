// Package checkpoint persists grading state snapshots at node boundaries
// and supports resume, review gates, and run listing.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/gradeos/gradeos/pkg/models"
)

// ErrNotFound is returned when a run has no saved checkpoints.
var ErrNotFound = errors.New("checkpoint: run not found")

// Checkpoint is one persisted snapshot. NodeName is the node that just
// completed; NextNode is where execution resumes (empty when the graph
// reached its end).
type Checkpoint struct {
	BatchID   string               `json:"batch_id"`
	Sequence  int64                `json:"sequence"`
	NodeName  string               `json:"node_name"`
	NextNode  string               `json:"next_node"`
	State     *models.GradingState `json:"state"`
	CreatedAt time.Time            `json:"created_at"`
}

// Checkpointer is the persistence boundary of the graph runtime. Writes for
// the same batch_id are serialized; concurrent runs do not contend.
//
// A checkpoint write failure downgrades the run to best-effort (no resume
// from that point) but never aborts grading — the runtime records the
// failure as a warning and continues.
type Checkpointer interface {
	// Save atomically appends a snapshot and advances the run index.
	// Returns the assigned sequence number.
	Save(ctx context.Context, cp *Checkpoint) (int64, error)

	// LoadLatest returns the most recent snapshot of a run.
	LoadLatest(ctx context.Context, batchID string) (*Checkpoint, error)

	// ListActive returns run summaries, newest first, honoring filters.
	ListActive(ctx context.Context, f models.RunFilters) ([]models.RunSummary, error)

	// Close releases backing resources.
	Close() error
}
