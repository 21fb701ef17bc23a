package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gradeos/gradeos/pkg/models"
)

// MemoryStore is an in-memory Checkpointer for development and tests.
// Snapshots are deep-copied on save and load for isolation.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]*Checkpoint
	lock *keyLock
}

// NewMemoryStore creates an empty in-memory checkpointer.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string][]*Checkpoint),
		lock: newKeyLock(),
	}
}

// Save implements Checkpointer.
func (m *MemoryStore) Save(_ context.Context, cp *Checkpoint) (int64, error) {
	kl := m.lock.get(cp.BatchID)
	kl.Lock()
	defer func() {
		kl.Unlock()
		if cp.State.Status.Terminal() {
			m.lock.drop(cp.BatchID)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	seq := int64(len(m.runs[cp.BatchID])) + 1
	stored := &Checkpoint{
		BatchID:   cp.BatchID,
		Sequence:  seq,
		NodeName:  cp.NodeName,
		NextNode:  cp.NextNode,
		State:     cp.State.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	m.runs[cp.BatchID] = append(m.runs[cp.BatchID], stored)
	cp.Sequence = seq
	return seq, nil
}

// LoadLatest implements Checkpointer.
func (m *MemoryStore) LoadLatest(_ context.Context, batchID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshots, ok := m.runs[batchID]
	if !ok || len(snapshots) == 0 {
		return nil, ErrNotFound
	}
	latest := snapshots[len(snapshots)-1]
	return &Checkpoint{
		BatchID:   latest.BatchID,
		Sequence:  latest.Sequence,
		NodeName:  latest.NodeName,
		NextNode:  latest.NextNode,
		State:     latest.State.Clone(),
		CreatedAt: latest.CreatedAt,
	}, nil
}

// ListActive implements Checkpointer.
func (m *MemoryStore) ListActive(_ context.Context, f models.RunFilters) ([]models.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]models.RunSummary, 0, len(m.runs))
	for batchID, snapshots := range m.runs {
		if len(snapshots) == 0 {
			continue
		}
		latest := snapshots[len(snapshots)-1]
		st := latest.State
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		summaries = append(summaries, models.RunSummary{
			BatchID:        batchID,
			Status:         st.Status,
			CurrentStage:   st.CurrentStage,
			Progress:       st.Progress,
			TotalPages:     len(st.Images),
			LatestSequence: latest.Sequence,
			CreatedAt:      st.CreatedAt.Format(time.RFC3339Nano),
			UpdatedAt:      latest.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt > summaries[j].UpdatedAt
	})
	if f.Offset > 0 {
		if f.Offset >= len(summaries) {
			return nil, nil
		}
		summaries = summaries[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(summaries) {
		summaries = summaries[:f.Limit]
	}
	return summaries, nil
}

// Close implements Checkpointer.
func (m *MemoryStore) Close() error { return nil }
