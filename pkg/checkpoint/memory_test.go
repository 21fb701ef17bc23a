package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeos/gradeos/pkg/models"
)

func snapshot(batchID string, stage models.Stage, status models.RunStatus) *Checkpoint {
	return &Checkpoint{
		BatchID:  batchID,
		NodeName: string(stage),
		NextNode: "next",
		State: &models.GradingState{
			BatchID:      batchID,
			Images:       []models.RawPage{{Index: 0, MIME: "image/png", Data: []byte{1}}},
			CurrentStage: stage,
			Status:       status,
		},
	}
}

func TestSaveAssignsSequencesPerRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seq, err := store.Save(ctx, snapshot("run-1", models.StageIntake, models.RunStatusRunning))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = store.Save(ctx, snapshot("run-1", models.StagePreprocess, models.RunStatusRunning))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	// A different run starts its own sequence.
	seq, err = store.Save(ctx, snapshot("run-2", models.StageIntake, models.RunStatusRunning))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestLoadLatestReturnsNewestSnapshot(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Save(ctx, snapshot("run-1", models.StageIntake, models.RunStatusRunning))
	require.NoError(t, err)
	_, err = store.Save(ctx, snapshot("run-1", models.StageSegment, models.RunStatusPaused))
	require.NoError(t, err)

	cp, err := store.LoadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Sequence)
	assert.Equal(t, string(models.StageSegment), cp.NodeName)
	assert.Equal(t, models.RunStatusPaused, cp.State.Status)
}

func TestLoadLatestUnknownRun(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.LoadLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveIsolatesCallerState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	cp := snapshot("run-1", models.StageIntake, models.RunStatusRunning)
	_, err := store.Save(ctx, cp)
	require.NoError(t, err)

	// Mutating the caller's state after Save must not leak into the store.
	cp.State.Status = models.RunStatusFailed
	cp.State.Errors = append(cp.State.Errors, models.NewGradingError(
		models.ErrKindInternal, models.StageIntake, "mutated after save"))

	loaded, err := store.LoadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, loaded.State.Status)
	assert.Empty(t, loaded.State.Errors)

	// And mutating a loaded snapshot must not corrupt the stored one.
	loaded.State.Status = models.RunStatusCancelled
	again, err := store.LoadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, again.State.Status)
}

func TestListActiveFiltersAndPaginates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Save(ctx, snapshot(fmt.Sprintf("run-%d", i), models.StageIntake, models.RunStatusRunning))
		require.NoError(t, err)
	}
	_, err := store.Save(ctx, snapshot("run-paused", models.StageRubricReview, models.RunStatusPaused))
	require.NoError(t, err)

	all, err := store.ListActive(ctx, models.RunFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	paused, err := store.ListActive(ctx, models.RunFilters{Status: models.RunStatusPaused})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "run-paused", paused[0].BatchID)

	limited, err := store.ListActive(ctx, models.RunFilters{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	offset, err := store.ListActive(ctx, models.RunFilters{Offset: 3})
	require.NoError(t, err)
	assert.Len(t, offset, 1)

	none, err := store.ListActive(ctx, models.RunFilters{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConcurrentSavesKeepSequencesContiguous(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const writers, each = 4, 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				_, err := store.Save(ctx, snapshot("run-1", models.StageGradeBatch, models.RunStatusRunning))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	cp, err := store.LoadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*each), cp.Sequence)
}
