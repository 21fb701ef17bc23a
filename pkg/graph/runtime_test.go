package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeos/gradeos/pkg/checkpoint"
	"github.com/gradeos/gradeos/pkg/events"
	"github.com/gradeos/gradeos/pkg/llm"
	"github.com/gradeos/gradeos/pkg/models"
)

func stageNode(stage models.Stage, progress float64) NodeFunc {
	return func(_ context.Context, _ *models.GradingState) (*Output, error) {
		s := stage
		p := progress
		return &Output{Update: &models.StateUpdate{CurrentStage: &s, Progress: &p}}, nil
	}
}

func testState(batchID string) *models.GradingState {
	return &models.GradingState{
		BatchID:   batchID,
		Status:    models.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
}

func collectTypes(sub *events.Subscription) []string {
	var types []string
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return types
			}
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

func TestRunLinearGraphCheckpointsEveryNode(t *testing.T) {
	b := NewBuilder()
	b.RegisterNode("first", stageNode(models.StageIntake, 0.1))
	b.RegisterNode("second", stageNode(models.StagePreprocess, 0.5))
	b.SetEntry("first")
	b.AddEdge("first", "second")
	g, err := b.Build()
	require.NoError(t, err)

	store := checkpoint.NewMemoryStore()
	bus := events.NewBus(0, 0)
	exec := NewExecutor(g, store, bus, nil)

	res, err := exec.Run(context.Background(), testState("run-1"), "")
	require.NoError(t, err)
	assert.False(t, res.Paused)
	assert.Equal(t, models.StagePreprocess, res.State.CurrentStage)

	cp, err := store.LoadLatest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Sequence)
	assert.Equal(t, "second", cp.NodeName)
	assert.Empty(t, cp.NextNode)
}

func TestRunPublishesNodeEventsInOrder(t *testing.T) {
	b := NewBuilder()
	b.RegisterNode("only", stageNode(models.StageIntake, 1.0))
	b.SetEntry("only")
	g, err := b.Build()
	require.NoError(t, err)

	bus := events.NewBus(0, 0)
	sub := bus.Subscribe("run-1", 0)
	defer sub.Cancel()

	exec := NewExecutor(g, checkpoint.NewMemoryStore(), bus, nil)
	_, err = exec.Run(context.Background(), testState("run-1"), "")
	require.NoError(t, err)

	types := collectTypes(sub)
	assert.Equal(t, []string{
		events.EventTypeNodeStarted,
		events.EventTypeProgress,
		events.EventTypeNodeCompleted,
	}, types)
}

func TestRunPausesAtGate(t *testing.T) {
	gate := func(_ context.Context, _ *models.GradingState) (*Output, error) {
		status := models.RunStatusPaused
		return &Output{Update: &models.StateUpdate{Status: &status}, Pause: true}, nil
	}
	b := NewBuilder()
	b.RegisterNode("gate", gate)
	b.RegisterNode("after", stageNode(models.StageExport, 1.0))
	b.SetEntry("gate")
	b.AddEdge("gate", "after")
	g, err := b.Build()
	require.NoError(t, err)

	store := checkpoint.NewMemoryStore()
	exec := NewExecutor(g, store, events.NewBus(0, 0), nil)

	res, err := exec.Run(context.Background(), testState("run-1"), "")
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Equal(t, "after", res.NextNode)
	assert.Equal(t, models.RunStatusPaused, res.State.Status)

	// Resume from the checkpointed next node finishes the graph.
	cp, err := store.LoadLatest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "after", cp.NextNode)

	res, err = exec.Run(context.Background(), res.State, cp.NextNode)
	require.NoError(t, err)
	assert.False(t, res.Paused)
	assert.Equal(t, models.StageExport, res.State.CurrentStage)
}

func TestRunFanOutMergesDeterministically(t *testing.T) {
	fanout := func(_ context.Context, _ *models.GradingState) (*Output, error) {
		// Sends deliberately out of batch_id_local order.
		return &Output{Sends: []Send{
			{Target: "work", Task: &models.BatchTask{Batch: models.Batch{BatchIDLocal: "b-002", StudentKey: "S3"}}},
			{Target: "work", Task: &models.BatchTask{Batch: models.Batch{BatchIDLocal: "b-000", StudentKey: "S1"}}},
			{Target: "work", Task: &models.BatchTask{Batch: models.Batch{BatchIDLocal: "b-001", StudentKey: "S2"}}},
		}}, nil
	}
	worker := func(_ context.Context, task *models.BatchTask) (*models.StateUpdate, error) {
		return &models.StateUpdate{
			StudentResults: []models.StudentResult{{StudentKey: task.Batch.StudentKey}},
		}, nil
	}

	b := NewBuilder()
	b.RegisterNode("fan", fanout)
	b.RegisterWorker("work", worker)
	b.SetEntry("fan")
	g, err := b.Build()
	require.NoError(t, err)

	exec := NewExecutor(g, checkpoint.NewMemoryStore(), events.NewBus(0, 0), nil)

	// Run several times: merge order must not depend on scheduling.
	for i := 0; i < 5; i++ {
		state := testState(fmt.Sprintf("run-%d", i))
		state.Config.MaxParallelWorkers = 3
		res, err := exec.Run(context.Background(), state, "")
		require.NoError(t, err)
		require.Len(t, res.State.StudentResults, 3)
		assert.Equal(t, "S1", res.State.StudentResults[0].StudentKey)
		assert.Equal(t, "S2", res.State.StudentResults[1].StudentKey)
		assert.Equal(t, "S3", res.State.StudentResults[2].StudentKey)
	}
}

func TestRunFanOutSiblingFailureDoesNotCancelOthers(t *testing.T) {
	fanout := func(_ context.Context, _ *models.GradingState) (*Output, error) {
		return &Output{Sends: []Send{
			{Target: "work", Task: &models.BatchTask{Batch: models.Batch{BatchIDLocal: "b-000", StudentKey: "S1"}}},
			{Target: "work", Task: &models.BatchTask{Batch: models.Batch{BatchIDLocal: "b-001", StudentKey: "fail"}}},
			{Target: "work", Task: &models.BatchTask{Batch: models.Batch{BatchIDLocal: "b-002", StudentKey: "S3"}}},
		}}, nil
	}
	worker := func(_ context.Context, task *models.BatchTask) (*models.StateUpdate, error) {
		if task.Batch.StudentKey == "fail" {
			return nil, llm.NewError(models.ErrKindLLMTransient, "worker blew up", nil)
		}
		return &models.StateUpdate{
			StudentResults: []models.StudentResult{{StudentKey: task.Batch.StudentKey}},
		}, nil
	}

	b := NewBuilder()
	b.RegisterNode("fan", fanout)
	b.RegisterWorker("work", worker)
	b.SetEntry("fan")
	g, err := b.Build()
	require.NoError(t, err)

	exec := NewExecutor(g, checkpoint.NewMemoryStore(), events.NewBus(0, 0), nil)
	res, err := exec.Run(context.Background(), testState("run-1"), "")
	require.NoError(t, err)

	assert.Len(t, res.State.StudentResults, 2)
	require.Len(t, res.State.Errors, 1)
	assert.Equal(t, models.ErrKindLLMTransient, res.State.Errors[0].Kind)
	assert.Contains(t, res.State.Errors[0].Message, "b-001")
}

// Every finished batch lands in its own snapshot, so a crash mid-fan-out
// loses at most the batches still in flight.
func TestRunFanOutCheckpointsEachCompletedSibling(t *testing.T) {
	fanout := func(_ context.Context, _ *models.GradingState) (*Output, error) {
		return &Output{Sends: []Send{
			{Target: "work", Task: &models.BatchTask{Batch: models.Batch{BatchIDLocal: "b-000", StudentKey: "S1"}}},
			{Target: "work", Task: &models.BatchTask{Batch: models.Batch{BatchIDLocal: "b-001", StudentKey: "S2"}}},
			{Target: "work", Task: &models.BatchTask{Batch: models.Batch{BatchIDLocal: "b-002", StudentKey: "S3"}}},
		}}, nil
	}
	worker := func(_ context.Context, task *models.BatchTask) (*models.StateUpdate, error) {
		return &models.StateUpdate{
			StudentResults: []models.StudentResult{{StudentKey: task.Batch.StudentKey}},
		}, nil
	}

	b := NewBuilder()
	b.RegisterNode("fan", fanout)
	b.RegisterWorker("work", worker)
	b.SetEntry("fan")
	g, err := b.Build()
	require.NoError(t, err)

	store := &recordingStore{MemoryStore: checkpoint.NewMemoryStore()}
	state := testState("run-1")
	state.Config.MaxParallelWorkers = 3
	exec := NewExecutor(g, store, events.NewBus(0, 0), nil)
	_, err = exec.Run(context.Background(), state, "")
	require.NoError(t, err)

	var partials []checkpoint.Checkpoint
	for _, cp := range store.snapshots() {
		if cp.NodeName == "work" {
			partials = append(partials, cp)
		}
	}
	require.Len(t, partials, 3)
	for i, cp := range partials {
		// Each partial snapshot resumes at the fan-out node and carries
		// every result gathered so far, in batch order.
		assert.Equal(t, "fan", cp.NextNode)
		require.Len(t, cp.State.StudentResults, i+1)
		keys := make([]string, len(cp.State.StudentResults))
		for j, sr := range cp.State.StudentResults {
			keys[j] = sr.StudentKey
		}
		assert.IsNonDecreasing(t, keys)
	}

	final, err := store.LoadLatest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "fan", final.NodeName)
	assert.Len(t, final.State.StudentResults, 3)
}

func TestRunFanOutBoundedParallelism(t *testing.T) {
	var inFlight, peak atomic.Int32
	fanout := func(_ context.Context, _ *models.GradingState) (*Output, error) {
		sends := make([]Send, 8)
		for i := range sends {
			sends[i] = Send{Target: "work", Task: &models.BatchTask{
				Batch: models.Batch{BatchIDLocal: fmt.Sprintf("b-%03d", i)},
			}}
		}
		return &Output{Sends: sends}, nil
	}
	worker := func(_ context.Context, _ *models.BatchTask) (*models.StateUpdate, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &models.StateUpdate{}, nil
	}

	b := NewBuilder()
	b.RegisterNode("fan", fanout)
	b.RegisterWorker("work", worker)
	b.SetEntry("fan")
	g, err := b.Build()
	require.NoError(t, err)

	state := testState("run-1")
	state.Config.MaxParallelWorkers = 2
	exec := NewExecutor(g, checkpoint.NewMemoryStore(), events.NewBus(0, 0), nil)
	_, err = exec.Run(context.Background(), state, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunNodeErrorTerminates(t *testing.T) {
	bad := func(_ context.Context, _ *models.GradingState) (*Output, error) {
		return nil, llm.NewError(models.ErrKindInternal, "node exploded", nil)
	}
	b := NewBuilder()
	b.RegisterNode("bad", bad)
	b.SetEntry("bad")
	g, err := b.Build()
	require.NoError(t, err)

	store := checkpoint.NewMemoryStore()
	exec := NewExecutor(g, store, events.NewBus(0, 0), nil)
	res, err := exec.Run(context.Background(), testState("run-1"), "")
	require.Error(t, err)
	assert.Equal(t, models.RunStatusFailed, res.State.Status)
	require.NotEmpty(t, res.State.Errors)
	assert.Equal(t, models.ErrKindInternal, res.State.Errors[0].Kind)

	// Terminal state is checkpointed.
	cp, err := store.LoadLatest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, cp.State.Status)
}

func TestRunCancellationMarksCancelled(t *testing.T) {
	blocking := func(ctx context.Context, _ *models.GradingState) (*Output, error) {
		<-ctx.Done()
		return nil, llm.NewError(models.ErrKindCancelled, "node cancelled", ctx.Err())
	}
	b := NewBuilder()
	b.RegisterNode("block", blocking)
	b.SetEntry("block")
	g, err := b.Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	exec := NewExecutor(g, checkpoint.NewMemoryStore(), events.NewBus(0, 0), nil)
	res, err := exec.Run(ctx, testState("run-1"), "")
	require.Error(t, err)
	assert.Equal(t, models.RunStatusCancelled, res.State.Status)
}

func TestRunCheckpointFailureIsWarningOnly(t *testing.T) {
	b := NewBuilder()
	b.RegisterNode("only", stageNode(models.StageExport, 1.0))
	b.SetEntry("only")
	g, err := b.Build()
	require.NoError(t, err)

	bus := events.NewBus(0, 0)
	sub := bus.Subscribe("run-1", 0)
	defer sub.Cancel()

	exec := NewExecutor(g, failingStore{}, bus, nil)
	res, err := exec.Run(context.Background(), testState("run-1"), "")
	require.NoError(t, err)

	require.NotEmpty(t, res.State.Errors)
	assert.Equal(t, models.ErrKindCheckpointFailure, res.State.Errors[0].Kind)

	var sawWarning bool
	for _, typ := range collectTypes(sub) {
		if typ == events.EventTypeNodeFailed {
			sawWarning = true
		}
	}
	assert.True(t, sawWarning)
}

// recordingStore keeps a copy of every snapshot handed to Save.
type recordingStore struct {
	*checkpoint.MemoryStore
	mu    sync.Mutex
	saves []checkpoint.Checkpoint
}

func (r *recordingStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) (int64, error) {
	seq, err := r.MemoryStore.Save(ctx, cp)
	r.mu.Lock()
	r.saves = append(r.saves, checkpoint.Checkpoint{
		BatchID:  cp.BatchID,
		Sequence: seq,
		NodeName: cp.NodeName,
		NextNode: cp.NextNode,
		State:    cp.State.Clone(),
	})
	r.mu.Unlock()
	return seq, err
}

func (r *recordingStore) snapshots() []checkpoint.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]checkpoint.Checkpoint(nil), r.saves...)
}

type failingStore struct{}

func (failingStore) Save(context.Context, *checkpoint.Checkpoint) (int64, error) {
	return 0, fmt.Errorf("disk is gone")
}

func (failingStore) LoadLatest(context.Context, string) (*checkpoint.Checkpoint, error) {
	return nil, checkpoint.ErrNotFound
}

func (failingStore) ListActive(context.Context, models.RunFilters) ([]models.RunSummary, error) {
	return nil, nil
}

func (failingStore) Close() error { return nil }
