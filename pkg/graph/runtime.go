package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/gradeos/gradeos/pkg/checkpoint"
	"github.com/gradeos/gradeos/pkg/events"
	"github.com/gradeos/gradeos/pkg/llm"
	"github.com/gradeos/gradeos/pkg/models"
)

// Default execution timeouts, overridable per run via RunConfig.
const (
	DefaultNodeTimeout = 5 * time.Minute
	DefaultRunTimeout  = 30 * time.Minute
)

// DefaultMaxParallelWorkers bounds fan-out concurrency when the run config
// leaves it unset.
const DefaultMaxParallelWorkers = 4

// Result is the outcome of one Run call. Paused means a review gate stopped
// execution; NextNode is where a resume continues.
type Result struct {
	State    *models.GradingState
	Paused   bool
	NextNode string
}

// Executor walks a Graph over a run's state: one node at a time, checkpoint
// after every node, Send fan-out over a bounded worker pool.
type Executor struct {
	graph  *Graph
	store  checkpoint.Checkpointer
	bus    *events.Bus
	logger *slog.Logger
}

// NewExecutor creates an executor. The checkpointer and bus are shared
// across runs; the executor itself is stateless and safe for concurrent Run
// calls on distinct states.
func NewExecutor(g *Graph, store checkpoint.Checkpointer, bus *events.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{graph: g, store: store, bus: bus, logger: logger}
}

// Run executes the graph from startNode ("" starts at the entry) until the
// graph ends, a review gate pauses it, or a fatal error stops it. The
// returned state always reflects everything that happened, including the
// errors; err is non-nil only for fatal termination.
func (e *Executor) Run(ctx context.Context, state *models.GradingState, startNode string) (*Result, error) {
	node := startNode
	if node == "" {
		node = e.graph.Entry()
	}

	runTimeout := state.Config.RunTimeout
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	for node != "" {
		if ctx.Err() != nil {
			return e.terminate(state, node, ctx.Err())
		}
		fn, ok := e.graph.Node(node)
		if !ok {
			return e.terminate(state, node, fmt.Errorf("node %q is not registered", node))
		}

		started := time.Now()
		out, attempt, err := e.runNode(ctx, node, fn, state)
		if err != nil {
			return e.terminate(state, node, err)
		}

		state.Apply(out.Update)
		if out.Update != nil && out.Update.Progress != nil {
			e.bus.Publish(state.BatchID, events.EventTypeProgress, events.ProgressPayload{
				Stage:      state.CurrentStage,
				Progress:   state.Progress,
				TotalPages: len(state.Images),
			})
		}

		if len(out.Sends) > 0 {
			if err := e.fanOut(ctx, state, node, out.Sends); err != nil {
				return e.terminate(state, node, err)
			}
		}

		next, err := e.graph.Successor(node, state)
		if err != nil {
			return e.terminate(state, node, err)
		}

		e.saveCheckpoint(ctx, state, node, next)

		e.bus.Publish(state.BatchID, events.EventTypeNodeCompleted, events.NodeCompletedPayload{
			Node:       node,
			Attempt:    attempt,
			DurationMS: time.Since(started).Milliseconds(),
		})

		if out.Pause {
			return &Result{State: state, Paused: true, NextNode: next}, nil
		}
		node = next
	}

	return &Result{State: state}, nil
}

// runNode executes one node with the per-node timeout. A timeout is
// retryable exactly once; the second expiry is fatal.
func (e *Executor) runNode(ctx context.Context, node string, fn NodeFunc, state *models.GradingState) (*Output, int, error) {
	timeout := state.Config.NodeTimeout
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}

	for attempt := 1; ; attempt++ {
		e.bus.Publish(state.BatchID, events.EventTypeNodeStarted, events.NodeStartedPayload{
			Node:    node,
			Attempt: attempt,
		})

		nodeCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := fn(nodeCtx, state)
		cancel()
		if err == nil {
			if out == nil {
				out = &Output{}
			}
			return out, attempt, nil
		}

		timedOut := errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
		if timedOut && attempt == 1 {
			e.logger.Warn("Node timed out, retrying once",
				"batch_id", state.BatchID, "node", node, "timeout", timeout)
			warn := models.NewGradingError(models.ErrKindLLMTransient, models.Stage(node),
				fmt.Sprintf("node timed out after %s", timeout))
			state.Apply(&models.StateUpdate{Errors: []models.GradingError{warn}})
			e.bus.Publish(state.BatchID, events.EventTypeNodeFailed, events.NodeFailedPayload{
				Node:    node,
				Kind:    warn.Kind,
				Message: warn.Message,
				Warning: true,
			})
			continue
		}
		return nil, attempt, err
	}
}

// sibling is one fan-out worker outcome.
type sibling struct {
	target   string
	local    string
	update   *models.StateUpdate
	err      error
	duration time.Duration
}

// partialFanOutState snapshots the pre-fan-out state plus the updates of
// the siblings completed so far, merged in their deterministic local order.
func partialFanOutState(state *models.GradingState, results []sibling, completed []int) *models.GradingState {
	picked := make([]sibling, 0, len(completed))
	for _, i := range completed {
		picked = append(picked, results[i])
	}
	sort.SliceStable(picked, func(a, b int) bool { return picked[a].local < picked[b].local })

	snap := state.Clone()
	for _, r := range picked {
		snap.Apply(r.update)
	}
	return snap
}

// fanOut runs Sends concurrently, bounded by max_parallel_workers, and
// merges the sibling updates in deterministic order (batch_id_local). A
// failed sibling surfaces as an error in the merged state and never cancels
// the others; cancellation discards all sibling results.
func (e *Executor) fanOut(ctx context.Context, state *models.GradingState, node string, sends []Send) error {
	parallel := state.Config.MaxParallelWorkers
	if parallel <= 0 {
		parallel = DefaultMaxParallelWorkers
	}

	pool, err := ants.NewPool(parallel)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	results := make([]sibling, len(sends))
	completions := make(chan int, len(sends))
	pending := 0
	for i, send := range sends {
		worker, ok := e.graph.Worker(send.Target)
		if !ok {
			results[i] = sibling{
				target: send.Target,
				local:  send.Task.Batch.BatchIDLocal,
				err:    fmt.Errorf("send target %q is not a registered worker", send.Target),
			}
			continue
		}
		i, send := i, send
		pending++
		submitErr := pool.Submit(func() {
			e.bus.Publish(state.BatchID, events.EventTypeNodeStarted, events.NodeStartedPayload{
				Node:    send.Target,
				Attempt: 1,
			})
			started := time.Now()
			update, err := worker(ctx, send.Task)
			results[i] = sibling{
				target:   send.Target,
				local:    send.Task.Batch.BatchIDLocal,
				update:   update,
				err:      err,
				duration: time.Since(started),
			}
			completions <- i
		})
		if submitErr != nil {
			pending--
			results[i] = sibling{target: send.Target, local: send.Task.Batch.BatchIDLocal, err: submitErr}
		}
	}

	// Checkpoint after every completed sibling so a crash mid-fan-out keeps
	// the batches already graded. The partial snapshot re-enters this node
	// on resume; the merged results tell it which pages are done.
	completed := make([]int, 0, pending)
	for done := 0; done < pending; done++ {
		i := <-completions
		if results[i].err != nil || ctx.Err() != nil {
			continue
		}
		completed = append(completed, i)
		e.saveCheckpoint(ctx, partialFanOutState(state, results, completed), results[i].target, node)
	}

	// A cancelled run lets in-flight calls finish but keeps none of them.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	sort.SliceStable(results, func(a, b int) bool { return results[a].local < results[b].local })

	for _, r := range results {
		if r.err != nil {
			kind := llm.KindOf(r.err)
			if kind == models.ErrKindCancelled {
				return r.err
			}
			ge := models.NewGradingError(kind, models.Stage(r.target),
				fmt.Sprintf("batch %s failed: %v", r.local, r.err))
			state.Apply(&models.StateUpdate{Errors: []models.GradingError{ge}})
			e.bus.Publish(state.BatchID, events.EventTypeNodeFailed, events.NodeFailedPayload{
				Node:    r.target,
				Kind:    kind,
				Message: ge.Message,
				Warning: true,
			})
			continue
		}
		state.Apply(r.update)
		e.bus.Publish(state.BatchID, events.EventTypeNodeCompleted, events.NodeCompletedPayload{
			Node:       r.target,
			Attempt:    1,
			DurationMS: r.duration.Milliseconds(),
		})
	}
	return nil
}

// saveCheckpoint persists the post-node snapshot. Persistence failure is a
// warning, not a run failure: the run continues without resume capability
// from this point.
func (e *Executor) saveCheckpoint(ctx context.Context, state *models.GradingState, node, next string) {
	// Use a detached context so a cancelled run still checkpoints its
	// final state.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := e.store.Save(saveCtx, &checkpoint.Checkpoint{
		BatchID:  state.BatchID,
		NodeName: node,
		NextNode: next,
		State:    state,
	})
	if err == nil {
		return
	}
	e.logger.Error("Checkpoint write failed, run continues without resume",
		"batch_id", state.BatchID, "node", node, "error", err)
	ge := models.NewGradingError(models.ErrKindCheckpointFailure, models.Stage(node), err.Error())
	state.Apply(&models.StateUpdate{Errors: []models.GradingError{ge}})
	e.bus.Publish(state.BatchID, events.EventTypeNodeFailed, events.NodeFailedPayload{
		Node:    node,
		Kind:    models.ErrKindCheckpointFailure,
		Message: err.Error(),
		Warning: true,
	})
}

// terminate marks the run failed or cancelled, checkpoints the terminal
// state, and returns the fatal error.
func (e *Executor) terminate(state *models.GradingState, node string, cause error) (*Result, error) {
	kind := llm.KindOf(cause)
	status := models.RunStatusFailed
	if errors.Is(cause, context.Canceled) || kind == models.ErrKindCancelled {
		kind = models.ErrKindCancelled
		status = models.RunStatusCancelled
	} else if !isClassified(cause) {
		kind = models.ErrKindInternal
	}

	ge := models.NewGradingError(kind, models.Stage(node), cause.Error())
	state.Apply(&models.StateUpdate{
		Errors: []models.GradingError{ge},
		Status: &status,
	})
	e.bus.Publish(state.BatchID, events.EventTypeNodeFailed, events.NodeFailedPayload{
		Node:    node,
		Kind:    kind,
		Message: cause.Error(),
	})

	e.saveCheckpoint(context.Background(), state, node, "")
	return &Result{State: state}, cause
}

func isClassified(err error) bool {
	var le *llm.Error
	return errors.As(err, &le)
}
