// Package orchestrator owns run lifecycle: it builds the grading graph,
// schedules executions, pauses and resumes review gates, and exposes the
// engine's public surface to the API layer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gradeos/gradeos/pkg/checkpoint"
	"github.com/gradeos/gradeos/pkg/events"
	"github.com/gradeos/gradeos/pkg/grading"
	"github.com/gradeos/gradeos/pkg/graph"
	"github.com/gradeos/gradeos/pkg/llm"
	"github.com/gradeos/gradeos/pkg/models"
	"github.com/gradeos/gradeos/pkg/rubric"
)

// Run-config defaults applied at submit time.
const (
	DefaultMaxTokensPerBatch = 80000
	DefaultMaxParallel       = 4
	DefaultMaxRetries        = 2
	DefaultLLMCallTimeout    = 60 * time.Second
	DefaultNodeTimeout       = 5 * time.Minute
	DefaultRunTimeout        = 30 * time.Minute
)

// Sentinel errors of the public API.
var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunNotPaused  = errors.New("run is not paused for review")
	ErrRunPaused     = errors.New("run awaits review, use the review endpoint")
	ErrRunActive     = errors.New("run is already executing")
	ErrRunTerminal   = errors.New("run already finished")
	ErrNoInput       = errors.New("submission has no answer pages")
	ErrGateMismatch  = errors.New("decision targets a different gate")
	ErrInvalidReview = errors.New("invalid review decision")
)

// Options configures an Orchestrator.
type Options struct {
	SegmentPolicy  grading.SegmentPolicy
	TokenEstimator grading.TokenEstimator
	RetryPolicy    llm.RetryPolicy
	Logger         *slog.Logger
}

// Orchestrator is the engine's front door. One instance serves all runs.
type Orchestrator struct {
	store  checkpoint.Checkpointer
	bus    *events.Bus
	client llm.Client
	logger *slog.Logger

	parser     *rubric.Parser
	segmenter  grading.Segmenter
	planner    grading.Planner
	worker     *grading.Worker
	merger     grading.Merger
	aggregator grading.Aggregator

	graph *graph.Graph
	exec  *graph.Executor

	mu     sync.Mutex
	active map[string]*runHandle
	wg     sync.WaitGroup
}

// runHandle tracks one live or paused run in this process.
type runHandle struct {
	cancel   context.CancelFunc
	running  bool
	paused   bool
	nextNode string
	gate     models.ReviewGate
}

// New builds an orchestrator over shared infrastructure.
func New(store checkpoint.Checkpointer, bus *events.Bus, client llm.Client, opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.RetryPolicy
	if policy.MaxRetries == 0 && policy.InitialDelay == 0 {
		policy = llm.DefaultRetryPolicy()
	}

	o := &Orchestrator{
		store:     store,
		bus:       bus,
		client:    client,
		logger:    logger,
		parser:    rubric.NewParser(client, policy, logger),
		segmenter: grading.Segmenter{Policy: opts.SegmentPolicy},
		planner:   grading.Planner{Estimator: opts.TokenEstimator},
		worker:    grading.NewWorker(client, bus, logger),
		active:    make(map[string]*runHandle),
	}

	g, err := o.buildGraph()
	if err != nil {
		return nil, fmt.Errorf("failed to build grading graph: %w", err)
	}
	o.graph = g
	o.exec = graph.NewExecutor(g, store, bus, logger)
	return o, nil
}

// Start validates a submission, persists the intake checkpoint, and
// schedules graph execution. Returns the new run's batch_id.
func (o *Orchestrator) Start(ctx context.Context, req *models.SubmitRequest) (string, error) {
	if req == nil || len(req.Files) == 0 {
		return "", ErrNoInput
	}

	state := newRunState(req)
	if _, err := o.store.Save(ctx, &checkpoint.Checkpoint{
		BatchID:  state.BatchID,
		NodeName: "",
		NextNode: nodeIntake,
		State:    state,
	}); err != nil {
		return "", fmt.Errorf("failed to persist intake checkpoint: %w", err)
	}

	o.launch(state, "")
	return state.BatchID, nil
}

// Resume restarts an interrupted run from its latest checkpoint. A run
// paused at a review gate is not resumable this way: its gate releases
// only through SubmitReview.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) error {
	o.mu.Lock()
	if h, ok := o.active[batchID]; ok {
		if h.running {
			o.mu.Unlock()
			return ErrRunActive
		}
		if h.paused {
			o.mu.Unlock()
			return ErrRunPaused
		}
	}
	o.mu.Unlock()

	cp, err := o.store.LoadLatest(ctx, batchID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return ErrRunNotFound
		}
		return err
	}
	if cp.State.Status.Terminal() {
		return ErrRunTerminal
	}
	if cp.State.Status == models.RunStatusPaused {
		return ErrRunPaused
	}
	if cp.NextNode == "" {
		return ErrRunTerminal
	}

	state := cp.State
	running := models.RunStatusRunning
	state.Apply(&models.StateUpdate{Status: &running})

	o.launch(state, cp.NextNode)
	return nil
}

// Abort signals cooperative cancellation. A paused run (no goroutine to
// cancel) is finalized directly.
func (o *Orchestrator) Abort(ctx context.Context, batchID, reason string) error {
	o.mu.Lock()
	h, ok := o.active[batchID]
	if ok && h.running {
		h.cancel()
		o.mu.Unlock()
		o.logger.Info("Run abort requested", "batch_id", batchID, "reason", reason)
		return nil
	}
	if ok && h.paused {
		delete(o.active, batchID)
		o.mu.Unlock()
		return o.finalizeAborted(ctx, batchID, reason)
	}
	o.mu.Unlock()

	// Not live in this process; a paused run surviving a restart can still
	// be aborted through its checkpoint.
	cp, err := o.store.LoadLatest(ctx, batchID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return ErrRunNotFound
		}
		return err
	}
	if cp.State.Status.Terminal() {
		return ErrRunTerminal
	}
	return o.finalizeAborted(ctx, batchID, reason)
}

// SubmitReview releases a paused review gate: validates the decision,
// applies the patch transactionally, and resumes from the node after the
// gate. A reject finalizes the run instead.
func (o *Orchestrator) SubmitReview(ctx context.Context, batchID string, decision *models.ReviewDecision) error {
	if err := decision.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReview, err)
	}

	o.mu.Lock()
	h, ok := o.active[batchID]
	if !ok || !h.paused {
		o.mu.Unlock()
		return o.reviewFromCheckpoint(ctx, batchID, decision)
	}
	if h.gate != decision.Gate {
		o.mu.Unlock()
		return ErrGateMismatch
	}
	nextNode := h.nextNode
	delete(o.active, batchID)
	o.mu.Unlock()

	return o.applyReviewAndContinue(ctx, batchID, nextNode, decision)
}

// reviewFromCheckpoint serves review submissions for paused runs this
// process does not hold live (e.g. after a restart).
func (o *Orchestrator) reviewFromCheckpoint(ctx context.Context, batchID string, decision *models.ReviewDecision) error {
	cp, err := o.store.LoadLatest(ctx, batchID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return ErrRunNotFound
		}
		return err
	}
	if cp.State.Status != models.RunStatusPaused {
		return ErrRunNotPaused
	}
	if gateOf(cp.State.ReviewPending) != decision.Gate {
		return ErrGateMismatch
	}
	return o.applyReviewAndContinue(ctx, batchID, cp.NextNode, decision)
}

func (o *Orchestrator) applyReviewAndContinue(ctx context.Context, batchID, nextNode string, decision *models.ReviewDecision) error {
	cp, err := o.store.LoadLatest(ctx, batchID)
	if err != nil {
		return err
	}
	state := cp.State

	if decision.Action == models.ReviewActionReject {
		return o.finalizeRejected(ctx, state, decision)
	}

	if err := applyReviewPatch(state, decision); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReview, err)
	}
	running := models.RunStatusRunning
	none := models.ReviewPendingNone
	state.Apply(&models.StateUpdate{Status: &running, ReviewPending: &none})

	// The patched state is checkpointed before resume so a crash between
	// review and resume cannot lose the decision.
	if _, err := o.store.Save(ctx, &checkpoint.Checkpoint{
		BatchID:  batchID,
		NodeName: string(state.CurrentStage),
		NextNode: nextNode,
		State:    state,
	}); err != nil {
		return fmt.Errorf("failed to persist reviewed state: %w", err)
	}

	o.launch(state, nextNode)
	return nil
}

// Subscribe attaches to a run's event stream from sinceSequence (exclusive).
func (o *Orchestrator) Subscribe(batchID string, sinceSequence int64) *events.Subscription {
	return o.bus.Subscribe(batchID, sinceSequence)
}

// GetState returns a read-only snapshot of a run.
func (o *Orchestrator) GetState(ctx context.Context, batchID string) (*models.GradingState, error) {
	cp, err := o.store.LoadLatest(ctx, batchID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return cp.State.Clone(), nil
}

// ListActive lists run summaries, newest first.
func (o *Orchestrator) ListActive(ctx context.Context, f models.RunFilters) ([]models.RunSummary, error) {
	return o.store.ListActive(ctx, f)
}

// Shutdown cancels every live run and waits for their goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, h := range o.active {
		if h.running {
			h.cancel()
		}
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch registers a handle and runs the graph on its own goroutine.
func (o *Orchestrator) launch(state *models.GradingState, startNode string) {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel, running: true}

	o.mu.Lock()
	o.active[state.BatchID] = h
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.execute(runCtx, h, state, startNode)
	}()
}

func (o *Orchestrator) execute(ctx context.Context, h *runHandle, state *models.GradingState, startNode string) {
	batchID := state.BatchID
	res, err := o.exec.Run(ctx, state, startNode)

	if err != nil {
		// The executor records the terminal error last; the run-failed
		// event mirrors its kind.
		kind := models.ErrKindInternal
		if n := len(state.Errors); n > 0 {
			kind = state.Errors[n-1].Kind
		}
		o.bus.Publish(batchID, events.EventTypeRunFailed, events.RunFailedPayload{
			Kind:    kind,
			Message: err.Error(),
		})
		o.bus.CloseRun(batchID)
		o.drop(batchID)
		o.logger.Error("Run failed", "batch_id", batchID, "kind", kind, "error", err)
		return
	}

	if res.Paused {
		gate := gateOf(state.ReviewPending)
		o.mu.Lock()
		h.running = false
		h.paused = true
		h.nextNode = res.NextNode
		h.gate = gate
		o.mu.Unlock()

		o.bus.Publish(batchID, events.EventTypeReviewRequired, events.ReviewRequiredPayload{Gate: gate})
		o.logger.Info("Run paused for review", "batch_id", batchID, "gate", gate, "next_node", res.NextNode)
		return
	}

	o.bus.Publish(batchID, events.EventTypeRunCompleted, events.RunCompletedPayload{
		TotalScore:    state.TotalScore,
		MaxTotalScore: state.MaxTotalScore,
		Students:      len(state.StudentResults),
		FailedPages:   countFailedPages(state),
	})
	o.bus.CloseRun(batchID)
	o.drop(batchID)
	o.logger.Info("Run completed",
		"batch_id", batchID,
		"students", len(state.StudentResults),
		"total_score", state.TotalScore)
}

// finalizeAborted marks a non-executing run cancelled and closes its stream.
func (o *Orchestrator) finalizeAborted(ctx context.Context, batchID, reason string) error {
	cp, err := o.store.LoadLatest(ctx, batchID)
	if err != nil {
		return err
	}
	state := cp.State

	cancelled := models.RunStatusCancelled
	ge := models.NewGradingError(models.ErrKindCancelled, state.CurrentStage, "run aborted: "+reason)
	state.Apply(&models.StateUpdate{
		Status: &cancelled,
		Errors: []models.GradingError{ge},
	})
	if _, err := o.store.Save(ctx, &checkpoint.Checkpoint{
		BatchID:  batchID,
		NodeName: string(state.CurrentStage),
		NextNode: "",
		State:    state,
	}); err != nil {
		o.logger.Error("Failed to checkpoint aborted run", "batch_id", batchID, "error", err)
	}

	o.bus.Publish(batchID, events.EventTypeRunFailed, events.RunFailedPayload{
		Kind:    models.ErrKindCancelled,
		Message: "run aborted: " + reason,
	})
	o.bus.CloseRun(batchID)
	return nil
}

// finalizeRejected terminates a paused run whose reviewer rejected the gate.
func (o *Orchestrator) finalizeRejected(ctx context.Context, state *models.GradingState, decision *models.ReviewDecision) error {
	failed := models.RunStatusFailed
	none := models.ReviewPendingNone
	msg := fmt.Sprintf("%s review rejected", decision.Gate)
	if decision.Reviewer != "" {
		msg += " by " + decision.Reviewer
	}
	ge := models.NewGradingError(models.ErrKindCancelled, state.CurrentStage, msg)
	state.Apply(&models.StateUpdate{
		Status:        &failed,
		ReviewPending: &none,
		Errors:        []models.GradingError{ge},
	})

	if _, err := o.store.Save(ctx, &checkpoint.Checkpoint{
		BatchID:  state.BatchID,
		NodeName: string(state.CurrentStage),
		NextNode: "",
		State:    state,
	}); err != nil {
		return fmt.Errorf("failed to checkpoint rejected run: %w", err)
	}
	o.bus.Publish(state.BatchID, events.EventTypeRunFailed, events.RunFailedPayload{
		Kind:    models.ErrKindCancelled,
		Message: msg,
	})
	o.bus.CloseRun(state.BatchID)
	return nil
}

func (o *Orchestrator) drop(batchID string) {
	o.mu.Lock()
	delete(o.active, batchID)
	o.mu.Unlock()
}

func gateOf(p models.ReviewPending) models.ReviewGate {
	if p == models.ReviewPendingResults {
		return models.ReviewGateResults
	}
	return models.ReviewGateRubric
}

func countFailedPages(state *models.GradingState) int {
	n := 0
	for _, pr := range state.GradingResults {
		if pr.Status == models.PageStatusFailed {
			n++
		}
	}
	return n
}

// newRunState builds the initial state of a submission with defaults filled.
func newRunState(req *models.SubmitRequest) *models.GradingState {
	cfg := models.RunConfig{
		EnableReview:       true,
		GradingMode:        models.GradingModeStrict,
		MaxTokensPerBatch:  DefaultMaxTokensPerBatch,
		MaxParallelWorkers: DefaultMaxParallel,
		MaxRetries:         DefaultMaxRetries,
		ExpectedStudents:   req.ExpectedStudents,
		ExpectedTotalScore: req.ExpectedTotalScore,
		StudentBoundaries:  append([]int(nil), req.StudentBoundaries...),
		LLMCallTimeout:     DefaultLLMCallTimeout,
		NodeTimeout:        DefaultNodeTimeout,
		RunTimeout:         DefaultRunTimeout,
	}
	if req.EnableReview != nil {
		cfg.EnableReview = *req.EnableReview
	}
	if req.GradingMode != "" {
		cfg.GradingMode = req.GradingMode
	}

	now := time.Now().UTC()
	return &models.GradingState{
		BatchID:        uuid.New().String(),
		Images:         append([]models.RawPage(nil), req.Files...),
		RubricFiles:    append([]models.RawPage(nil), req.Rubrics...),
		Config:         cfg,
		StudentMapping: append([]models.StudentMapping(nil), req.StudentMapping...),
		CurrentStage:   models.StageIntake,
		Status:         models.RunStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
