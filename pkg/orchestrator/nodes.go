package orchestrator

import (
	"context"
	"fmt"

	"github.com/gradeos/gradeos/pkg/graph"
	"github.com/gradeos/gradeos/pkg/llm"
	"github.com/gradeos/gradeos/pkg/models"
	"github.com/gradeos/gradeos/pkg/rubric"
)

// Node names. These are the stages a subscriber sees in the event trace.
const (
	nodeIntake            = "intake"
	nodePreprocess        = "preprocess"
	nodeRubricParse       = "rubric_parse"
	nodeRubricReview      = "rubric_review"
	nodeRubricReviewSkip  = "rubric_review_skip"
	nodeGradingFanout     = "grading_fanout"
	nodeGradeBatch        = "grade_batch"
	nodeCrossPageMerge    = "cross_page_merge"
	nodeSegment           = "segment"
	nodeResultsReview     = "results_review"
	nodeResultsReviewSkip = "results_review_skip"
	nodeExport            = "export"
)

// Router keys for the review gates.
const (
	routeReview = "review"
	routeSkip   = "skip"
)

// buildGraph wires the grading topology. The routers route AROUND the gate
// nodes: a run with review disabled never enters a gate, it goes through the
// pass-through placeholder instead.
func (o *Orchestrator) buildGraph() (*graph.Graph, error) {
	b := graph.NewBuilder()

	b.RegisterNode(nodeIntake, o.intakeNode)
	b.RegisterNode(nodePreprocess, o.preprocessNode)
	b.RegisterNode(nodeRubricParse, o.rubricParseNode)
	b.RegisterNode(nodeRubricReview, gateNode(models.StageRubricReview, models.ReviewPendingRubric))
	b.RegisterNode(nodeRubricReviewSkip, passThroughNode)
	b.RegisterNode(nodeGradingFanout, o.gradingFanoutNode)
	b.RegisterNode(nodeCrossPageMerge, o.crossPageMergeNode)
	b.RegisterNode(nodeSegment, o.segmentNode)
	b.RegisterNode(nodeResultsReview, gateNode(models.StageResultsReview, models.ReviewPendingResults))
	b.RegisterNode(nodeResultsReviewSkip, passThroughNode)
	b.RegisterNode(nodeExport, o.exportNode)

	b.RegisterWorker(nodeGradeBatch, o.worker.GradeBatch)

	b.SetEntry(nodeIntake)
	b.AddEdge(nodeIntake, nodePreprocess)
	b.AddEdge(nodePreprocess, nodeRubricParse)
	b.AddConditionalEdge(nodeRubricParse, reviewRouter, map[string]string{
		routeReview: nodeRubricReview,
		routeSkip:   nodeRubricReviewSkip,
	})
	b.AddEdge(nodeRubricReview, nodeGradingFanout)
	b.AddEdge(nodeRubricReviewSkip, nodeGradingFanout)
	b.AddEdge(nodeGradingFanout, nodeCrossPageMerge)
	b.AddEdge(nodeCrossPageMerge, nodeSegment)
	b.AddConditionalEdge(nodeSegment, reviewRouter, map[string]string{
		routeReview: nodeResultsReview,
		routeSkip:   nodeResultsReviewSkip,
	})
	b.AddEdge(nodeResultsReview, nodeExport)
	b.AddEdge(nodeResultsReviewSkip, nodeExport)
	// export is terminal: no outgoing edge.

	return b.Build()
}

func reviewRouter(state *models.GradingState) string {
	if state.Config.SkipReview() {
		return routeSkip
	}
	return routeReview
}

// gateNode pauses the run at a review gate. The actual review decision is
// merged by the orchestrator before resume; the gate itself only marks and
// stops.
func gateNode(stage models.Stage, pending models.ReviewPending) graph.NodeFunc {
	return func(_ context.Context, _ *models.GradingState) (*graph.Output, error) {
		status := models.RunStatusPaused
		return &graph.Output{
			Update: &models.StateUpdate{
				CurrentStage:  &stage,
				Status:        &status,
				ReviewPending: &pending,
			},
			Pause: true,
		}, nil
	}
}

// passThroughNode replaces a disabled gate. It forwards state untouched.
func passThroughNode(_ context.Context, _ *models.GradingState) (*graph.Output, error) {
	return &graph.Output{}, nil
}

func (o *Orchestrator) intakeNode(_ context.Context, state *models.GradingState) (*graph.Output, error) {
	if len(state.Images) == 0 {
		return nil, llm.NewError(models.ErrKindInternal, "run has no answer pages", nil)
	}
	stage := models.StageIntake
	status := models.RunStatusRunning
	progress := 0.05
	return &graph.Output{Update: &models.StateUpdate{
		CurrentStage: &stage,
		Status:       &status,
		Progress:     &progress,
	}}, nil
}

// preprocessNode normalizes raw uploads into graded pages, preserving the
// intake page order.
func (o *Orchestrator) preprocessNode(_ context.Context, state *models.GradingState) (*graph.Output, error) {
	pages := make([]models.Page, len(state.Images))
	for i, raw := range state.Images {
		mime := raw.MIME
		if mime == "" {
			mime = "image/png"
		}
		pages[i] = models.Page{
			Index: i,
			Ref:   fmt.Sprintf("page-%03d", i),
			MIME:  mime,
			Data:  raw.Data,
		}
	}
	stage := models.StagePreprocess
	progress := 0.1
	return &graph.Output{Update: &models.StateUpdate{
		ProcessedImages: pages,
		CurrentStage:    &stage,
		Progress:        &progress,
	}}, nil
}

func (o *Orchestrator) rubricParseNode(ctx context.Context, state *models.GradingState) (*graph.Output, error) {
	parsed, recorded, err := o.parser.Parse(ctx, rubric.Input{
		Pages:              state.RubricFiles,
		ExpectedStudents:   state.Config.ExpectedStudents,
		ExpectedTotalScore: state.Config.ExpectedTotalScore,
		AnswerPageCount:    len(state.ProcessedImages),
	})
	if err != nil {
		return nil, err
	}

	refs := make([]string, len(state.RubricFiles))
	for i := range state.RubricFiles {
		refs[i] = fmt.Sprintf("rubric-%03d", i)
	}

	stage := models.StageRubricParse
	progress := 0.2
	return &graph.Output{Update: &models.StateUpdate{
		ParsedRubric: parsed,
		RubricImages: refs,
		Errors:       recorded,
		CurrentStage: &stage,
		Progress:     &progress,
	}}, nil
}

// gradingFanoutNode segments students, plans batches, and emits one Send per
// batch. Each task carries a deep-copied rubric view, so workers share no
// mutable rubric state.
func (o *Orchestrator) gradingFanoutNode(_ context.Context, state *models.GradingState) (*graph.Output, error) {
	bounds := state.Students
	batches := state.Batches
	var errs []models.GradingError
	alreadyPlanned := len(bounds) > 0

	if !alreadyPlanned {
		bounds, errs = o.segmenter.Segment(state.ProcessedImages, state.Config, state.StudentMapping)
		batches = o.planner.Plan(bounds, state.ProcessedImages, state.ParsedRubric, state.Config.MaxTokensPerBatch)
	}

	byIndex := make(map[int]models.Page, len(state.ProcessedImages))
	for _, pg := range state.ProcessedImages {
		byIndex[pg.Index] = pg
	}

	sends := make([]graph.Send, 0, len(batches))
	for _, batch := range batches {
		// A resume from a mid-fan-out checkpoint re-enters this node; pages
		// already graded are not sent again.
		task := remainingWork(batch, state.GradingResults)
		if len(task.PageIndices) == 0 {
			continue
		}
		pages := make([]models.Page, 0, len(task.PageIndices))
		for _, idx := range task.PageIndices {
			if pg, ok := byIndex[idx]; ok {
				pages = append(pages, pg)
			}
		}
		sends = append(sends, graph.Send{
			Target: nodeGradeBatch,
			Task: &models.BatchTask{
				BatchID: state.BatchID,
				Batch:   task,
				Rubric:  state.ParsedRubric.Clone(),
				Pages:   pages,
				Config:  state.Config,
			},
		})
	}

	stage := models.StageGradingFanout
	progress := 0.3
	update := &models.StateUpdate{
		CurrentStage: &stage,
		Progress:     &progress,
	}
	if !alreadyPlanned {
		update.Students = bounds
		update.Batches = batches
		update.Errors = errs
	}
	return &graph.Output{Update: update, Sends: sends}, nil
}

// remainingWork strips pages that already have a completed result, keeping
// the batch's sub-batch structure for what is left.
func remainingWork(batch models.Batch, results map[string]*models.PageResult) models.Batch {
	graded := func(idx int) bool {
		pr, ok := results[models.PageKey(batch.StudentKey, idx)]
		return ok && pr.Status == models.PageStatusCompleted
	}

	out := batch
	out.PageIndices = nil
	for _, idx := range batch.PageIndices {
		if !graded(idx) {
			out.PageIndices = append(out.PageIndices, idx)
		}
	}
	out.SubBatches = nil
	for _, sub := range batch.SubBatches {
		var left []int
		for _, idx := range sub {
			if !graded(idx) {
				left = append(left, idx)
			}
		}
		if len(left) > 0 {
			out.SubBatches = append(out.SubBatches, left)
		}
	}
	return out
}

func (o *Orchestrator) crossPageMergeNode(_ context.Context, state *models.GradingState) (*graph.Output, error) {
	_, telemetry := o.merger.Merge(state.GradingResults, state.Students)

	stage := models.StageCrossPageMerge
	progress := 0.8
	return &graph.Output{Update: &models.StateUpdate{
		CrossPageQuestions: telemetry,
		CurrentStage:       &stage,
		Progress:           &progress,
	}}, nil
}

// segmentNode aggregates the merged per-student results. The merge is
// deterministic, so recomputing it here instead of threading the question
// map through state keeps the snapshot schema flat.
func (o *Orchestrator) segmentNode(_ context.Context, state *models.GradingState) (*graph.Output, error) {
	merged, _ := o.merger.Merge(state.GradingResults, state.Students)
	results, total, maxTotal, violations := o.aggregator.Aggregate(state.Students, merged, state.GradingResults, state.ParsedRubric)

	stage := models.StageSegment
	progress := 0.9
	return &graph.Output{Update: &models.StateUpdate{
		StudentResults: results,
		TotalScore:     &total,
		MaxTotalScore:  &maxTotal,
		Errors:         violations,
		CurrentStage:   &stage,
		Progress:       &progress,
	}}, nil
}

func (o *Orchestrator) exportNode(_ context.Context, state *models.GradingState) (*graph.Output, error) {
	stage := models.StageExport
	status := models.RunStatusCompleted
	progress := 1.0
	none := models.ReviewPendingNone
	return &graph.Output{Update: &models.StateUpdate{
		CurrentStage:  &stage,
		Status:        &status,
		Progress:      &progress,
		ReviewPending: &none,
	}}, nil
}
