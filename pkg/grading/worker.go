package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gradeos/gradeos/pkg/events"
	"github.com/gradeos/gradeos/pkg/llm"
	"github.com/gradeos/gradeos/pkg/models"
	"github.com/gradeos/gradeos/pkg/rubric"
)

const gradingSystemPrompt = `You are an exam grading engine. You receive one answer-sheet page image and the scoring rubric, and must grade every question visible on the page.

Rules:
1. Identify the MAIN question numbers answered on this page. Sub-parts ("7(1)", "7.1") belong to their main question.
2. Grade each question against the rubric's scoring points. Award partial credit per point.
3. Never award more than a question's maximum score. Never award negative points.
4. Respond with JSON only, in exactly this shape:
{"question_numbers": ["string"], "questions": [{"question_id": "string", "score": number, "feedback": "string", "confidence": number, "scoring_points": [{"point_id": "string", "awarded": number, "evidence": "string"}]}], "feedback": "string", "confidence": number}`

// pageAnswer is the wire shape of one graded page.
type pageAnswer struct {
	QuestionNumbers []string         `json:"question_numbers"`
	Questions       []questionAnswer `json:"questions"`
	Feedback        string           `json:"feedback"`
	Confidence      float64          `json:"confidence"`
}

type questionAnswer struct {
	QuestionID    string       `json:"question_id"`
	Score         float64      `json:"score"`
	Feedback      string       `json:"feedback"`
	Confidence    float64      `json:"confidence"`
	ScoringPoints []pointAward `json:"scoring_points"`
}

type pointAward struct {
	PointID  string  `json:"point_id"`
	Awarded  float64 `json:"awarded"`
	Evidence string  `json:"evidence"`
}

// Worker grades one batch: the pages of one student, in index order. Each
// worker rebuilds its own rubric registry from the task's deep-copied rubric,
// so no rubric state is shared across goroutines.
type Worker struct {
	client llm.Client
	bus    *events.Bus
	logger *slog.Logger
}

// NewWorker creates a grading worker sharing the engine's LLM client and bus.
func NewWorker(client llm.Client, bus *events.Bus, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{client: client, bus: bus, logger: logger}
}

// GradeBatch grades every page of the batch. Page failures never abort the
// batch: exhausted retries produce a zero-scored failed PageResult and the
// next page proceeds. Only cancellation returns an error.
func (w *Worker) GradeBatch(ctx context.Context, task *models.BatchTask) (*models.StateUpdate, error) {
	reg := rubric.NewRegistry(task.Rubric)
	policy := retryPolicyFor(task.Config)

	pagesByIndex := make(map[int]models.Page, len(task.Pages))
	for _, pg := range task.Pages {
		pagesByIndex[pg.Index] = pg
	}

	update := &models.StateUpdate{GradingResults: make(map[string]*models.PageResult)}

	// Sub-batches (token-budget splits) run back to back in this goroutine,
	// never across workers.
	for _, group := range subBatchOrder(task.Batch) {
		for _, idx := range group {
			if ctx.Err() != nil {
				return nil, llm.NewError(models.ErrKindCancelled, "batch cancelled", ctx.Err())
			}

			pg, ok := pagesByIndex[idx]
			if !ok {
				ge := models.NewGradingError(models.ErrKindInternal, models.StageGradeBatch,
					fmt.Sprintf("page %d missing from batch task", idx)).WithPage(idx)
				update.Errors = append(update.Errors, ge)
				continue
			}

			result, pageErrs := w.gradePage(ctx, pg, task, reg, policy)
			if result == nil {
				// Only cancellation leaves no result.
				return nil, llm.NewError(models.ErrKindCancelled, "batch cancelled", ctx.Err())
			}
			update.Errors = append(update.Errors, pageErrs...)
			update.GradingResults[models.PageKey(task.Batch.StudentKey, idx)] = result

			w.bus.Publish(task.BatchID, events.EventTypePartialResult, events.PartialResultPayload{
				StudentKey: task.Batch.StudentKey,
				PageIndex:  idx,
				Status:     result.Status,
				Score:      result.Score,
				MaxScore:   result.MaxScore,
			})
		}
	}
	return update, nil
}

// subBatchOrder yields the batch's page groups in grading order: the
// planner's budget splits when present, otherwise the whole page list as
// one group, always ascending within a group.
func subBatchOrder(b models.Batch) [][]int {
	if len(b.SubBatches) == 0 {
		indices := append([]int(nil), b.PageIndices...)
		sort.Ints(indices)
		return [][]int{indices}
	}
	groups := make([][]int, len(b.SubBatches))
	for i, sub := range b.SubBatches {
		group := append([]int(nil), sub...)
		sort.Ints(group)
		groups[i] = group
	}
	return groups
}

// gradePage runs the per-page state machine: one vision call with retries,
// JSON decode, rubric lookups, score clamping.
func (w *Worker) gradePage(ctx context.Context, pg models.Page, task *models.BatchTask, reg *rubric.Registry, policy llm.RetryPolicy) (*models.PageResult, []models.GradingError) {
	studentKey := task.Batch.StudentKey

	req := &llm.Request{
		System: gradingSystemPrompt,
		Prompt: w.pagePrompt(pg, task),
		Images: []llm.ImageInput{{MIME: pg.MIME, Data: pg.Data}},
	}

	resp, err := llm.CallWithRetry(ctx, w.client, req, policy)
	if err != nil {
		kind := llm.KindOf(err)
		if kind == models.ErrKindCancelled {
			return nil, nil
		}
		w.logger.Warn("Page grading failed",
			"batch_id", task.BatchID, "student", studentKey, "page", pg.Index, "error", err)
		ge := models.NewGradingError(kind, models.StageGradeBatch, err.Error()).WithPage(pg.Index)
		return failedPage(studentKey, pg.Index, fmt.Sprintf("grading failed: %v", err)), []models.GradingError{ge}
	}

	answer, decodeErr := decodePageAnswer(resp.Text)
	if decodeErr != nil {
		ge := models.NewGradingError(models.ErrKindParseFailure, models.StageGradeBatch, decodeErr.Error()).WithPage(pg.Index)
		return failedPage(studentKey, pg.Index, fmt.Sprintf("ungradable response: %v", decodeErr)), []models.GradingError{ge}
	}

	callsBefore := reg.Calls()
	var (
		errs       []models.GradingError
		details    []models.QuestionResult
		pageScore  float64
		pageMax    float64
		confidence = 1.0
	)
	if answer.Confidence > 0 {
		confidence = answer.Confidence
	}

	for _, qa := range answer.Questions {
		lookup := reg.GetRubricForQuestion(qa.QuestionID)
		maxScore := lookup.Rubric.MaxScore

		score := qa.Score
		if score < 0 {
			score = 0
		}
		if score > maxScore {
			errs = append(errs, models.NewGradingError(models.ErrKindSchemaViolation, models.StageGradeBatch,
				fmt.Sprintf("question %s awarded %.2f over max %.2f, clamped", qa.QuestionID, qa.Score, maxScore)).WithPage(pg.Index))
			score = maxScore
		}

		qConf := qa.Confidence
		if qConf <= 0 {
			qConf = confidence
		}
		if lookup.Confidence < qConf {
			qConf = lookup.Confidence
		}
		if qConf < confidence {
			confidence = qConf
		}

		points := make([]models.ScoringPointResult, 0, len(qa.ScoringPoints))
		for _, pt := range qa.ScoringPoints {
			awarded := pt.Awarded
			if awarded < 0 {
				awarded = 0
			}
			points = append(points, models.ScoringPointResult{
				PointID:  pt.PointID,
				Awarded:  awarded,
				Evidence: pt.Evidence,
			})
		}

		details = append(details, models.QuestionResult{
			QuestionID:          qa.QuestionID,
			Score:               score,
			MaxScore:            maxScore,
			Feedback:            qa.Feedback,
			RubricRefs:          []string{lookup.Rubric.QuestionID},
			ScoringPointResults: points,
			PageIndices:         []int{pg.Index},
			Confidence:          qConf,
		})
		pageScore += score
		pageMax += maxScore
	}

	return &models.PageResult{
		PageIndex:       pg.Index,
		StudentKey:      studentKey,
		Status:          models.PageStatusCompleted,
		Score:           pageScore,
		MaxScore:        pageMax,
		QuestionNumbers: answer.QuestionNumbers,
		QuestionDetails: details,
		Feedback:        answer.Feedback,
		Confidence:      confidence,
		AgentSkillCalls: reg.Calls() - callsBefore,
	}, errs
}

func (w *Worker) pagePrompt(pg models.Page, task *models.BatchTask) string {
	rubricJSON := "{}"
	if task.Rubric != nil {
		if raw, err := json.Marshal(task.Rubric); err == nil {
			rubricJSON = string(raw)
		}
	}
	return fmt.Sprintf("Grade page %d of student %s.\n\nRubric:\n%s",
		pg.Index, task.Batch.StudentKey, rubricJSON)
}

func decodePageAnswer(text string) (*pageAnswer, error) {
	body, err := rubric.ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var answer pageAnswer
	if err := json.Unmarshal([]byte(body), &answer); err != nil {
		return nil, fmt.Errorf("page answer did not unmarshal: %w", err)
	}
	return &answer, nil
}

// failedPage is the terminal zero-scored result of an ungradable page.
func failedPage(studentKey string, index int, feedback string) *models.PageResult {
	return &models.PageResult{
		PageIndex:  index,
		StudentKey: studentKey,
		Status:     models.PageStatusFailed,
		Feedback:   feedback,
	}
}

func retryPolicyFor(cfg models.RunConfig) llm.RetryPolicy {
	policy := llm.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		policy.MaxRetries = cfg.MaxRetries
	}
	if cfg.LLMCallTimeout > 0 {
		policy.CallTimeout = cfg.LLMCallTimeout
	}
	return policy
}
