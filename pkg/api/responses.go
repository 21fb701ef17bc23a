package api

import (
	"time"

	"github.com/gradeos/gradeos/pkg/models"
)

// SubmitRunResponse is the body of a successful POST /api/v1/runs.
type SubmitRunResponse struct {
	BatchID    string `json:"batch_id"`
	Status     string `json:"status"`
	TotalPages int    `json:"total_pages"`
}

// RunStateResponse is the API view of a run snapshot: the full state minus
// the raw page bytes, which would bloat every poll.
type RunStateResponse struct {
	BatchID            string                   `json:"batch_id"`
	Status             models.RunStatus         `json:"status"`
	CurrentStage       models.Stage             `json:"current_stage"`
	Progress           float64                  `json:"progress"`
	ReviewPending      models.ReviewPending     `json:"review_pending,omitempty"`
	TotalPages         int                      `json:"total_pages"`
	ParsedRubric       *models.ParsedRubric     `json:"parsed_rubric,omitempty"`
	Students           []models.StudentBoundary `json:"students,omitempty"`
	Batches            []models.Batch           `json:"batches,omitempty"`
	StudentResults     []models.StudentResult   `json:"student_results,omitempty"`
	CrossPageQuestions []models.MergedQuestion  `json:"cross_page_questions,omitempty"`
	TotalScore         float64                  `json:"total_score"`
	MaxTotalScore      float64                  `json:"max_total_score"`
	Errors             []models.GradingError    `json:"errors,omitempty"`
	CreatedAt          string                   `json:"created_at"`
	UpdatedAt          string                   `json:"updated_at"`
}

func runStateResponse(state *models.GradingState) RunStateResponse {
	return RunStateResponse{
		BatchID:            state.BatchID,
		Status:             state.Status,
		CurrentStage:       state.CurrentStage,
		Progress:           state.Progress,
		ReviewPending:      state.ReviewPending,
		TotalPages:         len(state.Images),
		ParsedRubric:       state.ParsedRubric,
		Students:           state.Students,
		Batches:            state.Batches,
		StudentResults:     state.StudentResults,
		CrossPageQuestions: state.CrossPageQuestions,
		TotalScore:         state.TotalScore,
		MaxTotalScore:      state.MaxTotalScore,
		Errors:             state.Errors,
		CreatedAt:          state.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:          state.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
