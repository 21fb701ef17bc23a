package models

import "fmt"

// ReviewGate names a pausable gate of the graph.
type ReviewGate string

// Review gates.
const (
	ReviewGateRubric  ReviewGate = "rubric"
	ReviewGateResults ReviewGate = "results"
)

// ReviewAction is the reviewer's verdict.
type ReviewAction string

// Review actions. Approve continues the run (optionally with a patch);
// reject terminates it.
const (
	ReviewActionApprove ReviewAction = "approve"
	ReviewActionReject  ReviewAction = "reject"
)

// QuestionPatch overrides fields of one QuestionRubric.
type QuestionPatch struct {
	QuestionID  string   `json:"question_id"`
	MaxScore    *float64 `json:"max_score,omitempty"`
	Description *string  `json:"description,omitempty"`
	Remove      bool     `json:"remove,omitempty"`
}

// RubricPatch is the reviewer's correction to a parsed rubric. Applied
// transactionally before the run resumes.
type RubricPatch struct {
	TotalScore *float64        `json:"total_score,omitempty"`
	Questions  []QuestionPatch `json:"questions,omitempty"`
}

// QuestionScorePatch overrides the awarded score of one question result.
type QuestionScorePatch struct {
	QuestionID string   `json:"question_id"`
	Score      *float64 `json:"score,omitempty"`
	Feedback   *string  `json:"feedback,omitempty"`
}

// StudentPatch overrides question results of one student.
type StudentPatch struct {
	StudentKey string               `json:"student_key"`
	Questions  []QuestionScorePatch `json:"questions,omitempty"`
}

// ResultsPatch is the reviewer's correction to aggregated results.
type ResultsPatch struct {
	Students []StudentPatch `json:"students,omitempty"`
}

// ReviewDecision is submitted against a paused run to release a gate.
type ReviewDecision struct {
	Gate         ReviewGate    `json:"gate"`
	Action       ReviewAction  `json:"action"`
	RubricPatch  *RubricPatch  `json:"rubric_patch,omitempty"`
	ResultsPatch *ResultsPatch `json:"results_patch,omitempty"`
	Reviewer     string        `json:"reviewer,omitempty"`
}

// Validate checks structural consistency of the decision.
func (d *ReviewDecision) Validate() error {
	switch d.Gate {
	case ReviewGateRubric, ReviewGateResults:
	default:
		return fmt.Errorf("unknown review gate %q", d.Gate)
	}
	switch d.Action {
	case ReviewActionApprove, ReviewActionReject:
	default:
		return fmt.Errorf("unknown review action %q", d.Action)
	}
	if d.Gate == ReviewGateRubric && d.ResultsPatch != nil {
		return fmt.Errorf("results patch submitted against rubric gate")
	}
	if d.Gate == ReviewGateResults && d.RubricPatch != nil {
		return fmt.Errorf("rubric patch submitted against results gate")
	}
	return nil
}

// StudentMapping pre-assigns identity and page range to a student.
type StudentMapping struct {
	StudentKey  string `json:"student_key"`
	StudentID   string `json:"student_id,omitempty"`
	StudentName string `json:"student_name,omitempty"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
}

// SubmitRequest is the transport-agnostic input of a new grading run.
type SubmitRequest struct {
	Files              []RawPage        `json:"files"`
	Rubrics            []RawPage        `json:"rubrics,omitempty"`
	StudentBoundaries  []int            `json:"student_boundaries,omitempty"`
	ExpectedStudents   int              `json:"expected_students,omitempty"`
	ExpectedTotalScore float64          `json:"expected_total_score,omitempty"`
	GradingMode        GradingMode      `json:"grading_mode,omitempty"`
	EnableReview       *bool            `json:"enable_review,omitempty"`
	StudentMapping     []StudentMapping `json:"student_mapping,omitempty"`
}

// RunSummary is the listing row of one run, backed by the checkpointer's
// per-run index record.
type RunSummary struct {
	BatchID        string    `json:"batch_id"`
	Status         RunStatus `json:"status"`
	CurrentStage   Stage     `json:"current_stage"`
	Progress       float64   `json:"progress"`
	TotalPages     int       `json:"total_pages"`
	LatestSequence int64     `json:"latest_sequence"`
	CreatedAt      string    `json:"created_at"`
	UpdatedAt      string    `json:"updated_at"`
}

// RunFilters narrows ListActive results.
type RunFilters struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// BatchTask is the immutable task state carried by a Send to a grade_batch
// worker. Rubric is a deep copy owned by the receiving worker.
type BatchTask struct {
	BatchID string        `json:"batch_id"`
	Batch   Batch         `json:"batch"`
	Rubric  *ParsedRubric `json:"rubric,omitempty"`
	Pages   []Page        `json:"pages"`
	Config  RunConfig     `json:"config"`
}
