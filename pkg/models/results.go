package models

// PageStatus is the terminal state of grading one page.
type PageStatus string

// Page grading outcomes. A failed page is terminal for the page only; the
// batch continues with the remaining pages.
const (
	PageStatusCompleted PageStatus = "completed"
	PageStatusFailed    PageStatus = "failed"
)

// ScoringPointResult records the award decision for one scoring point.
type ScoringPointResult struct {
	PointID  string  `json:"point_id"`
	Awarded  float64 `json:"awarded"`
	Evidence string  `json:"evidence,omitempty"`
}

// QuestionResult is the graded outcome of one question for one student.
// After cross-page merge a question may span several pages.
type QuestionResult struct {
	QuestionID          string               `json:"question_id"`
	Score               float64              `json:"score"`
	MaxScore            float64              `json:"max_score"`
	Feedback            string               `json:"feedback,omitempty"`
	RubricRefs          []string             `json:"rubric_refs,omitempty"`
	ScoringPointResults []ScoringPointResult `json:"scoring_point_results,omitempty"`
	PageIndices         []int                `json:"page_indices"`
	IsCrossPage         bool                 `json:"is_cross_page,omitempty"`
	MergeSource         []int                `json:"merge_source,omitempty"`
	Confidence          float64              `json:"confidence"`
}

// Clone returns a deep copy.
func (q QuestionResult) Clone() QuestionResult {
	out := q
	out.RubricRefs = append([]string(nil), q.RubricRefs...)
	out.ScoringPointResults = append([]ScoringPointResult(nil), q.ScoringPointResults...)
	out.PageIndices = append([]int(nil), q.PageIndices...)
	out.MergeSource = append([]int(nil), q.MergeSource...)
	return out
}

func cloneQuestionResults(in []QuestionResult) []QuestionResult {
	if in == nil {
		return nil
	}
	out := make([]QuestionResult, len(in))
	for i, q := range in {
		out[i] = q.Clone()
	}
	return out
}

// PageResult is the graded outcome of one page of one student's submission.
type PageResult struct {
	PageIndex       int              `json:"page_index"`
	StudentKey      string           `json:"student_key"`
	Status          PageStatus       `json:"status"`
	Score           float64          `json:"score"`
	MaxScore        float64          `json:"max_score"`
	QuestionNumbers []string         `json:"question_numbers,omitempty"`
	QuestionDetails []QuestionResult `json:"question_details,omitempty"`
	Feedback        string           `json:"feedback,omitempty"`
	Confidence      float64          `json:"confidence"`
	AgentSkillCalls int              `json:"agent_skill_calls"`
}

// Clone returns a deep copy.
func (p *PageResult) Clone() *PageResult {
	if p == nil {
		return nil
	}
	out := *p
	out.QuestionNumbers = append([]string(nil), p.QuestionNumbers...)
	out.QuestionDetails = cloneQuestionResults(p.QuestionDetails)
	return &out
}

// MergedQuestion is a telemetry entry recording one cross-page merge.
type MergedQuestion struct {
	StudentKey  string  `json:"student_key"`
	QuestionID  string  `json:"question_id"`
	PageIndices []int   `json:"page_indices"`
	Confidence  float64 `json:"confidence"`
	MergeReason string  `json:"merge_reason,omitempty"`
}

// StudentResult aggregates the merged question results of one student.
type StudentResult struct {
	StudentKey    string           `json:"student_key"`
	StudentID     string           `json:"student_id,omitempty"`
	StudentName   string           `json:"student_name,omitempty"`
	StartPage     int              `json:"start_page"`
	EndPage       int              `json:"end_page"`
	TotalScore    float64          `json:"total_score"`
	MaxTotalScore float64          `json:"max_total_score"`
	Questions     []QuestionResult `json:"questions"`
	NeedsReview   bool             `json:"needs_review,omitempty"`
}
