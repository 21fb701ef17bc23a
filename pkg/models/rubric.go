package models

// RubricStatus reports how a rubric came to be.
type RubricStatus string

// Rubric statuses. Fallback rubrics are synthesized when parsing fails or
// the score-sum invariant is violated.
const (
	RubricStatusSuccess  RubricStatus = "success"
	RubricStatusFallback RubricStatus = "fallback"
	RubricStatusFailed   RubricStatus = "failed"
)

// ScoringPoint is an atomic rubric element: one checkbox with its own value.
// Sub-parts of a question ("7(1)", "7(2)") are scoring points, never
// separate questions.
type ScoringPoint struct {
	PointID     string  `json:"point_id"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
	IsRequired  bool    `json:"is_required"`
}

// QuestionRubric is the rubric for one main question. QuestionID is unique
// within a rubric and only main question ids count toward TotalQuestions.
type QuestionRubric struct {
	QuestionID     string         `json:"question_id"`
	MaxScore       float64        `json:"max_score"`
	Description    string         `json:"description"`
	ScoringPoints  []ScoringPoint `json:"scoring_points,omitempty"`
	StandardAnswer string         `json:"standard_answer,omitempty"`
}

// PointSum returns the sum of scoring point values. When points exist it
// must equal MaxScore within 0.1.
func (q QuestionRubric) PointSum() float64 {
	var sum float64
	for _, p := range q.ScoringPoints {
		sum += p.Score
	}
	return sum
}

// Clone returns a deep copy.
func (q QuestionRubric) Clone() QuestionRubric {
	out := q
	out.ScoringPoints = append([]ScoringPoint(nil), q.ScoringPoints...)
	return out
}

// ParsedRubric is the structured scoring specification for one exam.
type ParsedRubric struct {
	TotalQuestions int              `json:"total_questions"`
	TotalScore     float64          `json:"total_score"`
	Questions      []QuestionRubric `json:"questions"`
	Confidence     float64          `json:"confidence"`
	Status         RubricStatus     `json:"status"`
}

// QuestionSum returns the sum of per-question max scores. For a rubric with
// status success it must equal TotalScore within 0.5.
func (r *ParsedRubric) QuestionSum() float64 {
	var sum float64
	for _, q := range r.Questions {
		sum += q.MaxScore
	}
	return sum
}

// Clone returns a deep copy. Workers must operate on their own copy — the
// shared rubric is never aliased across goroutines.
func (r *ParsedRubric) Clone() *ParsedRubric {
	if r == nil {
		return nil
	}
	out := *r
	out.Questions = make([]QuestionRubric, len(r.Questions))
	for i, q := range r.Questions {
		out.Questions[i] = q.Clone()
	}
	return &out
}
