package grading

import (
	"fmt"
	"sort"

	"github.com/gradeos/gradeos/pkg/models"
)

// lowConfidenceThreshold flags a student for review when any of their
// question results falls below it.
const lowConfidenceThreshold = 0.5

// Aggregator builds the final per-student results from merged questions.
type Aggregator struct{}

// Aggregate produces StudentResults ordered by start_page, computes run
// totals, and enforces the scoring invariants. Violations are recorded as
// non-fatal errors and mark the offending student needs_review instead of
// failing the run.
func (Aggregator) Aggregate(
	students []models.StudentBoundary,
	merged map[string][]models.QuestionResult,
	pageResults map[string]*models.PageResult,
	rubric *models.ParsedRubric,
) ([]models.StudentResult, float64, float64, []models.GradingError) {
	ordered := append([]models.StudentBoundary(nil), students...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartPage < ordered[j].StartPage })

	var (
		results    []models.StudentResult
		runTotal   float64
		runMax     float64
		violations []models.GradingError
	)

	for _, st := range ordered {
		questions := merged[st.StudentKey]

		var total, maxTotal float64
		needsReview := st.NeedsConfirmation

		for _, q := range questions {
			total += q.Score
			maxTotal += q.MaxScore
			if q.Confidence < lowConfidenceThreshold {
				needsReview = true
			}
			if q.Score > q.MaxScore {
				violations = append(violations, models.NewGradingError(
					models.ErrKindSchemaViolation, models.StageSegment,
					fmt.Sprintf("student %s question %s scored %.2f over max %.2f",
						st.StudentKey, q.QuestionID, q.Score, q.MaxScore)))
				needsReview = true
			}
		}

		// A student answering more distinct questions than the rubric
		// defines means grading hallucinated question IDs.
		if rubric != nil && rubric.TotalQuestions > 0 && len(questions) > rubric.TotalQuestions {
			violations = append(violations, models.NewGradingError(
				models.ErrKindSchemaViolation, models.StageSegment,
				fmt.Sprintf("student %s has %d distinct questions, rubric defines %d",
					st.StudentKey, len(questions), rubric.TotalQuestions)))
			needsReview = true
		}

		// Failed pages keep their zero score but taint the student.
		for idx := st.StartPage; idx < st.EndPage; idx++ {
			pr, ok := pageResults[models.PageKey(st.StudentKey, idx)]
			if !ok || pr.Status == models.PageStatusFailed {
				needsReview = true
			}
		}

		results = append(results, models.StudentResult{
			StudentKey:    st.StudentKey,
			StudentID:     st.StudentID,
			StudentName:   st.StudentName,
			StartPage:     st.StartPage,
			EndPage:       st.EndPage,
			TotalScore:    total,
			MaxTotalScore: maxTotal,
			Questions:     questions,
			NeedsReview:   needsReview,
		})
		runTotal += total
		runMax += maxTotal
	}

	return results, runTotal, runMax, violations
}
