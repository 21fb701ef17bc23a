package grading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeos/gradeos/pkg/models"
)

func TestAggregateOrdersByStartPage(t *testing.T) {
	students := []models.StudentBoundary{
		{StudentKey: "S2", StartPage: 3, EndPage: 6},
		{StudentKey: "S1", StartPage: 0, EndPage: 3},
	}
	merged := map[string][]models.QuestionResult{
		"S1": {question("1", 8, 10, 0)},
		"S2": {question("1", 6, 10, 3)},
	}
	pageResults := map[string]*models.PageResult{}
	for _, st := range students {
		for i := st.StartPage; i < st.EndPage; i++ {
			pageResults[models.PageKey(st.StudentKey, i)] = pageResult(st.StudentKey, i)
		}
	}

	results, total, max, violations := Aggregator{}.Aggregate(students, merged, pageResults, nil)
	require.Empty(t, violations)
	require.Len(t, results, 2)
	assert.Equal(t, "S1", results[0].StudentKey)
	assert.Equal(t, "S2", results[1].StudentKey)
	assert.Equal(t, 14.0, total)
	assert.Equal(t, 20.0, max)
}

func TestAggregateTotalsMatchQuestionSums(t *testing.T) {
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 0, EndPage: 2}}
	merged := map[string][]models.QuestionResult{
		"S1": {question("1", 8, 10, 0), question("2", 9, 10, 1)},
	}
	pageResults := map[string]*models.PageResult{
		models.PageKey("S1", 0): pageResult("S1", 0),
		models.PageKey("S1", 1): pageResult("S1", 1),
	}

	results, total, _, _ := Aggregator{}.Aggregate(students, merged, pageResults, nil)
	require.Len(t, results, 1)
	var sum float64
	for _, q := range results[0].Questions {
		sum += q.Score
	}
	assert.Equal(t, sum, results[0].TotalScore)
	assert.Equal(t, sum, total)
}

func TestAggregateFailedPageMarksNeedsReview(t *testing.T) {
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 0, EndPage: 2}}
	merged := map[string][]models.QuestionResult{"S1": {question("1", 8, 10, 0)}}
	pageResults := map[string]*models.PageResult{
		models.PageKey("S1", 0): pageResult("S1", 0),
		models.PageKey("S1", 1): {PageIndex: 1, StudentKey: "S1", Status: models.PageStatusFailed},
	}

	results, _, _, _ := Aggregator{}.Aggregate(students, merged, pageResults, nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].NeedsReview)
}

func TestAggregateLowConfidenceMarksNeedsReview(t *testing.T) {
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 0, EndPage: 1}}
	q := question("1", 5, 10, 0)
	q.Confidence = 0.3
	merged := map[string][]models.QuestionResult{"S1": {q}}
	pageResults := map[string]*models.PageResult{
		models.PageKey("S1", 0): pageResult("S1", 0),
	}

	results, _, _, _ := Aggregator{}.Aggregate(students, merged, pageResults, nil)
	assert.True(t, results[0].NeedsReview)
}

func TestAggregateMoreQuestionsThanRubricIsViolation(t *testing.T) {
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 0, EndPage: 1}}
	merged := map[string][]models.QuestionResult{
		"S1": {question("1", 5, 10, 0), question("2", 4, 10, 0), question("7", 3, 10, 0)},
	}
	pageResults := map[string]*models.PageResult{
		models.PageKey("S1", 0): pageResult("S1", 0),
	}
	rubric := &models.ParsedRubric{
		TotalQuestions: 2,
		TotalScore:     20,
		Questions: []models.QuestionRubric{
			{QuestionID: "1", MaxScore: 10},
			{QuestionID: "2", MaxScore: 10},
		},
	}

	results, _, _, violations := Aggregator{}.Aggregate(students, merged, pageResults, rubric)
	require.Len(t, violations, 1)
	assert.Equal(t, models.ErrKindSchemaViolation, violations[0].Kind)
	assert.Contains(t, violations[0].Message, "distinct questions")
	require.Len(t, results, 1)
	assert.True(t, results[0].NeedsReview)

	// Within the rubric's bound, no violation.
	merged["S1"] = merged["S1"][:2]
	results, _, _, violations = Aggregator{}.Aggregate(students, merged, pageResults, rubric)
	assert.Empty(t, violations)
	assert.False(t, results[0].NeedsReview)
}

func TestAggregateScoreOverMaxIsViolation(t *testing.T) {
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 0, EndPage: 1}}
	merged := map[string][]models.QuestionResult{"S1": {question("1", 12, 10, 0)}}
	pageResults := map[string]*models.PageResult{
		models.PageKey("S1", 0): pageResult("S1", 0),
	}

	results, _, _, violations := Aggregator{}.Aggregate(students, merged, pageResults, nil)
	require.Len(t, violations, 1)
	assert.Equal(t, models.ErrKindSchemaViolation, violations[0].Kind)
	assert.True(t, results[0].NeedsReview)
}
