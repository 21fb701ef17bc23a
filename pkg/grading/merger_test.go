package grading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeos/gradeos/pkg/models"
)

func pageResult(student string, page int, questions ...models.QuestionResult) *models.PageResult {
	var score, max float64
	for _, q := range questions {
		score += q.Score
		max += q.MaxScore
	}
	return &models.PageResult{
		PageIndex:       page,
		StudentKey:      student,
		Status:          models.PageStatusCompleted,
		Score:           score,
		MaxScore:        max,
		QuestionDetails: questions,
		Confidence:      0.9,
	}
}

func question(id string, score, max float64, page int) models.QuestionResult {
	return models.QuestionResult{
		QuestionID:  id,
		Score:       score,
		MaxScore:    max,
		PageIndices: []int{page},
		Confidence:  0.9,
	}
}

func TestMergeCrossPageQuestion(t *testing.T) {
	// Question 5 appears on pages 2 and 3 with 4/10 and 5/10.
	results := map[string]*models.PageResult{
		models.PageKey("S1", 2): pageResult("S1", 2, question("5", 4, 10, 2)),
		models.PageKey("S1", 3): pageResult("S1", 3, question("5", 5, 10, 3)),
	}
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 2, EndPage: 4}}

	merged, telemetry := Merger{}.Merge(results, students)

	require.Len(t, merged["S1"], 1)
	q := merged["S1"][0]
	assert.Equal(t, "5", q.QuestionID)
	assert.Equal(t, 9.0, q.Score)
	assert.Equal(t, 10.0, q.MaxScore)
	assert.True(t, q.IsCrossPage)
	assert.Equal(t, []int{2, 3}, q.PageIndices)
	assert.Equal(t, []int{2, 3}, q.MergeSource)
	assert.InDelta(t, 0.9*mergeConfidenceDiscount, q.Confidence, 1e-9)

	require.Len(t, telemetry, 1)
	assert.Equal(t, "5", telemetry[0].QuestionID)
	assert.Equal(t, []int{2, 3}, telemetry[0].PageIndices)
}

func TestMergeCapsScoreAtMax(t *testing.T) {
	results := map[string]*models.PageResult{
		models.PageKey("S1", 0): pageResult("S1", 0, question("1", 7, 10, 0)),
		models.PageKey("S1", 1): pageResult("S1", 1, question("1", 8, 10, 1)),
	}
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 0, EndPage: 2}}

	merged, _ := Merger{}.Merge(results, students)
	require.Len(t, merged["S1"], 1)
	assert.Equal(t, 10.0, merged["S1"][0].Score)
}

func TestMergeSinglePageQuestionsPassThrough(t *testing.T) {
	results := map[string]*models.PageResult{
		models.PageKey("S1", 0): pageResult("S1", 0, question("1", 8, 10, 0)),
		models.PageKey("S1", 1): pageResult("S1", 1, question("2", 9, 10, 1)),
	}
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 0, EndPage: 2}}

	merged, telemetry := Merger{}.Merge(results, students)

	require.Len(t, merged["S1"], 2)
	assert.False(t, merged["S1"][0].IsCrossPage)
	assert.False(t, merged["S1"][1].IsCrossPage)
	assert.Empty(t, telemetry)
}

func TestMergeScoringPointsUnionMaxAwarded(t *testing.T) {
	qa := question("7", 3, 15, 0)
	qa.ScoringPointResults = []models.ScoringPointResult{
		{PointID: "7-1", Awarded: 3},
		{PointID: "7-2", Awarded: 0},
	}
	qb := question("7", 8, 15, 1)
	qb.ScoringPointResults = []models.ScoringPointResult{
		{PointID: "7-2", Awarded: 4, Evidence: "work shown"},
		{PointID: "7-3", Awarded: 4},
	}
	results := map[string]*models.PageResult{
		models.PageKey("S1", 0): pageResult("S1", 0, qa),
		models.PageKey("S1", 1): pageResult("S1", 1, qb),
	}
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 0, EndPage: 2}}

	merged, _ := Merger{}.Merge(results, students)
	require.Len(t, merged["S1"], 1)
	points := merged["S1"][0].ScoringPointResults
	require.Len(t, points, 3)
	byID := map[string]models.ScoringPointResult{}
	for _, p := range points {
		byID[p.PointID] = p
	}
	assert.Equal(t, 3.0, byID["7-1"].Awarded)
	assert.Equal(t, 4.0, byID["7-2"].Awarded)
	assert.Equal(t, "work shown", byID["7-2"].Evidence)
	assert.Equal(t, 4.0, byID["7-3"].Awarded)
}

func TestMergeIgnoresFailedPages(t *testing.T) {
	failed := &models.PageResult{PageIndex: 1, StudentKey: "S1", Status: models.PageStatusFailed}
	results := map[string]*models.PageResult{
		models.PageKey("S1", 0): pageResult("S1", 0, question("1", 8, 10, 0)),
		models.PageKey("S1", 1): failed,
	}
	students := []models.StudentBoundary{{StudentKey: "S1", StartPage: 0, EndPage: 2}}

	merged, _ := Merger{}.Merge(results, students)
	require.Len(t, merged["S1"], 1)
	assert.Equal(t, "1", merged["S1"][0].QuestionID)
}
