package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeos/gradeos/pkg/models"
)

func rubricState() *models.GradingState {
	return &models.GradingState{
		ParsedRubric: &models.ParsedRubric{
			TotalQuestions: 3,
			TotalScore:     30,
			Status:         models.RubricStatusSuccess,
			Questions: []models.QuestionRubric{
				{QuestionID: "1", MaxScore: 10, Description: "algebra"},
				{QuestionID: "2", MaxScore: 10, Description: "geometry"},
				{QuestionID: "3", MaxScore: 10, Description: "proof"},
			},
		},
	}
}

func TestApplyRubricPatchOverridesAndRemoves(t *testing.T) {
	state := rubricState()
	lowered := 8.0
	desc := "algebra (partial credit allowed)"

	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:   models.ReviewGateRubric,
		Action: models.ReviewActionApprove,
		RubricPatch: &models.RubricPatch{
			Questions: []models.QuestionPatch{
				{QuestionID: "1", MaxScore: &lowered, Description: &desc},
				{QuestionID: "3", Remove: true},
			},
		},
	})
	require.NoError(t, err)

	rubric := state.ParsedRubric
	require.Len(t, rubric.Questions, 2)
	assert.Equal(t, 2, rubric.TotalQuestions)
	assert.Equal(t, 8.0, rubric.Questions[0].MaxScore)
	assert.Equal(t, desc, rubric.Questions[0].Description)
	// Total recomputes from the surviving questions: 8 + 10.
	assert.Equal(t, 18.0, rubric.TotalScore)
}

func TestApplyRubricPatchExplicitTotalWins(t *testing.T) {
	state := rubricState()
	total := 25.0

	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:        models.ReviewGateRubric,
		Action:      models.ReviewActionApprove,
		RubricPatch: &models.RubricPatch{TotalScore: &total},
	})
	require.NoError(t, err)
	assert.Equal(t, 25.0, state.ParsedRubric.TotalScore)
}

func TestApplyRubricPatchUnknownQuestionLeavesStateUntouched(t *testing.T) {
	state := rubricState()
	lowered := 5.0

	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:   models.ReviewGateRubric,
		Action: models.ReviewActionApprove,
		RubricPatch: &models.RubricPatch{
			Questions: []models.QuestionPatch{
				{QuestionID: "1", MaxScore: &lowered},
				{QuestionID: "99", Remove: true},
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "99")
	// Nothing from the patch leaked in, including the valid part.
	assert.Equal(t, 10.0, state.ParsedRubric.Questions[0].MaxScore)
	assert.Len(t, state.ParsedRubric.Questions, 3)
}

func TestApplyRubricPatchRejectsNegativeMaxScore(t *testing.T) {
	state := rubricState()
	negative := -1.0

	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:   models.ReviewGateRubric,
		Action: models.ReviewActionApprove,
		RubricPatch: &models.RubricPatch{
			Questions: []models.QuestionPatch{{QuestionID: "2", MaxScore: &negative}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, 10.0, state.ParsedRubric.Questions[1].MaxScore)
}

func TestApplyRubricPatchWithoutRubricFails(t *testing.T) {
	state := &models.GradingState{}
	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:        models.ReviewGateRubric,
		Action:      models.ReviewActionApprove,
		RubricPatch: &models.RubricPatch{},
	})
	assert.Error(t, err)
}

func resultsState() *models.GradingState {
	return &models.GradingState{
		StudentResults: []models.StudentResult{
			{
				StudentKey:    "S1",
				TotalScore:    15,
				MaxTotalScore: 20,
				Questions: []models.QuestionResult{
					{QuestionID: "1", Score: 7, MaxScore: 10},
					{QuestionID: "2", Score: 8, MaxScore: 10},
				},
			},
			{
				StudentKey:    "S2",
				TotalScore:    12,
				MaxTotalScore: 20,
				Questions: []models.QuestionResult{
					{QuestionID: "1", Score: 6, MaxScore: 10},
					{QuestionID: "2", Score: 6, MaxScore: 10},
				},
			},
		},
		TotalScore:    27,
		MaxTotalScore: 40,
	}
}

func TestApplyResultsPatchRecomputesTotals(t *testing.T) {
	state := resultsState()
	raised := 9.0
	feedback := "award the substitution step"

	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:   models.ReviewGateResults,
		Action: models.ReviewActionApprove,
		ResultsPatch: &models.ResultsPatch{
			Students: []models.StudentPatch{{
				StudentKey: "S1",
				Questions: []models.QuestionScorePatch{
					{QuestionID: "1", Score: &raised, Feedback: &feedback},
				},
			}},
		},
	})
	require.NoError(t, err)

	s1 := state.StudentResults[0]
	assert.Equal(t, 9.0, s1.Questions[0].Score)
	assert.Equal(t, feedback, s1.Questions[0].Feedback)
	assert.Equal(t, 17.0, s1.TotalScore)
	assert.Equal(t, 29.0, state.TotalScore)
	assert.Equal(t, 40.0, state.MaxTotalScore)
}

func TestApplyResultsPatchRejectsOutOfRangeScore(t *testing.T) {
	state := resultsState()
	over := 11.0

	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:   models.ReviewGateResults,
		Action: models.ReviewActionApprove,
		ResultsPatch: &models.ResultsPatch{
			Students: []models.StudentPatch{{
				StudentKey: "S1",
				Questions:  []models.QuestionScorePatch{{QuestionID: "1", Score: &over}},
			}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, 7.0, state.StudentResults[0].Questions[0].Score)
	assert.Equal(t, 27.0, state.TotalScore)
}

func TestApplyResultsPatchAllOrNothing(t *testing.T) {
	state := resultsState()
	good := 9.0
	bad := -2.0

	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:   models.ReviewGateResults,
		Action: models.ReviewActionApprove,
		ResultsPatch: &models.ResultsPatch{
			Students: []models.StudentPatch{
				{StudentKey: "S1", Questions: []models.QuestionScorePatch{{QuestionID: "1", Score: &good}}},
				{StudentKey: "S2", Questions: []models.QuestionScorePatch{{QuestionID: "2", Score: &bad}}},
			},
		},
	})
	require.Error(t, err)
	// The valid S1 change must not have been applied.
	assert.Equal(t, 7.0, state.StudentResults[0].Questions[0].Score)
	assert.Equal(t, 6.0, state.StudentResults[1].Questions[1].Score)
}

func TestApplyResultsPatchUnknownTargets(t *testing.T) {
	state := resultsState()
	score := 5.0

	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:   models.ReviewGateResults,
		Action: models.ReviewActionApprove,
		ResultsPatch: &models.ResultsPatch{
			Students: []models.StudentPatch{{StudentKey: "S9"}},
		},
	})
	assert.Error(t, err)

	err = applyReviewPatch(state, &models.ReviewDecision{
		Gate:   models.ReviewGateResults,
		Action: models.ReviewActionApprove,
		ResultsPatch: &models.ResultsPatch{
			Students: []models.StudentPatch{{
				StudentKey: "S1",
				Questions:  []models.QuestionScorePatch{{QuestionID: "42", Score: &score}},
			}},
		},
	})
	assert.Error(t, err)
}

func TestApplyPatchNilPatchIsNoop(t *testing.T) {
	state := resultsState()
	err := applyReviewPatch(state, &models.ReviewDecision{
		Gate:   models.ReviewGateResults,
		Action: models.ReviewActionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, 27.0, state.TotalScore)
}
