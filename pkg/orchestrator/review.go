package orchestrator

import (
	"fmt"

	"github.com/gradeos/gradeos/pkg/models"
)

// applyReviewPatch merges an approved review decision into the run state.
// Patches are validated against the state first and applied all-or-nothing.
func applyReviewPatch(state *models.GradingState, decision *models.ReviewDecision) error {
	switch decision.Gate {
	case models.ReviewGateRubric:
		if decision.RubricPatch == nil {
			return nil
		}
		return applyRubricPatch(state, decision.RubricPatch)
	case models.ReviewGateResults:
		if decision.ResultsPatch == nil {
			return nil
		}
		return applyResultsPatch(state, decision.ResultsPatch)
	}
	return fmt.Errorf("unknown review gate %q", decision.Gate)
}

func applyRubricPatch(state *models.GradingState, patch *models.RubricPatch) error {
	if state.ParsedRubric == nil {
		return fmt.Errorf("run has no parsed rubric to patch")
	}
	// Work on a copy so a failed validation leaves state untouched.
	rubric := state.ParsedRubric.Clone()

	byID := make(map[string]int, len(rubric.Questions))
	for i, q := range rubric.Questions {
		byID[q.QuestionID] = i
	}
	for _, qp := range patch.Questions {
		if _, ok := byID[qp.QuestionID]; !ok {
			return fmt.Errorf("rubric patch targets unknown question %q", qp.QuestionID)
		}
	}

	kept := rubric.Questions[:0]
	for _, q := range rubric.Questions {
		qp, patched := findQuestionPatch(patch.Questions, q.QuestionID)
		if patched && qp.Remove {
			continue
		}
		if patched {
			if qp.MaxScore != nil {
				if *qp.MaxScore < 0 {
					return fmt.Errorf("rubric patch sets negative max_score on question %q", q.QuestionID)
				}
				q.MaxScore = *qp.MaxScore
			}
			if qp.Description != nil {
				q.Description = *qp.Description
			}
		}
		kept = append(kept, q)
	}
	rubric.Questions = kept
	rubric.TotalQuestions = len(kept)

	if patch.TotalScore != nil {
		rubric.TotalScore = *patch.TotalScore
	} else {
		rubric.TotalScore = rubric.QuestionSum()
	}

	state.ParsedRubric = rubric
	return nil
}

func findQuestionPatch(patches []models.QuestionPatch, qid string) (models.QuestionPatch, bool) {
	for _, p := range patches {
		if p.QuestionID == qid {
			return p, true
		}
	}
	return models.QuestionPatch{}, false
}

func questionIndex(questions []models.QuestionResult, qid string) int {
	for i, q := range questions {
		if q.QuestionID == qid {
			return i
		}
	}
	return -1
}

func applyResultsPatch(state *models.GradingState, patch *models.ResultsPatch) error {
	byKey := make(map[string]int, len(state.StudentResults))
	for i, sr := range state.StudentResults {
		byKey[sr.StudentKey] = i
	}
	// Validate everything before touching state; the patch applies
	// all-or-nothing.
	for _, sp := range patch.Students {
		si, ok := byKey[sp.StudentKey]
		if !ok {
			return fmt.Errorf("results patch targets unknown student %q", sp.StudentKey)
		}
		for _, qp := range sp.Questions {
			qi := questionIndex(state.StudentResults[si].Questions, qp.QuestionID)
			if qi < 0 {
				return fmt.Errorf("results patch targets unknown question %q of student %q",
					qp.QuestionID, sp.StudentKey)
			}
			if qp.Score != nil {
				if *qp.Score < 0 || *qp.Score > state.StudentResults[si].Questions[qi].MaxScore {
					return fmt.Errorf("results patch score %.2f out of range for question %q",
						*qp.Score, qp.QuestionID)
				}
			}
		}
	}

	for _, sp := range patch.Students {
		sr := &state.StudentResults[byKey[sp.StudentKey]]
		for _, qp := range sp.Questions {
			qi := questionIndex(sr.Questions, qp.QuestionID)
			if qp.Score != nil {
				sr.Questions[qi].Score = *qp.Score
			}
			if qp.Feedback != nil {
				sr.Questions[qi].Feedback = *qp.Feedback
			}
		}
	}

	// Recompute totals bottom-up so they keep matching the question sums.
	var runTotal, runMax float64
	for i := range state.StudentResults {
		sr := &state.StudentResults[i]
		var total, max float64
		for _, q := range sr.Questions {
			total += q.Score
			max += q.MaxScore
		}
		sr.TotalScore = total
		sr.MaxTotalScore = max
		runTotal += total
		runMax += max
	}
	state.TotalScore = runTotal
	state.MaxTotalScore = runMax
	return nil
}
