package grading

import (
	"sort"
	"strings"

	"github.com/gradeos/gradeos/pkg/models"
)

// mergeConfidenceDiscount is applied to the minimum contributing confidence
// of a cross-page merge, reflecting that the merge itself is a guess.
const mergeConfidenceDiscount = 0.9

// Merger detects questions a student answered across several pages and
// collapses them into single QuestionResults.
type Merger struct{}

// Merge processes all page results of one run, grouped by student. Returns
// the merged per-student question lists (page order, then in-page order) and
// the cross-page telemetry entries.
func (Merger) Merge(results map[string]*models.PageResult, students []models.StudentBoundary) (map[string][]models.QuestionResult, []models.MergedQuestion) {
	merged := make(map[string][]models.QuestionResult, len(students))
	var telemetry []models.MergedQuestion

	for _, st := range students {
		pages := studentPages(results, st)

		// question_id → contributing per-page results, in page order.
		contributions := make(map[string][]models.QuestionResult)
		var order []string
		for _, pr := range pages {
			for _, q := range pr.QuestionDetails {
				if _, seen := contributions[q.QuestionID]; !seen {
					order = append(order, q.QuestionID)
				}
				contributions[q.QuestionID] = append(contributions[q.QuestionID], q)
			}
		}

		questions := make([]models.QuestionResult, 0, len(order))
		for _, qid := range order {
			parts := contributions[qid]
			if len(parts) == 1 {
				questions = append(questions, parts[0])
				continue
			}
			q := mergeQuestion(qid, parts)
			questions = append(questions, q)
			telemetry = append(telemetry, models.MergedQuestion{
				StudentKey:  st.StudentKey,
				QuestionID:  qid,
				PageIndices: q.PageIndices,
				Confidence:  q.Confidence,
				MergeReason: "question reported on multiple pages",
			})
		}
		merged[st.StudentKey] = questions
	}
	return merged, telemetry
}

// mergeQuestion collapses the per-page results of one cross-page question:
// summed score capped at max, scoring points unioned at max award, feedback
// concatenated in page order.
func mergeQuestion(qid string, parts []models.QuestionResult) models.QuestionResult {
	var (
		sum        float64
		maxScore   float64
		confidence = 1.0
		feedback   []string
		pageSet    = map[int]bool{}
		points     = map[string]models.ScoringPointResult{}
		pointOrder []string
		refs       []string
		refSet     = map[string]bool{}
	)

	for _, p := range parts {
		sum += p.Score
		if p.MaxScore > maxScore {
			maxScore = p.MaxScore
		}
		if p.Confidence < confidence {
			confidence = p.Confidence
		}
		if p.Feedback != "" {
			feedback = append(feedback, p.Feedback)
		}
		for _, idx := range p.PageIndices {
			pageSet[idx] = true
		}
		for _, ref := range p.RubricRefs {
			if !refSet[ref] {
				refSet[ref] = true
				refs = append(refs, ref)
			}
		}
		for _, spr := range p.ScoringPointResults {
			existing, ok := points[spr.PointID]
			if !ok {
				pointOrder = append(pointOrder, spr.PointID)
				points[spr.PointID] = spr
			} else if spr.Awarded > existing.Awarded {
				points[spr.PointID] = spr
			}
		}
	}

	score := sum
	if score > maxScore {
		score = maxScore
	}

	indices := make([]int, 0, len(pageSet))
	for idx := range pageSet {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	mergedPoints := make([]models.ScoringPointResult, 0, len(pointOrder))
	for _, id := range pointOrder {
		mergedPoints = append(mergedPoints, points[id])
	}

	return models.QuestionResult{
		QuestionID:          qid,
		Score:               score,
		MaxScore:            maxScore,
		Feedback:            strings.Join(feedback, "\n"),
		RubricRefs:          refs,
		ScoringPointResults: mergedPoints,
		PageIndices:         indices,
		IsCrossPage:         true,
		MergeSource:         indices,
		Confidence:          confidence * mergeConfidenceDiscount,
	}
}

// studentPages returns the completed page results of one student in page
// index order.
func studentPages(results map[string]*models.PageResult, st models.StudentBoundary) []*models.PageResult {
	var pages []*models.PageResult
	for idx := st.StartPage; idx < st.EndPage; idx++ {
		if pr, ok := results[models.PageKey(st.StudentKey, idx)]; ok && pr.Status == models.PageStatusCompleted {
			pages = append(pages, pr)
		}
	}
	return pages
}
