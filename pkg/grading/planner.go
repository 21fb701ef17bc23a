package grading

import (
	"encoding/json"
	"fmt"

	"github.com/gradeos/gradeos/pkg/llm"
	"github.com/gradeos/gradeos/pkg/models"
)

// outputBudgetTokens reserves room for the model's JSON answer per page.
const outputBudgetTokens = 1024

// TokenEstimator prices one page against a rubric. The default is calibrated
// for the Claude vision family; deployments targeting another family plug in
// their own.
type TokenEstimator interface {
	PageTokens(page models.Page, rubric *models.ParsedRubric) int
}

// DefaultEstimator composes the llm package heuristics: per-image overhead,
// serialized rubric cost, and a fixed output budget.
type DefaultEstimator struct{}

// PageTokens implements TokenEstimator.
func (DefaultEstimator) PageTokens(page models.Page, rubric *models.ParsedRubric) int {
	tokens := llm.EstimateImageTokens(len(page.Data)) + outputBudgetTokens
	if rubric != nil {
		if raw, err := json.Marshal(rubric); err == nil {
			tokens += llm.EstimateTextTokens(len(raw))
		}
	}
	return tokens
}

// Planner turns student boundaries into grading batches: exactly one batch
// per student. A student whose pages exceed max_tokens_per_batch keeps a
// single over-budget batch — pages of one student never split across
// workers, the worker paces itself page by page instead.
type Planner struct {
	Estimator TokenEstimator
}

// Plan emits batches in student order. BatchIDLocal is zero-padded so the
// runtime's lexicographic merge order equals student start_page order. When
// maxTokensPerBatch > 0, a student whose pages exceed it gets contiguous
// sub-batches each within budget (a single over-budget page forms its own
// sub-batch); the worker walks them sequentially.
func (p *Planner) Plan(students []models.StudentBoundary, pages []models.Page, rubric *models.ParsedRubric, maxTokensPerBatch int) []models.Batch {
	est := p.Estimator
	if est == nil {
		est = DefaultEstimator{}
	}

	byIndex := make(map[int]models.Page, len(pages))
	for _, pg := range pages {
		byIndex[pg.Index] = pg
	}

	batches := make([]models.Batch, 0, len(students))
	for i, st := range students {
		var (
			indices    []int
			pageTokens []int
			tokens     int
		)
		for idx := st.StartPage; idx < st.EndPage; idx++ {
			indices = append(indices, idx)
			cost := 0
			if pg, ok := byIndex[idx]; ok {
				cost = est.PageTokens(pg, rubric)
			}
			pageTokens = append(pageTokens, cost)
			tokens += cost
		}
		batches = append(batches, models.Batch{
			BatchIDLocal:    fmt.Sprintf("b-%03d", i),
			StudentKey:      st.StudentKey,
			PageIndices:     indices,
			SubBatches:      splitByBudget(indices, pageTokens, tokens, maxTokensPerBatch),
			EstimatedTokens: tokens,
		})
	}
	return batches
}

// splitByBudget groups contiguous page indices so each group's estimated
// cost stays within budget. Returns nil when no split is needed.
func splitByBudget(indices, pageTokens []int, total, budget int) [][]int {
	if budget <= 0 || total <= budget || len(indices) < 2 {
		return nil
	}
	var (
		groups  [][]int
		current []int
		used    int
	)
	for i, idx := range indices {
		cost := pageTokens[i]
		if len(current) > 0 && used+cost > budget {
			groups = append(groups, current)
			current = nil
			used = 0
		}
		current = append(current, idx)
		used += cost
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
