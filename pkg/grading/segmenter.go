// Package grading implements the fan-out stages of the engine: student
// segmentation, batch planning, per-batch grading workers, cross-page merge,
// and result aggregation.
package grading

import (
	"fmt"
	"sort"

	"github.com/gradeos/gradeos/pkg/models"
)

// SegmentPolicy selects the fallback behavior when neither explicit
// boundaries nor an expected student count is available.
type SegmentPolicy string

// Segmentation policies.
const (
	// PolicySingleStudent treats the whole upload as one student.
	PolicySingleStudent SegmentPolicy = "single_student"

	// PolicyPerPage treats every page as its own student.
	PolicyPerPage SegmentPolicy = "per_page"
)

// Heuristic boundary confidences. Anything below confirmThreshold carries
// needs_confirmation and flags the run for results review.
const (
	confirmThreshold      = 0.8
	evenSplitConfidence   = 0.8
	raggedSplitConfidence = 0.6
)

// Segmenter groups answer pages into per-student page ranges.
type Segmenter struct {
	// Policy applies when no boundary signal exists. Zero value means
	// single-student.
	Policy SegmentPolicy
}

// Segment produces the student boundaries of a run. The returned boundaries
// always partition [0, len(pages)) exactly; the returned errors are
// non-fatal and record ambiguity on the way.
func (s *Segmenter) Segment(pages []models.Page, cfg models.RunConfig, mapping []models.StudentMapping) ([]models.StudentBoundary, []models.GradingError) {
	n := len(pages)
	if n == 0 {
		return nil, nil
	}

	if len(mapping) > 0 {
		if bounds, ok := boundsFromMapping(mapping, n); ok {
			return bounds, nil
		}
		ge := models.NewGradingError(models.ErrKindBoundaryAmbiguous, models.StageGradingFanout,
			"student_mapping does not partition the page range, falling back to heuristics")
		bounds, errs := s.heuristic(n, cfg)
		return bounds, append([]models.GradingError{ge}, errs...)
	}

	if len(cfg.StudentBoundaries) > 0 {
		if bounds, ok := boundsFromStarts(cfg.StudentBoundaries, n); ok {
			return bounds, nil
		}
		ge := models.NewGradingError(models.ErrKindBoundaryAmbiguous, models.StageGradingFanout,
			fmt.Sprintf("student_boundaries %v are inconsistent with %d pages, falling back to heuristics",
				cfg.StudentBoundaries, n))
		bounds, errs := s.heuristic(n, cfg)
		return bounds, append([]models.GradingError{ge}, errs...)
	}

	return s.heuristic(n, cfg)
}

func (s *Segmenter) heuristic(n int, cfg models.RunConfig) ([]models.StudentBoundary, []models.GradingError) {
	k := cfg.ExpectedStudents
	if k <= 1 {
		if k <= 0 && s.Policy == PolicyPerPage {
			starts := make([]int, n)
			for i := range starts {
				starts[i] = i
			}
			bounds, _ := boundsFromStarts(starts, n)
			return bounds, nil
		}
		return []models.StudentBoundary{{
			StudentKey: "S1",
			StartPage:  0,
			EndPage:    n,
			Confidence: 1.0,
		}}, nil
	}

	if k > n {
		ge := models.NewGradingError(models.ErrKindBoundaryAmbiguous, models.StageGradingFanout,
			fmt.Sprintf("expected %d students but only %d pages", k, n))
		k = n
		bounds := evenSplit(n, k, raggedSplitConfidence)
		return bounds, []models.GradingError{ge}
	}

	// Contiguous even split. A clean division is a plausible guess; a ragged
	// one is ambiguous enough to demand confirmation.
	conf := evenSplitConfidence
	var errs []models.GradingError
	if n%k != 0 {
		conf = raggedSplitConfidence
		errs = append(errs, models.NewGradingError(models.ErrKindBoundaryAmbiguous, models.StageGradingFanout,
			fmt.Sprintf("%d pages do not divide evenly across %d students", n, k)))
	}
	return evenSplit(n, k, conf), errs
}

// evenSplit partitions n pages into k contiguous groups, front-loading the
// remainder.
func evenSplit(n, k int, confidence float64) []models.StudentBoundary {
	base := n / k
	rem := n % k
	bounds := make([]models.StudentBoundary, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < rem {
			size++
		}
		bounds = append(bounds, models.StudentBoundary{
			StudentKey:        fmt.Sprintf("S%d", i+1),
			StartPage:         start,
			EndPage:           start + size,
			Confidence:        confidence,
			NeedsConfirmation: confidence < confirmThreshold,
		})
		start += size
	}
	return bounds
}

// boundsFromStarts turns start indices into boundaries, verifying they
// describe a valid partition of [0, n).
func boundsFromStarts(starts []int, n int) ([]models.StudentBoundary, bool) {
	if len(starts) == 0 || starts[0] != 0 {
		return nil, false
	}
	for i := 1; i < len(starts); i++ {
		if starts[i] <= starts[i-1] || starts[i] >= n {
			return nil, false
		}
	}
	bounds := make([]models.StudentBoundary, len(starts))
	for i, start := range starts {
		end := n
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		bounds[i] = models.StudentBoundary{
			StudentKey: fmt.Sprintf("S%d", i+1),
			StartPage:  start,
			EndPage:    end,
			Confidence: 1.0,
		}
	}
	return bounds, true
}

// boundsFromMapping applies a user-supplied identity mapping when it exactly
// partitions the page range.
func boundsFromMapping(mapping []models.StudentMapping, n int) ([]models.StudentBoundary, bool) {
	sorted := append([]models.StudentMapping(nil), mapping...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartIndex < sorted[j].StartIndex })

	next := 0
	bounds := make([]models.StudentBoundary, len(sorted))
	for i, m := range sorted {
		if m.StartIndex != next || m.EndIndex <= m.StartIndex || m.EndIndex > n {
			return nil, false
		}
		key := m.StudentKey
		if key == "" {
			key = fmt.Sprintf("S%d", i+1)
		}
		bounds[i] = models.StudentBoundary{
			StudentKey:  key,
			StudentID:   m.StudentID,
			StudentName: m.StudentName,
			StartPage:   m.StartIndex,
			EndPage:     m.EndIndex,
			Confidence:  1.0,
		}
		next = m.EndIndex
	}
	return bounds, next == n
}
