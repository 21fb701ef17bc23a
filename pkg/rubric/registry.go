// Package rubric turns rubric page images into a structured scoring
// specification and serves per-question lookups to grading workers.
package rubric

import (
	"github.com/gradeos/gradeos/pkg/models"
)

// DefaultLookupConfidence is reported for questions absent from the parsed
// rubric: the worker grades them against a synthetic default rubric and the
// low confidence flags the result downstream.
const DefaultLookupConfidence = 0.3

// fallbackQuestionScore is used when nothing lets us estimate a per-question
// maximum.
const fallbackQuestionScore = 10.0

// Lookup is the result of one registry query.
type Lookup struct {
	Rubric     models.QuestionRubric
	IsDefault  bool
	Confidence float64
}

// Registry answers per-question rubric lookups for one grading worker. Each
// worker rebuilds its own registry from a deep-copied rubric, so instances
// are single-goroutine and need no locking.
type Registry struct {
	byID       map[string]models.QuestionRubric
	defaultMax float64
	calls      int
}

// NewRegistry builds a registry from a parsed rubric. A nil rubric yields a
// registry that answers every query with a default.
func NewRegistry(r *models.ParsedRubric) *Registry {
	reg := &Registry{
		byID:       make(map[string]models.QuestionRubric),
		defaultMax: fallbackQuestionScore,
	}
	if r == nil {
		return reg
	}
	for _, q := range r.Questions {
		reg.byID[q.QuestionID] = q
	}
	if len(r.Questions) > 0 && r.TotalScore > 0 {
		reg.defaultMax = r.TotalScore / float64(len(r.Questions))
	}
	return reg
}

// GetRubricForQuestion returns the rubric for qid. Known questions come back
// exact (is_default=false, confidence 1.0); unknown ones get a synthetic
// default rubric so grading can proceed, flagged by low confidence.
func (reg *Registry) GetRubricForQuestion(qid string) Lookup {
	reg.calls++
	if q, ok := reg.byID[qid]; ok {
		return Lookup{Rubric: q, Confidence: 1.0}
	}
	return Lookup{
		Rubric: models.QuestionRubric{
			QuestionID:  qid,
			MaxScore:    reg.defaultMax,
			Description: "default rubric (question not found in parsed rubric)",
		},
		IsDefault:  true,
		Confidence: DefaultLookupConfidence,
	}
}

// Calls returns the number of lookups served so far. Workers diff this
// around each page for per-page telemetry.
func (reg *Registry) Calls() int { return reg.calls }

// Len returns the number of exact rubrics held.
func (reg *Registry) Len() int { return len(reg.byID) }
