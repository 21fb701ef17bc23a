// Package models defines the grading data model shared by the graph
// runtime, workers, checkpointer, and API layers.
package models

import (
	"fmt"
	"time"
)

// Stage identifies a node of the grading graph.
type Stage string

// Graph stages, in topological order.
const (
	StageIntake         Stage = "intake"
	StagePreprocess     Stage = "preprocess"
	StageRubricParse    Stage = "rubric_parse"
	StageRubricReview   Stage = "rubric_review"
	StageGradingFanout  Stage = "grading_fanout"
	StageGradeBatch     Stage = "grade_batch"
	StageCrossPageMerge Stage = "cross_page_merge"
	StageSegment        Stage = "segment"
	StageResultsReview  Stage = "results_review"
	StageExport         Stage = "export"
)

// RunStatus is the lifecycle state of a grading run.
type RunStatus string

// Run lifecycle states.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal run state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// GradingMode controls how strictly the engine applies review gates.
type GradingMode string

// Grading modes. Assist mode skips review gates unconditionally.
const (
	GradingModeAssist GradingMode = "assist"
	GradingModeStrict GradingMode = "strict"
)

// ReviewPending marks which review gate (if any) is blocking the run.
type ReviewPending string

// Review gate markers.
const (
	ReviewPendingNone    ReviewPending = ""
	ReviewPendingRubric  ReviewPending = "rubric"
	ReviewPendingResults ReviewPending = "results"
)

// RawPage is an answer or rubric page exactly as uploaded.
type RawPage struct {
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
	MIME  string `json:"mime"`
	Data  []byte `json:"data"`
}

// Page is a preprocessed answer page. Index is preserved from intake order.
type Page struct {
	Index int    `json:"index"`
	Ref   string `json:"ref"`
	MIME  string `json:"mime"`
	Data  []byte `json:"data"`
}

// RunConfig carries the per-run knobs, immutable after intake.
type RunConfig struct {
	EnableReview             bool          `json:"enable_review"`
	GradingMode              GradingMode   `json:"grading_mode"`
	MaxTokensPerBatch        int           `json:"max_tokens_per_batch"`
	MaxParallelWorkers       int           `json:"max_parallel_workers"`
	MaxRetries               int           `json:"max_retries"`
	ExpectedStudents         int           `json:"expected_students,omitempty"`
	ExpectedTotalScore       float64       `json:"expected_total_score,omitempty"`
	StudentBoundaries        []int         `json:"student_boundaries,omitempty"`
	LLMCallTimeout           time.Duration `json:"llm_call_timeout"`
	NodeTimeout              time.Duration `json:"node_timeout"`
	RunTimeout               time.Duration `json:"run_timeout"`
	FallbackRubricConfidence float64       `json:"fallback_rubric_confidence"`
	EventBufferSize          int           `json:"event_buffer_size"`
}

// SkipReview reports whether review gates are bypassed for this run.
// Assist mode skips gates unconditionally, regardless of EnableReview.
func (c RunConfig) SkipReview() bool {
	return !c.EnableReview || c.GradingMode == GradingModeAssist
}

// StudentBoundary assigns a contiguous half-open page range [StartPage, EndPage)
// to one student. Boundaries of a run partition [0, len(ProcessedImages))
// with no overlap and no gap.
type StudentBoundary struct {
	StudentKey        string  `json:"student_key"`
	StudentID         string  `json:"student_id,omitempty"`
	StudentName       string  `json:"student_name,omitempty"`
	StartPage         int     `json:"start_page"`
	EndPage           int     `json:"end_page"`
	Confidence        float64 `json:"confidence"`
	NeedsConfirmation bool    `json:"needs_confirmation,omitempty"`
}

// PageCount returns the number of pages in the boundary.
func (b StudentBoundary) PageCount() int { return b.EndPage - b.StartPage }

// Batch is a unit of work for one grading worker: a contiguous page range
// belonging to exactly one student. When the student's pages exceed the
// token budget, SubBatches splits them into contiguous groups each within
// budget; the worker processes the groups sequentially, so one student's
// pages never spread across workers.
type Batch struct {
	BatchIDLocal    string  `json:"batch_id_local"`
	StudentKey      string  `json:"student_key"`
	PageIndices     []int   `json:"page_indices"`
	SubBatches      [][]int `json:"sub_batches,omitempty"`
	EstimatedTokens int     `json:"estimated_tokens"`
	RetryCount      int     `json:"retry_count"`
}

// PageKey builds the grading_results map key for a student page.
func PageKey(studentKey string, pageIndex int) string {
	return fmt.Sprintf("%s:%d", studentKey, pageIndex)
}

// GradingState is the shared state container of one grading run. Nodes
// never mutate it directly; they return a StateUpdate merged by the runtime.
type GradingState struct {
	BatchID string `json:"batch_id"`

	// Inputs — immutable after intake.
	Images         []RawPage        `json:"images"`
	RubricFiles    []RawPage        `json:"rubric_files,omitempty"`
	Config         RunConfig        `json:"config"`
	StudentMapping []StudentMapping `json:"student_mapping,omitempty"`

	// Derived.
	ProcessedImages []Page            `json:"processed_images,omitempty"`
	ParsedRubric    *ParsedRubric     `json:"parsed_rubric,omitempty"`
	RubricImages    []string          `json:"rubric_images,omitempty"`
	Students        []StudentBoundary `json:"students,omitempty"`
	Batches         []Batch           `json:"batches,omitempty"`

	// Results.
	GradingResults     map[string]*PageResult `json:"grading_results,omitempty"`
	CrossPageQuestions []MergedQuestion       `json:"cross_page_questions,omitempty"`
	StudentResults     []StudentResult        `json:"student_results,omitempty"`
	TotalScore         float64                `json:"total_score"`
	MaxTotalScore      float64                `json:"max_total_score"`

	// Control.
	CurrentStage  Stage          `json:"current_stage"`
	Progress      float64        `json:"progress"`
	Errors        []GradingError `json:"errors,omitempty"`
	ReviewPending ReviewPending  `json:"review_pending,omitempty"`
	Status        RunStatus      `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StateUpdate is the partial update a node returns. Merge semantics are
// key-wise: sequences append, maps merge, scalars overwrite when set.
type StateUpdate struct {
	ProcessedImages []Page            `json:"processed_images,omitempty"`
	ParsedRubric    *ParsedRubric     `json:"parsed_rubric,omitempty"`
	RubricImages    []string          `json:"rubric_images,omitempty"`
	Students        []StudentBoundary `json:"students,omitempty"`
	Batches         []Batch           `json:"batches,omitempty"`

	GradingResults     map[string]*PageResult `json:"grading_results,omitempty"`
	CrossPageQuestions []MergedQuestion       `json:"cross_page_questions,omitempty"`
	StudentResults     []StudentResult        `json:"student_results,omitempty"`
	TotalScore         *float64               `json:"total_score,omitempty"`
	MaxTotalScore      *float64               `json:"max_total_score,omitempty"`

	CurrentStage  *Stage         `json:"current_stage,omitempty"`
	Progress      *float64       `json:"progress,omitempty"`
	Errors        []GradingError `json:"errors,omitempty"`
	ReviewPending *ReviewPending `json:"review_pending,omitempty"`
	Status        *RunStatus     `json:"status,omitempty"`
}

// Apply merges a node update into the state under the key-wise contract:
// sequences append, maps merge (per-key overwrite), scalars overwrite when
// the update carries a value.
func (s *GradingState) Apply(u *StateUpdate) {
	if u == nil {
		return
	}
	s.ProcessedImages = append(s.ProcessedImages, u.ProcessedImages...)
	if u.ParsedRubric != nil {
		s.ParsedRubric = u.ParsedRubric
	}
	s.RubricImages = append(s.RubricImages, u.RubricImages...)
	s.Students = append(s.Students, u.Students...)
	s.Batches = append(s.Batches, u.Batches...)

	if len(u.GradingResults) > 0 {
		if s.GradingResults == nil {
			s.GradingResults = make(map[string]*PageResult, len(u.GradingResults))
		}
		for k, v := range u.GradingResults {
			s.GradingResults[k] = v
		}
	}
	s.CrossPageQuestions = append(s.CrossPageQuestions, u.CrossPageQuestions...)
	s.StudentResults = append(s.StudentResults, u.StudentResults...)
	if u.TotalScore != nil {
		s.TotalScore = *u.TotalScore
	}
	if u.MaxTotalScore != nil {
		s.MaxTotalScore = *u.MaxTotalScore
	}

	if u.CurrentStage != nil {
		s.CurrentStage = *u.CurrentStage
	}
	if u.Progress != nil {
		s.Progress = *u.Progress
	}
	s.Errors = append(s.Errors, u.Errors...)
	if u.ReviewPending != nil {
		s.ReviewPending = *u.ReviewPending
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the state. Used by the checkpointer for
// snapshot isolation and by the orchestrator for read-only views.
func (s *GradingState) Clone() *GradingState {
	if s == nil {
		return nil
	}
	out := *s
	out.Images = cloneRawPages(s.Images)
	out.RubricFiles = cloneRawPages(s.RubricFiles)
	out.Config.StudentBoundaries = append([]int(nil), s.Config.StudentBoundaries...)
	out.StudentMapping = append([]StudentMapping(nil), s.StudentMapping...)
	out.ProcessedImages = clonePages(s.ProcessedImages)
	out.ParsedRubric = s.ParsedRubric.Clone()
	out.RubricImages = append([]string(nil), s.RubricImages...)
	out.Students = append([]StudentBoundary(nil), s.Students...)
	out.Batches = cloneBatches(s.Batches)
	if s.GradingResults != nil {
		out.GradingResults = make(map[string]*PageResult, len(s.GradingResults))
		for k, v := range s.GradingResults {
			out.GradingResults[k] = v.Clone()
		}
	}
	out.CrossPageQuestions = cloneMergedQuestions(s.CrossPageQuestions)
	out.StudentResults = cloneStudentResults(s.StudentResults)
	out.Errors = append([]GradingError(nil), s.Errors...)
	return &out
}

func cloneRawPages(in []RawPage) []RawPage {
	if in == nil {
		return nil
	}
	out := make([]RawPage, len(in))
	for i, p := range in {
		out[i] = p
		out[i].Data = append([]byte(nil), p.Data...)
	}
	return out
}

func clonePages(in []Page) []Page {
	if in == nil {
		return nil
	}
	out := make([]Page, len(in))
	for i, p := range in {
		out[i] = p
		out[i].Data = append([]byte(nil), p.Data...)
	}
	return out
}

func cloneBatches(in []Batch) []Batch {
	if in == nil {
		return nil
	}
	out := make([]Batch, len(in))
	for i, b := range in {
		out[i] = b
		out[i].PageIndices = append([]int(nil), b.PageIndices...)
		if b.SubBatches != nil {
			out[i].SubBatches = make([][]int, len(b.SubBatches))
			for j, sub := range b.SubBatches {
				out[i].SubBatches[j] = append([]int(nil), sub...)
			}
		}
	}
	return out
}

func cloneMergedQuestions(in []MergedQuestion) []MergedQuestion {
	if in == nil {
		return nil
	}
	out := make([]MergedQuestion, len(in))
	for i, q := range in {
		out[i] = q
		out[i].PageIndices = append([]int(nil), q.PageIndices...)
	}
	return out
}

func cloneStudentResults(in []StudentResult) []StudentResult {
	if in == nil {
		return nil
	}
	out := make([]StudentResult, len(in))
	for i, r := range in {
		out[i] = r
		out[i].Questions = cloneQuestionResults(r.Questions)
	}
	return out
}
