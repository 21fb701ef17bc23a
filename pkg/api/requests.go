package api

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gradeos/gradeos/pkg/models"
)

const maxListLimit = 100

// PageUpload is one uploaded page image. Data is base64 in JSON.
type PageUpload struct {
	Name string `json:"name,omitempty"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data" binding:"required"`
}

// SubmitRunRequest is the body of POST /api/v1/runs.
type SubmitRunRequest struct {
	Files              []PageUpload            `json:"files" binding:"required"`
	Rubrics            []PageUpload            `json:"rubrics,omitempty"`
	StudentBoundaries  []int                   `json:"student_boundaries,omitempty"`
	ExpectedStudents   int                     `json:"expected_students,omitempty"`
	ExpectedTotalScore float64                 `json:"expected_total_score,omitempty"`
	GradingMode        string                  `json:"grading_mode,omitempty"`
	EnableReview       *bool                   `json:"enable_review,omitempty"`
	StudentMapping     []models.StudentMapping `json:"student_mapping,omitempty"`
}

func (r *SubmitRunRequest) toSubmitRequest() (*models.SubmitRequest, error) {
	switch r.GradingMode {
	case "", string(models.GradingModeAssist), string(models.GradingModeStrict):
	default:
		return nil, fmt.Errorf("invalid grading_mode %q: must be assist or strict", r.GradingMode)
	}

	return &models.SubmitRequest{
		Files:              toRawPages(r.Files),
		Rubrics:            toRawPages(r.Rubrics),
		StudentBoundaries:  r.StudentBoundaries,
		ExpectedStudents:   r.ExpectedStudents,
		ExpectedTotalScore: r.ExpectedTotalScore,
		GradingMode:        models.GradingMode(r.GradingMode),
		EnableReview:       r.EnableReview,
		StudentMapping:     r.StudentMapping,
	}, nil
}

func toRawPages(uploads []PageUpload) []models.RawPage {
	if len(uploads) == 0 {
		return nil
	}
	pages := make([]models.RawPage, len(uploads))
	for i, u := range uploads {
		pages[i] = models.RawPage{Index: i, Name: u.Name, MIME: u.MIME, Data: u.Data}
	}
	return pages
}

// CancelRunRequest is the optional body of POST /api/v1/runs/:id/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func parseRunFilters(c *gin.Context) (models.RunFilters, error) {
	var f models.RunFilters
	if v := c.Query("status"); v != "" {
		switch models.RunStatus(v) {
		case models.RunStatusQueued, models.RunStatusRunning, models.RunStatusPaused,
			models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
			f.Status = models.RunStatus(v)
		default:
			return f, fmt.Errorf("invalid status %q", v)
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			return f, fmt.Errorf("invalid limit %q: must be 1-%d", v, maxListLimit)
		}
		f.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	return f, nil
}
