// Package api exposes the grading engine over HTTP: run submission and
// lifecycle endpoints plus a WebSocket event stream per run.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gradeos/gradeos/pkg/database"
	"github.com/gradeos/gradeos/pkg/models"
	"github.com/gradeos/gradeos/pkg/orchestrator"
	"github.com/gradeos/gradeos/pkg/version"
)

const healthCheckTimeout = 5 * time.Second

// Server is the HTTP front of the orchestrator. The optional database
// client only feeds the health endpoint; runs work the same without it.
type Server struct {
	orch   *orchestrator.Orchestrator
	db     *database.Client
	logger *slog.Logger
}

// NewServer creates an API server. db may be nil when the engine runs on
// the in-memory checkpointer.
func NewServer(orch *orchestrator.Orchestrator, db *database.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, db: db, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/health", s.healthHandler)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/runs", s.submitRunHandler)
		v1.GET("/runs", s.listRunsHandler)
		v1.GET("/runs/:id", s.getRunHandler)
		v1.POST("/runs/:id/review", s.reviewRunHandler)
		v1.POST("/runs/:id/cancel", s.cancelRunHandler)
		v1.POST("/runs/:id/resume", s.resumeRunHandler)
		v1.GET("/runs/:id/events", s.eventsHandler)
	}
	return r
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"version": version.Full(),
	}
	if s.db == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	body["database"] = dbHealth
	if err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// submitRunHandler handles POST /api/v1/runs.
func (s *Server) submitRunHandler(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	submit, err := req.toSubmitRequest()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	batchID, err := s.orch.Start(c.Request.Context(), submit)
	if err != nil {
		status, msg := mapOrchestratorError(err, s.logger)
		c.JSON(status, errorBody(msg))
		return
	}

	s.logger.Info("Run submitted", "batch_id", batchID, "pages", len(submit.Files))
	c.JSON(http.StatusAccepted, SubmitRunResponse{
		BatchID:    batchID,
		Status:     string(models.RunStatusQueued),
		TotalPages: len(submit.Files),
	})
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	state, err := s.orch.GetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, msg := mapOrchestratorError(err, s.logger)
		c.JSON(status, errorBody(msg))
		return
	}
	c.JSON(http.StatusOK, runStateResponse(state))
}

// listRunsHandler handles GET /api/v1/runs.
func (s *Server) listRunsHandler(c *gin.Context) {
	filters, err := parseRunFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	summaries, err := s.orch.ListActive(c.Request.Context(), filters)
	if err != nil {
		status, msg := mapOrchestratorError(err, s.logger)
		c.JSON(status, errorBody(msg))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": summaries, "count": len(summaries)})
}

// reviewRunHandler handles POST /api/v1/runs/:id/review.
func (s *Server) reviewRunHandler(c *gin.Context) {
	var decision models.ReviewDecision
	if err := c.ShouldBindJSON(&decision); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	batchID := c.Param("id")
	if err := s.orch.SubmitReview(c.Request.Context(), batchID, &decision); err != nil {
		status, msg := mapOrchestratorError(err, s.logger)
		c.JSON(status, errorBody(msg))
		return
	}

	s.logger.Info("Review submitted", "batch_id", batchID, "gate", decision.Gate, "action", decision.Action)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// cancelRunHandler handles POST /api/v1/runs/:id/cancel.
func (s *Server) cancelRunHandler(c *gin.Context) {
	var req CancelRunRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	batchID := c.Param("id")
	if err := s.orch.Abort(c.Request.Context(), batchID, req.Reason); err != nil {
		status, msg := mapOrchestratorError(err, s.logger)
		c.JSON(status, errorBody(msg))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// resumeRunHandler handles POST /api/v1/runs/:id/resume.
func (s *Server) resumeRunHandler(c *gin.Context) {
	batchID := c.Param("id")
	if err := s.orch.Resume(c.Request.Context(), batchID); err != nil {
		status, msg := mapOrchestratorError(err, s.logger)
		c.JSON(status, errorBody(msg))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resuming"})
}
