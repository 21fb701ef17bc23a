package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gradeos/gradeos/pkg/orchestrator"
)

// mapOrchestratorError maps orchestrator errors to HTTP status and message.
func mapOrchestratorError(err error, logger *slog.Logger) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound):
		return http.StatusNotFound, "run not found"
	case errors.Is(err, orchestrator.ErrNoInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrInvalidReview):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrRunNotPaused):
		return http.StatusConflict, "run is not paused for review"
	case errors.Is(err, orchestrator.ErrRunPaused):
		return http.StatusConflict, err.Error()
	case errors.Is(err, orchestrator.ErrRunActive):
		return http.StatusConflict, "run is already executing"
	case errors.Is(err, orchestrator.ErrRunTerminal):
		return http.StatusConflict, "run already finished"
	case errors.Is(err, orchestrator.ErrGateMismatch):
		return http.StatusConflict, err.Error()
	}

	logger.Error("Unexpected orchestrator error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}
