// Package handlers provides HTTP request handlers for the scanfleet API.
// This file implements the dispatcher service endpoints that turn execution
// requests into cluster jobs.
package handlers

import (
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anstrom/scanfleet/internal/api/middleware"
	"github.com/anstrom/scanfleet/internal/dispatcher"
	"github.com/anstrom/scanfleet/internal/errors"
)

// DispatchHandler serves the dispatcher service API.
type DispatchHandler struct {
	dispatcher dispatcher.Dispatcher
	logger     *slog.Logger
}

// NewDispatchHandler creates a new dispatch handler.
func NewDispatchHandler(d dispatcher.Dispatcher, logger *slog.Logger) *DispatchHandler {
	return &DispatchHandler{
		dispatcher: d,
		logger:     logger.With("handler", "dispatch"),
	}
}

// Execute handles POST /api/scan/execute and POST /scan.
func (h *DispatchHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.Request
	if err := parseJSON(r, &req); err != nil {
		handleServiceError(w, r, err, "parse execute request", h.logger)
		return
	}
	if strings.TrimSpace(req.Tool) == "" || len(req.Targets) == 0 {
		writeError(w, r, http.StatusBadRequest, "tool and targets are required")
		return
	}

	handle, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		if errors.IsCode(err, errors.CodeValidation) {
			handleServiceError(w, r, err, "create job", h.logger)
			return
		}
		h.logger.Error("Failed to create job",
			"request_id", middleware.GetRequestID(r),
			"tool", req.Tool,
			"job_id", req.JobID,
			"error", err)
		writeError(w, r, http.StatusInternalServerError, "Failed to create job: "+rootCause(err))
		return
	}

	writeJSON(w, r, http.StatusCreated, handle)
}

// Health handles GET /health.
func (h *DispatchHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func rootCause(err error) string {
	var jobErr *errors.JobError
	if stderrors.As(err, &jobErr) && jobErr.Cause != nil {
		return jobErr.Cause.Error()
	}
	return err.Error()
}
