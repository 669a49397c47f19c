// Package handlers provides HTTP request handlers for the scanfleet API.
// This file implements the job controller endpoints: scan submission, job
// queries, tool listing and result ingestion.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/scanfleet/internal/api/middleware"
	"github.com/anstrom/scanfleet/internal/catalog"
	"github.com/anstrom/scanfleet/internal/controller"
	"github.com/anstrom/scanfleet/internal/db"
)

// ScanHandler serves the controller API.
type ScanHandler struct {
	service *controller.Service
	logger  *slog.Logger
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(service *controller.Service, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{
		service: service,
		logger:  logger.With("handler", "scan"),
	}
}

// ToolsResponse lists the catalog.
type ToolsResponse struct {
	Tools []catalog.Tool `json:"tools"`
}

// ToolScanRequest is the body of POST /api/scan/{tool}.
type ToolScanRequest struct {
	Targets []string               `json:"targets"`
	Options map[string]interface{} `json:"options"`
}

// ScanJobResponse is the wire form of a job record.
type ScanJobResponse struct {
	JobID            string                 `json:"job_id"`
	Tool             string                 `json:"tool"`
	Targets          []string               `json:"targets"`
	Options          map[string]interface{} `json:"options"`
	Status           string                 `json:"status"`
	DispatcherHandle *string                `json:"dispatcher_handle"`
	ErrorMessage     *string                `json:"error_message"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// ScanResultResponse is the wire form of a stored result.
type ScanResultResponse struct {
	ID           int64                  `json:"id"`
	Target       string                 `json:"target"`
	ResolvedIPs  []string               `json:"resolved_ips"`
	OpenPorts    []int64                `json:"open_ports"`
	ScanMetadata map[string]interface{} `json:"scan_metadata"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ListTools handles GET /api/tools.
func (h *ScanHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, ToolsResponse{Tools: h.service.Tools()})
}

// SubmitScan handles POST /api/scan.
func (h *ScanHandler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	var req controller.SubmitRequest
	if err := parseJSON(r, &req); err != nil {
		handleServiceError(w, r, err, "parse scan request", h.logger)
		return
	}
	h.submit(w, r, req)
}

// SubmitToolScan handles POST /api/scan/{tool}.
func (h *ScanHandler) SubmitToolScan(w http.ResponseWriter, r *http.Request) {
	var body ToolScanRequest
	if err := parseJSON(r, &body); err != nil {
		handleServiceError(w, r, err, "parse scan request", h.logger)
		return
	}
	h.submit(w, r, controller.SubmitRequest{
		Tool:    mux.Vars(r)["tool"],
		Targets: body.Targets,
		Options: body.Options,
	})
}

func (h *ScanHandler) submit(w http.ResponseWriter, r *http.Request, req controller.SubmitRequest) {
	h.logger.Info("Scan requested",
		"request_id", middleware.GetRequestID(r),
		"tool", req.Tool,
		"targets", len(req.Targets))

	sub, err := h.service.SubmitScan(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err, "submit scan", h.logger)
		return
	}
	writeJSON(w, r, http.StatusCreated, sub)
}

// ListJobs handles GET /api/scan_jobs.
func (h *ScanHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	params, err := getPaginationParams(r)
	if err != nil {
		handleServiceError(w, r, err, "list scan jobs", h.logger)
		return
	}

	jobs, err := h.service.ListJobs(r.Context(), params.Skip, params.Limit)
	if err != nil {
		handleServiceError(w, r, err, "list scan jobs", h.logger)
		return
	}

	out := make([]ScanJobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	writeJSON(w, r, http.StatusOK, out)
}

// GetJob handles GET /api/scan_jobs/{job_id}.
func (h *ScanHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.GetJob(r.Context(), mux.Vars(r)["job_id"])
	if err != nil {
		handleServiceError(w, r, err, "get scan job", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, toJobResponse(job))
}

// RecordResult handles POST /api/scan_results.
func (h *ScanHandler) RecordResult(w http.ResponseWriter, r *http.Request) {
	var in controller.ResultInput
	if err := parseJSON(r, &in); err != nil {
		handleServiceError(w, r, err, "parse scan result", h.logger)
		return
	}

	if _, err := h.service.RecordResult(r.Context(), in); err != nil {
		handleServiceError(w, r, err, "store scan result", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListResults handles GET /api/scan_results.
func (h *ScanHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	params, err := getPaginationParams(r)
	if err != nil {
		handleServiceError(w, r, err, "list scan results", h.logger)
		return
	}

	results, err := h.service.ListResults(r.Context(), params.Skip, params.Limit)
	if err != nil {
		handleServiceError(w, r, err, "list scan results", h.logger)
		return
	}

	out := make([]ScanResultResponse, 0, len(results))
	for _, res := range results {
		out = append(out, toResultResponse(res))
	}
	writeJSON(w, r, http.StatusOK, out)
}

func toJobResponse(job *db.ScanJob) ScanJobResponse {
	options, _ := job.Options.Map()
	if options == nil {
		options = map[string]interface{}{}
	}
	targets := []string(job.Targets)
	if targets == nil {
		targets = []string{}
	}
	return ScanJobResponse{
		JobID:            job.JobID,
		Tool:             job.Tool,
		Targets:          targets,
		Options:          options,
		Status:           job.Status,
		DispatcherHandle: job.DispatcherHandle,
		ErrorMessage:     job.ErrorMessage,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}

func toResultResponse(res *db.ScanResult) ScanResultResponse {
	meta, _ := res.ScanMetadata.Map()
	if meta == nil {
		meta = map[string]interface{}{}
	}
	ips := []string(res.ResolvedIPs)
	if ips == nil {
		ips = []string{}
	}
	ports := []int64(res.OpenPorts)
	if ports == nil {
		ports = []int64{}
	}
	return ScanResultResponse{
		ID:           res.ID,
		Target:       res.Target,
		ResolvedIPs:  ips,
		OpenPorts:    ports,
		ScanMetadata: meta,
		CreatedAt:    res.CreatedAt,
	}
}
