// Package controller implements the job controller: it accepts scan
// submissions, records job state, hands jobs to a dispatcher and ingests the
// results workers report back.
package controller

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/anstrom/scanfleet/internal/catalog"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/dispatcher"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/metrics"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/anstrom/scanfleet/internal/controller Store

// Pagination bounds.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const defaultDispatchTimeout = 30 * time.Second

// statusWriteTimeout bounds the post-dispatch status update. The update runs
// detached from the request so a job that was dispatched is still recorded
// after the caller goes away.
const statusWriteTimeout = 10 * time.Second

// Store is the persistence the controller needs.
type Store interface {
	CreateJob(ctx context.Context, job *db.ScanJob) error
	MarkJobRunning(ctx context.Context, jobID, handle string) error
	MarkJobFailed(ctx context.Context, jobID, message string) error
	GetJob(ctx context.Context, jobID string) (*db.ScanJob, error)
	ListJobs(ctx context.Context, skip, limit int) ([]*db.ScanJob, error)
	InsertResult(ctx context.Context, result *db.ScanResult) error
	ListResults(ctx context.Context, skip, limit int) ([]*db.ScanResult, error)
	Ping(ctx context.Context) error
}

var _ Store = (*db.Store)(nil)

// SubmitRequest asks for one tool to be run against targets.
type SubmitRequest struct {
	Tool    string                 `json:"tool" validate:"required"`
	Targets []string               `json:"targets" validate:"required,min=1"`
	Options map[string]interface{} `json:"options"`
}

// Submission is returned for an accepted scan.
type Submission struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	DispatcherHandle string `json:"dispatcher_handle"`
}

// ResultInput is one result reported by a worker.
type ResultInput struct {
	Target       string                 `json:"target" validate:"required"`
	ResolvedIPs  []string               `json:"resolved_ips"`
	OpenPorts    []int64                `json:"open_ports"`
	ScanMetadata map[string]interface{} `json:"scan_metadata"`
}

// Health summarizes controller readiness.
type Health struct {
	Status      string `json:"status"`
	ToolsLoaded int    `json:"tools_loaded"`
	Database    string `json:"database"`
}

// IDFunc produces a job id for a tool.
type IDFunc func(tool string) string

// DefaultIDFunc returns ids of the form <tool>-<6 hex chars>.
func DefaultIDFunc(tool string) string {
	return fmt.Sprintf("%s-%s", tool, strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

// Config holds controller settings.
type Config struct {
	CallbackURL     string
	DispatchTimeout time.Duration
	DispatchMode    string
}

// Service is the job controller.
type Service struct {
	store      Store
	dispatcher dispatcher.Dispatcher
	catalog    *catalog.Catalog
	cfg        Config
	newID      IDFunc
	validate   *validator.Validate
	logger     *slog.Logger
	metrics    metrics.Recorder
}

// NewService creates a controller. logger and registry may be nil.
func NewService(store Store, d dispatcher.Dispatcher, tools *catalog.Catalog, cfg Config,
	logger *slog.Logger, registry metrics.Recorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.DispatchMode == "" {
		cfg.DispatchMode = "cluster"
	}
	if registry != nil {
		registry.Gauge(metrics.MetricToolsLoaded, float64(tools.Len()), nil)
	}
	return &Service{
		store:      store,
		dispatcher: d,
		catalog:    tools,
		cfg:        cfg,
		newID:      DefaultIDFunc,
		validate:   validator.New(),
		logger:     logger.With("component", "controller"),
		metrics:    registry,
	}
}

// SetIDFunc overrides job id generation.
func (s *Service) SetIDFunc(fn IDFunc) {
	s.newID = fn
}

// SubmitScan creates a job and dispatches it synchronously. The job is
// persisted before dispatch and always ends in running or failed.
func (s *Service) SubmitScan(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if req.Tool != "" && !s.catalog.Has(req.Tool) {
		s.countSubmission(req.Tool, "tool_not_found")
		return nil, errors.ErrToolNotFound(req.Tool)
	}
	req.Targets = cleanTargets(req.Targets)
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.ErrValidation(validationMessage(err))
	}

	options, err := db.NewJSONB(req.Options)
	if err != nil {
		return nil, errors.ErrValidation(err.Error())
	}

	jobID := s.newID(req.Tool)
	job := &db.ScanJob{
		JobID:   jobID,
		Tool:    req.Tool,
		Targets: req.Targets,
		Options: options,
		Status:  db.ScanJobStatusSubmitted,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.logger.Error("Failed to persist scan job", "job_id", jobID, "error", err)
		return nil, err
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	timer := metrics.NewTimer(s.metrics, metrics.MetricDispatchDuration,
		metrics.Labels{metrics.LabelMode: s.cfg.DispatchMode})
	handle, dispatchErr := s.dispatcher.Dispatch(dispatchCtx, dispatcher.Request{
		Tool:        req.Tool,
		Targets:     req.Targets,
		Options:     req.Options,
		JobID:       jobID,
		CallbackURL: s.cfg.CallbackURL,
	})
	elapsed := timer.Stop()

	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancelWrite()

	if dispatchErr != nil {
		message := rootMessage(dispatchErr)
		s.countSubmission(req.Tool, db.ScanJobStatusFailed)
		s.logger.Error("Dispatch failed", "job_id", jobID, "tool", req.Tool,
			"duration", elapsed, "error", dispatchErr)

		if err := s.store.MarkJobFailed(writeCtx, jobID, message); err != nil {
			s.logger.Error("Failed to record dispatch failure", "job_id", jobID, "error", err)
		}
		return nil, errors.ErrDispatch(jobID, stderrors.New(message))
	}

	if err := s.store.MarkJobRunning(writeCtx, jobID, handle.JobName); err != nil {
		s.logger.Error("Failed to record dispatch", "job_id", jobID,
			"dispatcher_handle", handle.JobName, "error", err)
		return nil, fmt.Errorf("job %s dispatched as %s but status update failed: %w", jobID, handle.JobName, err)
	}

	s.countSubmission(req.Tool, db.ScanJobStatusRunning)
	s.logger.Info("Scan job dispatched", "job_id", jobID, "tool", req.Tool,
		"dispatcher_handle", handle.JobName, "targets", len(req.Targets), "duration", elapsed)

	return &Submission{
		JobID:            jobID,
		Status:           db.ScanJobStatusSubmitted,
		DispatcherHandle: handle.JobName,
	}, nil
}

// GetJob returns one job or a not-found error.
func (s *Service) GetJob(ctx context.Context, jobID string) (*db.ScanJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ErrJobNotFound(jobID)
		}
		return nil, err
	}
	return job, nil
}

// ListJobs returns a page of jobs in insertion order.
func (s *Service) ListJobs(ctx context.Context, skip, limit int) ([]*db.ScanJob, error) {
	skip, limit, err := NormalizePage(skip, limit)
	if err != nil {
		return nil, err
	}
	return s.store.ListJobs(ctx, skip, limit)
}

// RecordResult appends a worker result. Duplicates are stored independently
// and job status is not touched.
func (s *Service) RecordResult(ctx context.Context, in ResultInput) (*db.ScanResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, errors.ErrValidation(validationMessage(err))
	}

	meta, err := db.NewJSONB(in.ScanMetadata)
	if err != nil {
		return nil, errors.ErrValidation(err.Error())
	}

	result := &db.ScanResult{
		Target:       in.Target,
		ResolvedIPs:  in.ResolvedIPs,
		OpenPorts:    in.OpenPorts,
		ScanMetadata: meta,
	}
	if err := s.store.InsertResult(ctx, result); err != nil {
		s.logger.Error("Failed to store scan result", "target", in.Target, "error", err)
		return nil, err
	}

	tool, _ := in.ScanMetadata["tool"].(string)
	if s.metrics != nil {
		s.metrics.Counter(metrics.MetricResultsReceived, metrics.Labels{metrics.LabelTool: tool})
	}
	jobID, _ := in.ScanMetadata["job_id"].(string)
	s.logger.Debug("Scan result stored", "target", in.Target, "job_id", jobID, "tool", tool)
	return result, nil
}

// ListResults returns a page of results in insertion order.
func (s *Service) ListResults(ctx context.Context, skip, limit int) ([]*db.ScanResult, error) {
	skip, limit, err := NormalizePage(skip, limit)
	if err != nil {
		return nil, err
	}
	return s.store.ListResults(ctx, skip, limit)
}

// Tools returns the catalog snapshot.
func (s *Service) Tools() []catalog.Tool {
	return s.catalog.Tools()
}

// Health pings the store.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Status: "ok", ToolsLoaded: s.catalog.Len(), Database: "ok"}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Store ping failed", "error", err)
		h.Status = "degraded"
		h.Database = "unavailable"
	}
	return h
}

// NormalizePage validates skip and limit. Limits above MaxLimit are capped.
func NormalizePage(skip, limit int) (normSkip, normLimit int, err error) {
	if skip < 0 {
		return 0, 0, errors.ErrValidation("skip must be greater than or equal to 0")
	}
	if limit < 1 {
		return 0, 0, errors.ErrValidation("limit must be greater than or equal to 1")
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return skip, limit, nil
}

func (s *Service) countSubmission(tool, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Counter(metrics.MetricJobsSubmitted, metrics.Labels{
		metrics.LabelTool:   tool,
		metrics.LabelStatus: status,
	})
}

func cleanTargets(targets []string) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// rootMessage strips the dispatcher's own error framing so the stored
// message names the underlying failure.
func rootMessage(err error) string {
	var jobErr *errors.JobError
	if stderrors.As(err, &jobErr) && jobErr.Cause != nil {
		return jobErr.Cause.Error()
	}
	return err.Error()
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "min":
			parts = append(parts, fmt.Sprintf("%s must contain at least %s non-blank item", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
