package db

import (
	"context"

	"github.com/anstrom/scanfleet/internal/errors"
)

const scanJobColumns = `id, job_id, tool, targets, options, status, dispatcher_handle, error_message, created_at, updated_at`

const scanResultColumns = `id, target, resolved_ips, open_ports, scan_metadata, created_at`

// ScanJobRepository handles scan job operations.
type ScanJobRepository struct {
	db *DB
}

// NewScanJobRepository creates a new scan job repository.
func NewScanJobRepository(db *DB) *ScanJobRepository {
	return &ScanJobRepository{db: db}
}

// Create inserts a new job. The store assigns id and timestamps.
func (r *ScanJobRepository) Create(ctx context.Context, job *ScanJob) error {
	query := `
		INSERT INTO scan_jobs (job_id, tool, targets, options, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	if job.Status == "" {
		job.Status = ScanJobStatusSubmitted
	}
	if job.Options == nil {
		job.Options = JSONB("{}")
	}
	if job.Targets == nil {
		job.Targets = []string{}
	}

	row := r.db.QueryRowxContext(ctx, query, job.JobID, job.Tool, job.Targets, job.Options, job.Status)
	if err := row.Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return sanitizeDBError("create scan job", err)
	}
	return nil
}

// MarkRunning moves a submitted job to running and records its dispatcher handle.
func (r *ScanJobRepository) MarkRunning(ctx context.Context, jobID, handle string) error {
	query := `
		UPDATE scan_jobs
		SET status = $1, dispatcher_handle = $2, updated_at = NOW()
		WHERE job_id = $3 AND status = $4`

	return r.transition(ctx, "mark scan job running", query,
		ScanJobStatusRunning, handle, jobID, ScanJobStatusSubmitted)
}

// MarkFailed moves a submitted job to failed and records the error message.
func (r *ScanJobRepository) MarkFailed(ctx context.Context, jobID, message string) error {
	query := `
		UPDATE scan_jobs
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE job_id = $3 AND status = $4`

	return r.transition(ctx, "mark scan job failed", query,
		ScanJobStatusFailed, message, jobID, ScanJobStatusSubmitted)
}

// transition runs a conditional status update. Zero affected rows means the
// job either does not exist or already left the submitted state.
func (r *ScanJobRepository) transition(ctx context.Context, operation, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return sanitizeDBError(operation, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return sanitizeDBError(operation, err)
	}
	if affected == 0 {
		dbErr := errors.NewDatabaseError(errors.CodeConflict, "Scan job is not in submitted state")
		dbErr.Operation = operation
		return dbErr
	}
	return nil
}

// GetByJobID retrieves a scan job by its public id.
func (r *ScanJobRepository) GetByJobID(ctx context.Context, jobID string) (*ScanJob, error) {
	var job ScanJob
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs WHERE job_id = $1`

	if err := r.db.GetContext(ctx, &job, query, jobID); err != nil {
		return nil, sanitizeDBError("get scan job", err)
	}
	return &job, nil
}

// List returns jobs in insertion order.
func (r *ScanJobRepository) List(ctx context.Context, skip, limit int) ([]*ScanJob, error) {
	jobs := []*ScanJob{}
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs ORDER BY id LIMIT $1 OFFSET $2`

	if err := r.db.SelectContext(ctx, &jobs, query, limit, skip); err != nil {
		return nil, sanitizeDBError("list scan jobs", err)
	}
	return jobs, nil
}

// ScanResultRepository handles the append-only result stream.
type ScanResultRepository struct {
	db *DB
}

// NewScanResultRepository creates a new scan result repository.
func NewScanResultRepository(db *DB) *ScanResultRepository {
	return &ScanResultRepository{db: db}
}

// Insert appends a result. Duplicates are stored independently.
func (r *ScanResultRepository) Insert(ctx context.Context, result *ScanResult) error {
	query := `
		INSERT INTO scan_results (target, resolved_ips, open_ports, scan_metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	if result.ResolvedIPs == nil {
		result.ResolvedIPs = []string{}
	}
	if result.OpenPorts == nil {
		result.OpenPorts = []int64{}
	}
	if result.ScanMetadata == nil {
		result.ScanMetadata = JSONB("{}")
	}

	row := r.db.QueryRowxContext(ctx, query,
		result.Target, result.ResolvedIPs, result.OpenPorts, result.ScanMetadata)
	if err := row.Scan(&result.ID, &result.CreatedAt); err != nil {
		return sanitizeDBError("insert scan result", err)
	}
	return nil
}

// List returns results in insertion order.
func (r *ScanResultRepository) List(ctx context.Context, skip, limit int) ([]*ScanResult, error) {
	results := []*ScanResult{}
	query := `SELECT ` + scanResultColumns + ` FROM scan_results ORDER BY id LIMIT $1 OFFSET $2`

	if err := r.db.SelectContext(ctx, &results, query, limit, skip); err != nil {
		return nil, sanitizeDBError("list scan results", err)
	}
	return results, nil
}

// Store groups the repositories behind the operations the controller needs.
type Store struct {
	db      *DB
	jobs    *ScanJobRepository
	results *ScanResultRepository
}

// NewStore creates a Store over an open connection.
func NewStore(db *DB) *Store {
	return &Store{
		db:      db,
		jobs:    NewScanJobRepository(db),
		results: NewScanResultRepository(db),
	}
}

// CreateJob persists a new submitted job.
func (s *Store) CreateJob(ctx context.Context, job *ScanJob) error {
	return s.jobs.Create(ctx, job)
}

// MarkJobRunning records a successful dispatch.
func (s *Store) MarkJobRunning(ctx context.Context, jobID, handle string) error {
	return s.jobs.MarkRunning(ctx, jobID, handle)
}

// MarkJobFailed records a failed dispatch.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, message string) error {
	return s.jobs.MarkFailed(ctx, jobID, message)
}

// GetJob retrieves one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*ScanJob, error) {
	return s.jobs.GetByJobID(ctx, jobID)
}

// ListJobs returns a page of jobs.
func (s *Store) ListJobs(ctx context.Context, skip, limit int) ([]*ScanJob, error) {
	return s.jobs.List(ctx, skip, limit)
}

// InsertResult appends one result.
func (s *Store) InsertResult(ctx context.Context, result *ScanResult) error {
	return s.results.Insert(ctx, result)
}

// ListResults returns a page of results.
func (s *Store) ListResults(ctx context.Context, skip, limit int) ([]*ScanResult, error) {
	return s.results.List(ctx, skip, limit)
}

// Ping checks store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
