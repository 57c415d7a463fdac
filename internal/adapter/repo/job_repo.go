package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
	"fitpipe/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new QUEUED job record and fills in its timestamps.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob,
		job.ID,
		string(job.Type),
		[]byte(payload),
		job.WebhookURL,
		job.BusinessID,
		job.CustomerID,
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = domain.JobStatusQueued
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJobByID, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateStatus applies an allowed transition in a single conditional UPDATE.
func (r *JobRepositoryPG) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, result json.RawMessage, errMsg string) (*domain.Job, error) {
	from := make([]string, 0, 2)
	for _, s := range domain.FromStates(status) {
		from = append(from, string(s))
	}
	var resultArg []byte
	if status == domain.JobStatusCompleted && len(result) > 0 {
		resultArg = result
	}
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QUpdateJobStatus, jobID, string(status), resultArg, errMsg, from))
	if err == nil {
		return job, nil
	}
	if !infra.IsNoRows(err) {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	current, getErr := r.GetByID(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	return current, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job     domain.Job
		jobType string
		status  string
		payload []byte
		result  []byte
	)
	if err := row.Scan(
		&job.ID,
		&jobType,
		&status,
		&payload,
		&result,
		&job.ErrorMessage,
		&job.WebhookURL,
		&job.BusinessID,
		&job.CustomerID,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.Payload = nullableBytes(payload)
	job.Result = nullableBytes(result)
	return &job, nil
}

func nullableBytes(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
