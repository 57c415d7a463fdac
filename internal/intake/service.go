// Package intake accepts job requests, persists the initial record and hands
// the job to the queue.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"fitpipe/internal/domain"
	"fitpipe/internal/domain/jsoncfg"
	"fitpipe/internal/infra"
	"fitpipe/internal/queue"
)

// EnqueueFailedMessage is recorded on jobs that could not be queued.
const EnqueueFailedMessage = "enqueue failed"

// Request is a validated-at-the-edge job submission.
type Request struct {
	JobType    domain.JobType
	Payload    json.RawMessage
	WebhookURL string
	Principal  domain.Principal
}

// Accepted acknowledges a queued job.
type Accepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// StatusView is the caller-visible projection of a job record.
type StatusView struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Service struct {
	jobs    domain.JobRepository
	queue   queue.Queue
	logger  infra.Logger
	metrics *infra.Metrics
	newID   func() string
}

func NewService(jobs domain.JobRepository, q queue.Queue, logger infra.Logger, metrics *infra.Metrics) *Service {
	if metrics == nil {
		metrics = infra.NopMetrics()
	}
	return &Service{jobs: jobs, queue: q, logger: logger, metrics: metrics, newID: uuid.NewString}
}

// Submit validates req, creates the QUEUED record and enqueues it. Validation
// failures wrap domain.ErrValidation and nothing is persisted.
func (s *Service) Submit(ctx context.Context, req Request) (*Accepted, error) {
	if strings.TrimSpace(req.Principal.BusinessID) == "" {
		return nil, fmt.Errorf("%w: business id is required", domain.ErrValidation)
	}
	payload, err := jsoncfg.Decode(req.JobType, req.Payload)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedJobType) {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		return nil, err
	}
	webhookURL := strings.TrimSpace(req.WebhookURL)
	if err := validateWebhookURL(webhookURL); err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	job := &domain.Job{
		ID:         s.newID(),
		Type:       req.JobType,
		Status:     domain.JobStatusQueued,
		Payload:    snapshot,
		WebhookURL: webhookURL,
		BusinessID: strings.TrimSpace(req.Principal.BusinessID),
		CustomerID: strings.TrimSpace(req.Principal.CustomerID),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	msg := queue.Message{JobID: job.ID, JobType: job.Type, Payload: snapshot}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("intake: enqueue failed")
		if _, uerr := s.jobs.UpdateStatus(context.WithoutCancel(ctx), job.ID, domain.JobStatusFailed, nil, EnqueueFailedMessage); uerr != nil {
			s.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("intake: mark enqueue failure")
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.metrics.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()
	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("business_id", job.BusinessID).
		Msg("intake: job queued")
	return &Accepted{JobID: job.ID, Status: domain.JobStatusQueued.Public()}, nil
}

// Status returns the projection of jobID or domain.ErrNotFound.
func (s *Service) Status(ctx context.Context, jobID string) (*StatusView, error) {
	if _, err := uuid.Parse(strings.TrimSpace(jobID)); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{JobID: job.ID, Status: job.Status.Public()}
	switch job.Status {
	case domain.JobStatusCompleted:
		view.Result = job.Result
	case domain.JobStatusFailed:
		view.Error = job.ErrorMessage
	}
	return view, nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook_url must be an absolute http(s) url", domain.ErrValidation)
	}
	return nil
}
