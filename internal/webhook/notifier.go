package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
)

// Event is the body posted to the caller's webhook.
type Event struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventFor builds the event describing a terminal job.
func EventFor(job *domain.Job) Event {
	ev := Event{JobID: job.ID, Status: job.Status.Public()}
	switch job.Status {
	case domain.JobStatusCompleted:
		ev.Data = job.Result
	case domain.JobStatusFailed:
		ev.Error = job.ErrorMessage
	}
	return ev
}

// Notifier makes a single bounded delivery attempt per event.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	logger  infra.Logger
	metrics *infra.Metrics
}

func NewNotifier(timeout time.Duration, logger infra.Logger, metrics *infra.Metrics) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Notify posts ev to url. An empty url is a no-op. Failures are logged and
// returned for callers that care; they never affect the job.
func (n *Notifier) Notify(ctx context.Context, url string, ev Event) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	err := n.deliver(ctx, url, ev)
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
		n.logger.Warn().Err(err).Str("job_id", ev.JobID).Str("status", ev.Status).Msg("webhook: delivery failed")
	} else {
		n.logger.Info().Str("job_id", ev.JobID).Str("status", ev.Status).Msg("webhook: delivered")
	}
	if n.metrics != nil {
		n.metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
	return err
}

func (n *Notifier) deliver(ctx context.Context, url string, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fitpipe-webhook/1")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
