// Package worker runs the pool that pulls jobs off the queue and drives them
// to a terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"fitpipe/internal/billing"
	"fitpipe/internal/domain"
	"fitpipe/internal/domain/jsoncfg"
	"fitpipe/internal/infra"
	"fitpipe/internal/queue"
	"fitpipe/internal/webhook"
)

// Notifier delivers terminal job events.
type Notifier interface {
	Notify(ctx context.Context, url string, ev webhook.Event) error
}

// Options tunes the pool.
type Options struct {
	Concurrency int
	// JobTimeout bounds the inference call of one job.
	JobTimeout time.Duration
	// VisibilityTimeout, when set, must outlast JobTimeout plus
	// WebhookTimeout so a lease cannot expire mid-job.
	WebhookTimeout    time.Duration
	VisibilityTimeout time.Duration
	// RetryDelay is the pause after a failed dequeue.
	RetryDelay time.Duration
	Logger     infra.Logger
	Metrics    *infra.Metrics
}

// Dispatcher pulls deliveries and runs the matching handler.
type Dispatcher struct {
	queue    queue.Queue
	jobs     domain.JobRepository
	guard    *billing.Guard
	notifier Notifier
	handlers map[domain.JobType]Handler
	opts     Options
	logger   infra.Logger
	now      func() time.Time
}

func NewDispatcher(q queue.Queue, jobs domain.JobRepository, guard *billing.Guard, notifier Notifier, handlers map[domain.JobType]Handler, opts Options) (*Dispatcher, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.VisibilityTimeout > 0 {
		if err := infra.CheckLease(opts.VisibilityTimeout, opts.JobTimeout, opts.WebhookTimeout); err != nil {
			return nil, err
		}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.NopMetrics()
	}
	return &Dispatcher{
		queue:    q,
		jobs:     jobs,
		guard:    guard,
		notifier: notifier,
		handlers: handlers,
		opts:     opts,
		logger:   opts.Logger,
		now:      time.Now,
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed. Jobs already picked up are finished before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("concurrency", d.opts.Concurrency).Msg("worker: started")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return d.loop(gctx, id)
		})
	}
	err := g.Wait()
	d.logger.Info().Msg("worker: stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, id int) error {
	for {
		del, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			d.logger.Error().Err(err).Int("worker", id).Msg("worker: dequeue failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.opts.RetryDelay):
			}
			continue
		}
		// In-flight jobs are not cancelled by shutdown; the job timeout
		// still applies.
		d.Process(context.WithoutCancel(ctx), del)
	}
}

// Process drives one delivery to completion. It never panics and never
// returns an error: failures end up in the job record.
func (d *Dispatcher) Process(ctx context.Context, del *queue.Delivery) {
	log := d.logger.With().Str("job_id", del.JobID).Str("job_type", string(del.JobType)).Int("attempt", del.Attempt).Logger()

	job, err := d.jobs.GetByID(ctx, del.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Records are created before enqueue, so this is a bug upstream.
			log.Error().Err(err).Msg("worker: delivery without job record, dropping")
			d.ack(ctx, del, log)
			return
		}
		log.Error().Err(err).Msg("worker: load job failed, leaving for redelivery")
		return
	}
	if job.Status.Terminal() {
		log.Info().Str("status", string(job.Status)).Msg("worker: job already finished, skipping")
		d.ack(ctx, del, log)
		return
	}

	if _, err := d.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusRunning, nil, ""); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Info().Msg("worker: job finished concurrently, skipping")
			d.ack(ctx, del, log)
			return
		}
		log.Error().Err(err).Msg("worker: mark running failed, leaving for redelivery")
		return
	}
	log.Info().Msg("worker: picked job")

	started := d.now()
	result, execErr := d.execute(ctx, job)

	status := domain.JobStatusCompleted
	errMsg := ""
	if execErr != nil {
		status = domain.JobStatusFailed
		errMsg = execErr.Error()
		result = nil
		log.Warn().Err(execErr).Msg("worker: job failed")
	}
	final, err := d.jobs.UpdateStatus(ctx, job.ID, status, result, errMsg)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Warn().Msg("worker: job finished by another attempt")
			d.ack(ctx, del, log)
			return
		}
		log.Error().Err(err).Str("status", string(status)).Msg("worker: update status failed")
		return
	}

	d.opts.Metrics.JobsFinished.WithLabelValues(string(job.Type), final.Status.Public()).Inc()
	d.opts.Metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(d.now().Sub(started).Seconds())
	log.Info().Str("status", string(final.Status)).Dur("elapsed", d.now().Sub(started)).Msg("worker: job finished")

	if d.notifier != nil {
		_ = d.notifier.Notify(ctx, final.WebhookURL, webhook.EventFor(final))
	}
	d.ack(ctx, del, log)
}

// execute resolves the handler and runs it behind the billing guard. Tokens
// are debited only after the handler produced a usable result.
func (d *Dispatcher) execute(ctx context.Context, job *domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("job_id", job.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker: handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, ok := d.handlers[job.Type]
	if !ok {
		return nil, fmt.Errorf("%w %q", domain.ErrUnsupportedJobType, job.Type)
	}
	payload, err := jsoncfg.Decode(job.Type, job.Payload)
	if err != nil {
		return nil, err
	}

	hold, err := d.guard.Check(ctx, job.Principal(), domain.OperationFor(job.Type))
	if err != nil {
		return nil, err
	}
	// No-op once committed.
	defer func() {
		if rerr := hold.Release(ctx); rerr != nil {
			d.logger.Error().Err(rerr).Str("job_id", job.ID).Msg("worker: release hold failed")
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.opts.JobTimeout)
	out, err := h.Run(callCtx, payload)
	cancel()
	if err != nil {
		return nil, err
	}
	value, err := h.Normalize(out)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if _, err := hold.Commit(ctx, job.ID); err != nil {
		return nil, err
	}
	return raw, nil
}

func (d *Dispatcher) ack(ctx context.Context, del *queue.Delivery, log infra.Logger) {
	if err := del.Ack(ctx); err != nil {
		log.Error().Err(err).Msg("worker: ack failed")
	}
}
