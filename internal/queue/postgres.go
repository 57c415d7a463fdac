package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
	"fitpipe/internal/sqlinline"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel used to wake consumers.
const DefaultNotifyChannel = "job_queue"

// PostgresQueue stores messages in the job_queue table. Consumers claim rows
// with FOR UPDATE SKIP LOCKED and hold them through visible_at.
type PostgresQueue struct {
	sql     infra.SQLExecutor
	opts    Options
	channel string
	logger  infra.Logger

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	listener  *pq.Listener
}

func NewPostgresQueue(sql infra.SQLExecutor, opts Options, logger infra.Logger) *PostgresQueue {
	return &PostgresQueue{
		sql:     sql,
		opts:    opts.withDefaults(),
		channel: DefaultNotifyChannel,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Listen subscribes to enqueue notifications so idle consumers wake without
// waiting for the poll interval. Polling still runs if the listener is down.
func (q *PostgresQueue) Listen(dsn string) error {
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			q.logger.Warn().Err(err).Int("event", int(ev)).Msg("queue: postgres listener event")
		}
	})
	if err := listener.Listen(q.channel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("queue: listen %s: %w", q.channel, err)
	}
	q.listener = listener
	go q.forwardNotifications(listener)
	return nil
}

func (q *PostgresQueue) forwardNotifications(listener *pq.Listener) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-q.done:
			return
		case _, ok := <-listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; wake anyway in case
			// something was enqueued while disconnected.
			signal(q.wake)
		case <-ping.C:
			go func() { _ = listener.Ping() }()
		}
	}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if _, err := q.sql.Exec(ctx, sqlinline.QQueueEnqueue, msg.JobID, string(msg.JobType), payload, q.channel); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", msg.JobID, err)
	}
	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-q.done:
			return nil, ErrClosed
		default:
		}
		d, err := q.claim(ctx)
		if err == nil {
			return d, nil
		}
		if !infra.IsNoRows(err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Error().Err(err).Msg("queue: claim failed")
		}
		if err := wait(ctx, q.done, q.wake, q.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context) (*Delivery, error) {
	var (
		id, receipt, jobID, jobType string
		payload                     []byte
		attempts                    int
	)
	row := q.sql.QueryRow(ctx, sqlinline.QQueueClaim, q.opts.VisibilityTimeout.Milliseconds())
	if err := row.Scan(&id, &receipt, &jobID, &jobType, &payload, &attempts); err != nil {
		return nil, err
	}
	return &Delivery{
		Message: Message{
			JobID:   jobID,
			JobType: domain.JobType(jobType),
			Payload: append(json.RawMessage(nil), payload...),
		},
		Attempt: attempts,
		ack: func(ctx context.Context) error {
			if _, err := q.sql.Exec(ctx, sqlinline.QQueueAck, id, receipt); err != nil {
				return fmt.Errorf("queue: ack %s: %w", jobID, err)
			}
			return nil
		},
	}, nil
}

func (q *PostgresQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		if q.listener != nil {
			err = q.listener.Close()
		}
	})
	return err
}

var _ Queue = (*PostgresQueue)(nil)
