package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"fitpipe/internal/infra"
)

// NATSOptions configures the JetStream backend.
type NATSOptions struct {
	URL     string
	Stream  string
	Durable string
	Options
}

// NATSQueue publishes messages to a JetStream work-queue stream and consumes
// them through a durable pull consumer. AckWait acts as the visibility timeout.
type NATSQueue struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	subject string
	opts    Options
	logger  infra.Logger
}

// SubjectFor derives the subject bound to stream.
func SubjectFor(stream string) string {
	return strings.ToLower(stream) + ".jobs"
}

func NewNATSQueue(opts NATSOptions, logger infra.Logger) (*NATSQueue, error) {
	if strings.TrimSpace(opts.Stream) == "" {
		return nil, errors.New("queue: nats stream is required")
	}
	if opts.Durable == "" {
		opts.Durable = "fitpipe-workers"
	}
	base := opts.Options.withDefaults()

	nc, err := nats.Connect(opts.URL,
		nats.Name("fitpipe"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("queue: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("queue: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: jetstream: %w", err)
	}

	subject := SubjectFor(opts.Stream)
	if _, err := js.StreamInfo(opts.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("queue: stream info: %w", err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      opts.Stream,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("queue: add stream: %w", err)
		}
	}

	sub, err := js.PullSubscribe(subject, opts.Durable,
		nats.BindStream(opts.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(base.VisibilityTimeout),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: pull subscribe: %w", err)
	}

	return &NATSQueue{nc: nc, js: js, sub: sub, subject: subject, opts: base, logger: logger}, nil
}

func (q *NATSQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(q.subject, data, nats.Context(ctx), nats.MsgId(msg.JobID)); err != nil {
		return fmt.Errorf("queue: publish %s: %w", msg.JobID, err)
	}
	return nil
}

func (q *NATSQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.nc.IsClosed() {
			return nil, ErrClosed
		}
		fetchCtx, cancel := context.WithTimeout(ctx, q.opts.PollInterval)
		msgs, err := q.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return nil, ErrClosed
			}
			q.logger.Error().Err(err).Msg("queue: nats fetch failed")
			if err := wait(ctx, nil, nil, q.opts.PollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		d, err := q.delivery(msgs[0])
		if err != nil {
			// A message that cannot be decoded would be redelivered forever.
			q.logger.Error().Err(err).Msg("queue: dropping undecodable message")
			_ = msgs[0].Term()
			continue
		}
		return d, nil
	}
}

func (q *NATSQueue) delivery(m *nats.Msg) (*Delivery, error) {
	msg, err := decodeMessage(m.Data)
	if err != nil {
		return nil, err
	}
	attempt := 1
	if meta, err := m.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	return &Delivery{
		Message: msg,
		Attempt: attempt,
		ack: func(context.Context) error {
			if err := m.Ack(); err != nil {
				return fmt.Errorf("queue: ack %s: %w", msg.JobID, err)
			}
			return nil
		},
	}, nil
}

func (q *NATSQueue) Close() error {
	if q.nc == nil || q.nc.IsClosed() {
		return nil
	}
	return q.nc.Drain()
}

var _ Queue = (*NATSQueue)(nil)
