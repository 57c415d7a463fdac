// Package queue delivers job descriptors to workers with at-least-once
// semantics. A delivery stays invisible to other consumers until it is acked
// or its visibility timeout expires.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fitpipe/internal/domain"
)

// ErrClosed is returned by Dequeue and Enqueue once the queue is closed.
var ErrClosed = errors.New("queue: closed")

// Message is the descriptor carried through the queue.
type Message struct {
	JobID   string          `json:"job_id"`
	JobType domain.JobType  `json:"job_type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (m Message) validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return errors.New("queue: job id is required")
	}
	return nil
}

// Delivery is a leased message. Ack removes it from the queue; a delivery that
// is never acked becomes visible again after the visibility timeout.
type Delivery struct {
	Message
	Attempt int
	ack     func(ctx context.Context) error
}

// Ack acknowledges the delivery. Acking a lease that already expired and was
// handed to another consumer is a no-op.
func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Queue is implemented by every backend.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// Options are shared by all backends.
type Options struct {
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	return o
}

func encodeMessage(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("queue: encode message: %w", err)
	}
	return b, nil
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("queue: decode message: %w", err)
	}
	return msg, nil
}

// wait sleeps for d, returning early when wake fires or ctx is done. It
// returns ErrClosed once done is closed; nil channels never fire.
func wait(ctx context.Context, done, wake <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrClosed
	case <-wake:
	case <-timer.C:
	}
	return nil
}

// signal performs a non-blocking send on a buffered wake channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
