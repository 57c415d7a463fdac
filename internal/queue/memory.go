package queue

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	msg      Message
	attempt  int
	token    uint64
	deadline time.Time
}

type memoryItem struct {
	msg     Message
	attempt int
}

// MemoryQueue is an in-process queue used in development and tests.
type MemoryQueue struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	pending []memoryItem
	leases  map[uint64]*memoryLease
	nextTok uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:   opts.withDefaults(),
		now:    time.Now,
		leases: make(map[uint64]*memoryLease),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, memoryItem{msg: msg})
	q.mu.Unlock()
	signal(q.wake)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, next, err := q.tryClaim()
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-q.done:
			return nil, ErrClosed
		default:
		}
		if err := wait(ctx, q.done, q.wake, next); err != nil {
			return nil, err
		}
	}
}

// tryClaim returns the next visible message or how long to wait before a
// lease could expire.
func (q *MemoryQueue) tryClaim() (*Delivery, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, 0, ErrClosed
	}
	now := q.now()
	q.requeueExpiredLocked(now)

	if len(q.pending) == 0 {
		next := q.opts.PollInterval
		for _, l := range q.leases {
			if until := l.deadline.Sub(now); until < next {
				next = until
			}
		}
		if next <= 0 {
			next = time.Millisecond
		}
		return nil, next, nil
	}

	item := q.pending[0]
	q.pending = q.pending[1:]
	q.nextTok++
	lease := &memoryLease{
		msg:      item.msg,
		attempt:  item.attempt + 1,
		token:    q.nextTok,
		deadline: now.Add(q.opts.VisibilityTimeout),
	}
	q.leases[lease.token] = lease
	token := lease.token
	return &Delivery{
		Message: item.msg,
		Attempt: lease.attempt,
		ack: func(context.Context) error {
			q.mu.Lock()
			delete(q.leases, token)
			q.mu.Unlock()
			return nil
		},
	}, 0, nil
}

func (q *MemoryQueue) requeueExpiredLocked(now time.Time) {
	for tok, l := range q.leases {
		if now.Before(l.deadline) {
			continue
		}
		delete(q.leases, tok)
		q.pending = append([]memoryItem{{msg: l.msg, attempt: l.attempt}}, q.pending...)
	}
}

// Len reports the number of visible plus leased messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.leases)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
