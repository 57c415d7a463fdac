package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpipe/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryQueue(visibility time.Duration) (*MemoryQueue, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(Options{VisibilityTimeout: visibility, PollInterval: 10 * time.Millisecond})
	q.now = clock.Now
	return q, clock
}

func TestMemoryQueueFIFO(t *testing.T) {
	q, _ := newTestMemoryQueue(time.Minute)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, Message{JobID: id, JobType: domain.JobTypeAvatar, Payload: json.RawMessage(`{}`)}))
	}
	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, d.JobID)
		assert.Equal(t, 1, d.Attempt)
		require.NoError(t, d.Ack(ctx))
	}
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueueLeaseHidesMessage(t *testing.T) {
	q, _ := newTestMemoryQueue(time.Minute)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Message{JobID: "only"}))

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueueRedeliversExpiredLease(t *testing.T) {
	q, clock := newTestMemoryQueue(time.Minute)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Message{JobID: "job-1", JobType: domain.JobTypeRunPrediction}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", second.JobID)
	assert.Equal(t, 2, second.Attempt)

	// The expired lease no longer owns the message.
	require.NoError(t, first.Ack(ctx))
	assert.Equal(t, 1, q.Len())

	require.NoError(t, second.Ack(ctx))
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueueSingleDeliveryUnderConcurrency(t *testing.T) {
	q, _ := newTestMemoryQueue(time.Minute)
	ctx := context.Background()
	const total = 50
	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(ctx, Message{JobID: "job-" + strconv.Itoa(i)}))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				dctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
				d, err := q.Dequeue(dctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.JobID]++
				mu.Unlock()
				_ = d.Ack(ctx)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered %d times", id, n)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q, _ := newTestMemoryQueue(time.Minute)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
	assert.ErrorIs(t, q.Enqueue(context.Background(), Message{JobID: "late"}), ErrClosed)
}

func TestEnqueueRequiresJobID(t *testing.T) {
	q, _ := newTestMemoryQueue(time.Minute)
	assert.Error(t, q.Enqueue(context.Background(), Message{}))
}

func TestMemoryQueueCloseWakesIdleConsumers(t *testing.T) {
	q := NewMemoryQueue(Options{VisibilityTimeout: time.Hour, PollInterval: time.Hour})
	const consumers = 3
	errs := make(chan error, consumers)
	for i := 0; i < consumers; i++ {
		go func() {
			_, err := q.Dequeue(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	for i := 0; i < consumers; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatalf("consumer %d still blocked after Close", i)
		}
	}
}
