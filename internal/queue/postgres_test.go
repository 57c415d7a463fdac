package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
	"fitpipe/internal/sqlinline"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type execCall struct {
	query string
	args  []any
}

type stubSQL struct {
	claims []stubRow
	execs  []execCall
	claimN int
}

func (s *stubSQL) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.execs = append(s.execs, execCall{query: query, args: args})
	return pgconn.CommandTag{}, nil
}

func (s *stubSQL) QueryRow(_ context.Context, query string, _ ...any) pgx.Row {
	if query != sqlinline.QQueueClaim {
		return stubRow{scan: func(...any) error { return errors.New("unexpected query") }}
	}
	s.claimN++
	if len(s.claims) == 0 {
		return stubRow{}
	}
	row := s.claims[0]
	s.claims = s.claims[1:]
	return row
}

func (s *stubSQL) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func claimRow(id, receipt, jobID, jobType string, attempts int) stubRow {
	return stubRow{scan: func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*string) = receipt
		*dest[2].(*string) = jobID
		*dest[3].(*string) = jobType
		*dest[4].(*[]byte) = []byte(`{"gender":"female"}`)
		*dest[5].(*int) = attempts
		return nil
	}}
}

func TestPostgresQueueEnqueue(t *testing.T) {
	sql := &stubSQL{}
	q := NewPostgresQueue(sql, Options{}, *infra.NopLogger())

	require.NoError(t, q.Enqueue(context.Background(), Message{JobID: "job-1", JobType: domain.JobTypeAvatar}))
	require.Len(t, sql.execs, 1)
	call := sql.execs[0]
	assert.Equal(t, sqlinline.QQueueEnqueue, call.query)
	assert.Equal(t, "job-1", call.args[0])
	assert.Equal(t, "Avatar", call.args[1])
	assert.Equal(t, DefaultNotifyChannel, call.args[3])
}

func TestPostgresQueueClaimAndAck(t *testing.T) {
	sql := &stubSQL{claims: []stubRow{claimRow("row-1", "rcpt-1", "job-1", "RunPrediction", 2)}}
	q := NewPostgresQueue(sql, Options{VisibilityTimeout: time.Minute}, *infra.NopLogger())

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", d.JobID)
	assert.Equal(t, domain.JobTypeRunPrediction, d.JobType)
	assert.Equal(t, 2, d.Attempt)
	assert.JSONEq(t, `{"gender":"female"}`, string(d.Payload))

	require.NoError(t, d.Ack(context.Background()))
	require.Len(t, sql.execs, 1)
	assert.Equal(t, sqlinline.QQueueAck, sql.execs[0].query)
	assert.Equal(t, []any{"row-1", "rcpt-1"}, sql.execs[0].args)
}

func TestPostgresQueuePollsUntilWork(t *testing.T) {
	sql := &stubSQL{claims: []stubRow{{}, {}, claimRow("row-2", "rcpt-2", "job-2", "Avatar", 1)}}
	q := NewPostgresQueue(sql, Options{PollInterval: 5 * time.Millisecond}, *infra.NopLogger())

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-2", d.JobID)
	assert.Equal(t, 3, sql.claimN)
}

func TestPostgresQueueDequeueHonoursContext(t *testing.T) {
	q := NewPostgresQueue(&stubSQL{}, Options{PollInterval: 5 * time.Millisecond}, *infra.NopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPostgresQueueWakeSignalShortensWait(t *testing.T) {
	sql := &stubSQL{claims: []stubRow{{}, claimRow("row-3", "rcpt-3", "job-3", "Avatar", 1)}}
	q := NewPostgresQueue(sql, Options{PollInterval: time.Hour}, *infra.NopLogger())
	signal(q.wake)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d, err := q.Dequeue(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, "job-3", d.JobID)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wake signal did not interrupt the poll wait")
	}
}

func TestPostgresQueueCloseInterruptsPollWait(t *testing.T) {
	q := NewPostgresQueue(&stubSQL{}, Options{PollInterval: time.Hour}, *infra.NopLogger())
	errs := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue still blocked after Close")
	}
}
