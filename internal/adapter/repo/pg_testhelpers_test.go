package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type simpleRow struct {
	scan func(dest ...any) error
}

func (r simpleRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type recordedCall struct {
	query string
	args  []any
}

// fakeSQL answers QueryRow calls from a per-query queue of rows.
type fakeSQL struct {
	rows  map[string][]simpleRow
	calls []recordedCall
	err   error
}

func newFakeSQL() *fakeSQL {
	return &fakeSQL{rows: make(map[string][]simpleRow)}
}

func (f *fakeSQL) on(query string, scan func(dest ...any) error) {
	f.rows[query] = append(f.rows[query], simpleRow{scan: scan})
}

func (f *fakeSQL) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, recordedCall{query: query, args: args})
	return pgconn.CommandTag{}, f.err
}

func (f *fakeSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	f.calls = append(f.calls, recordedCall{query: query, args: args})
	queue := f.rows[query]
	if len(queue) == 0 {
		return simpleRow{}
	}
	f.rows[query] = queue[1:]
	return queue[0]
}

func (f *fakeSQL) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSQL) callsFor(query string) []recordedCall {
	var out []recordedCall
	for _, c := range f.calls {
		if c.query == query {
			out = append(out, c)
		}
	}
	return out
}

// jobRowScanner fills the eleven columns selected for a job record.
func jobRowScanner(id, jobType, status string, payload, result []byte, errMsg string) func(dest ...any) error {
	return func(dest ...any) error {
		if len(dest) != 11 {
			return fmt.Errorf("unexpected scan args: %d", len(dest))
		}
		*dest[0].(*string) = id
		*dest[1].(*string) = jobType
		*dest[2].(*string) = status
		*dest[3].(*[]byte) = payload
		*dest[4].(*[]byte) = result
		*dest[5].(*string) = errMsg
		*dest[6].(*string) = ""
		*dest[7].(*string) = "biz"
		*dest[8].(*string) = "cust"
		*dest[9].(*time.Time) = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		*dest[10].(*time.Time) = time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC)
		return nil
	}
}
