package domain

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrInsufficientCredit is returned by CreditLedger.Reserve when the available
// balance does not cover the requested amount.
var ErrInsufficientCredit = errors.New("insufficient credit")

// JobRepository defines persistence for job records.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	// UpdateStatus atomically moves jobID to status when the transition is
	// allowed. result is stored only for COMPLETED and errMsg only for FAILED.
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, result json.RawMessage, errMsg string) (*Job, error)
}

// CreditLedger tracks spendable balances per principal. Every method is atomic
// with respect to concurrent calls against the same account.
type CreditLedger interface {
	Get(ctx context.Context, p Principal) (*CreditAccount, error)
	// Reserve holds amount against the available balance or fails with
	// ErrInsufficientCredit.
	Reserve(ctx context.Context, p Principal, amount int64) error
	// Commit converts a reservation into a debit and records a ledger entry.
	// A job is debited at most once: when an entry for jobID already exists the
	// reservation is released and the earlier entry is returned as Replayed.
	Commit(ctx context.Context, p Principal, amount int64, jobID string, op Operation) (*LedgerEntry, error)
	// Release drops a reservation without debiting.
	Release(ctx context.Context, p Principal, amount int64) error
	// Credit adds tokens to an account, creating it if needed.
	Credit(ctx context.Context, p Principal, amount int64) (*CreditAccount, error)
}

// SettingsProvider exposes the platform pricing configuration.
type SettingsProvider interface {
	Settings(ctx context.Context) (PlatformSettings, error)
}
