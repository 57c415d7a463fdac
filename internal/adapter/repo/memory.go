package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fitpipe/internal/domain"
)

// MemoryJobRepository keeps job records in process memory. It is used by the
// memory store backend and by tests.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]domain.Job), now: time.Now}
}

func (r *MemoryJobRepository) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	now := r.now()
	job.Status = domain.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	r.jobs[job.ID] = cloneJob(*job)
	return nil
}

func (r *MemoryJobRepository) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneJob(job)
	return &out, nil
}

func (r *MemoryJobRepository) UpdateStatus(_ context.Context, jobID string, status domain.JobStatus, result json.RawMessage, errMsg string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !domain.CanTransition(job.Status, status) {
		out := cloneJob(job)
		return &out, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, status)
	}
	job.Status = status
	job.Result = nil
	job.ErrorMessage = ""
	switch status {
	case domain.JobStatusCompleted:
		job.Result = append(json.RawMessage(nil), result...)
	case domain.JobStatusFailed:
		job.ErrorMessage = errMsg
	}
	job.UpdatedAt = r.now()
	r.jobs[jobID] = job
	out := cloneJob(job)
	return &out, nil
}

func cloneJob(j domain.Job) domain.Job {
	j.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		j.Result = append(json.RawMessage(nil), j.Result...)
	}
	return j
}

// MemoryCreditLedger is a mutex-guarded domain.CreditLedger.
type MemoryCreditLedger struct {
	mu       sync.Mutex
	accounts map[domain.Principal]*domain.CreditAccount
	entries  []domain.LedgerEntry
	byJob    map[string]int
	now      func() time.Time
}

func NewMemoryCreditLedger() *MemoryCreditLedger {
	return &MemoryCreditLedger{
		accounts: make(map[domain.Principal]*domain.CreditAccount),
		byJob:    make(map[string]int),
		now:      time.Now,
	}
}

// account returns the account for p, creating it lazily. Callers hold mu.
func (l *MemoryCreditLedger) account(p domain.Principal) *domain.CreditAccount {
	acct, ok := l.accounts[p]
	if !ok {
		acct = &domain.CreditAccount{Principal: p, UpdatedAt: l.now()}
		l.accounts[p] = acct
	}
	return acct
}

func (l *MemoryCreditLedger) Get(_ context.Context, p domain.Principal) (*domain.CreditAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := *l.account(p)
	return &out, nil
}

func (l *MemoryCreditLedger) Reserve(_ context.Context, p domain.Principal, amount int64) error {
	if amount <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(p)
	if acct.Available() < amount {
		return domain.ErrInsufficientCredit
	}
	acct.Reserved += amount
	acct.UpdatedAt = l.now()
	return nil
}

func (l *MemoryCreditLedger) Commit(_ context.Context, p domain.Principal, amount int64, jobID string, op domain.Operation) (*domain.LedgerEntry, error) {
	entry := domain.LedgerEntry{Principal: p, JobID: jobID, Operation: op, Amount: amount}
	if amount <= 0 {
		return &entry, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(p)
	if idx, ok := l.byJob[jobID]; ok && jobID != "" {
		acct.Reserved = max(acct.Reserved-amount, 0)
		acct.UpdatedAt = l.now()
		prior := l.entries[idx]
		prior.Replayed = true
		return &prior, nil
	}
	if acct.Reserved < amount || acct.Balance < amount {
		return nil, fmt.Errorf("commit credit: no matching reservation for %s/%s", p.BusinessID, p.CustomerID)
	}
	acct.Balance -= amount
	acct.Reserved -= amount
	acct.UpdatedAt = l.now()
	entry.BalanceAfter = acct.Balance
	entry.CreatedAt = acct.UpdatedAt
	if jobID != "" {
		l.byJob[jobID] = len(l.entries)
	}
	l.entries = append(l.entries, entry)
	return &entry, nil
}

func (l *MemoryCreditLedger) Release(_ context.Context, p domain.Principal, amount int64) error {
	if amount <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(p)
	acct.Reserved -= amount
	if acct.Reserved < 0 {
		acct.Reserved = 0
	}
	acct.UpdatedAt = l.now()
	return nil
}

func (l *MemoryCreditLedger) Credit(_ context.Context, p domain.Principal, amount int64) (*domain.CreditAccount, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: credit amount must not be negative", domain.ErrValidation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(p)
	acct.Balance += amount
	acct.UpdatedAt = l.now()
	out := *acct
	return &out, nil
}

// Entries returns a copy of the debit history.
func (l *MemoryCreditLedger) Entries() []domain.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.LedgerEntry(nil), l.entries...)
}

var (
	_ domain.JobRepository = (*MemoryJobRepository)(nil)
	_ domain.CreditLedger  = (*MemoryCreditLedger)(nil)
)
