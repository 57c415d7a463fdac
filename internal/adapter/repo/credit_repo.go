package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
	"fitpipe/internal/sqlinline"
)

// CreditLedgerPG implements domain.CreditLedger with conditional UPDATE
// statements, so concurrent reservations never overdraw an account.
type CreditLedgerPG struct {
	sql infra.SQLExecutor
}

func NewCreditLedger(sql infra.SQLExecutor) *CreditLedgerPG {
	return &CreditLedgerPG{sql: sql}
}

func (l *CreditLedgerPG) Get(ctx context.Context, p domain.Principal) (*domain.CreditAccount, error) {
	if _, err := l.sql.Exec(ctx, sqlinline.QEnsureCreditAccount, p.BusinessID, p.CustomerID); err != nil {
		return nil, fmt.Errorf("ensure credit account: %w", err)
	}
	acct := domain.CreditAccount{Principal: p}
	row := l.sql.QueryRow(ctx, sqlinline.QSelectCreditAccount, p.BusinessID, p.CustomerID)
	if err := row.Scan(&acct.Balance, &acct.Reserved, &acct.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select credit account: %w", err)
	}
	return &acct, nil
}

func (l *CreditLedgerPG) Reserve(ctx context.Context, p domain.Principal, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if _, err := l.sql.Exec(ctx, sqlinline.QEnsureCreditAccount, p.BusinessID, p.CustomerID); err != nil {
		return fmt.Errorf("ensure credit account: %w", err)
	}
	var balance, reserved int64
	row := l.sql.QueryRow(ctx, sqlinline.QReserveCredit, p.BusinessID, p.CustomerID, amount)
	if err := row.Scan(&balance, &reserved); err != nil {
		if infra.IsNoRows(err) {
			return domain.ErrInsufficientCredit
		}
		return fmt.Errorf("reserve credit: %w", err)
	}
	return nil
}

func (l *CreditLedgerPG) Commit(ctx context.Context, p domain.Principal, amount int64, jobID string, op domain.Operation) (*domain.LedgerEntry, error) {
	entry := domain.LedgerEntry{Principal: p, JobID: jobID, Operation: op, Amount: amount}
	if amount <= 0 {
		return &entry, nil
	}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		row := l.sql.QueryRow(ctx, sqlinline.QCommitCredit, p.BusinessID, p.CustomerID, amount, jobID, string(op))
		err = row.Scan(&entry.BalanceAfter, &entry.CreatedAt, &entry.Replayed)
		if !isUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("commit credit: no matching reservation for %s/%s", p.BusinessID, p.CustomerID)
		}
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return &entry, nil
}

// isUniqueViolation reports a lost race on credit_ledger_job_uidx.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (l *CreditLedgerPG) Release(ctx context.Context, p domain.Principal, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if _, err := l.sql.Exec(ctx, sqlinline.QReleaseCredit, p.BusinessID, p.CustomerID, amount); err != nil {
		return fmt.Errorf("release credit: %w", err)
	}
	return nil
}

func (l *CreditLedgerPG) Credit(ctx context.Context, p domain.Principal, amount int64) (*domain.CreditAccount, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: credit amount must not be negative", domain.ErrValidation)
	}
	acct := domain.CreditAccount{Principal: p}
	row := l.sql.QueryRow(ctx, sqlinline.QTopUpCredit, p.BusinessID, p.CustomerID, amount)
	if err := row.Scan(&acct.Balance, &acct.Reserved, &acct.UpdatedAt); err != nil {
		return nil, fmt.Errorf("top up credit: %w", err)
	}
	return &acct, nil
}

var _ domain.CreditLedger = (*CreditLedgerPG)(nil)
