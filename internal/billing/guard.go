// Package billing gates metered inference calls behind a token reservation.
// Tokens are reserved before the call and only debited once it succeeds.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
)

// ErrInsufficientTokens is recorded verbatim as the job error.
var ErrInsufficientTokens = errors.New("Insufficient tokens")

// Guard reserves the price of an operation against a principal's balance.
type Guard struct {
	ledger   domain.CreditLedger
	settings domain.SettingsProvider
	logger   infra.Logger
}

func NewGuard(ledger domain.CreditLedger, settings domain.SettingsProvider, logger infra.Logger) *Guard {
	return &Guard{ledger: ledger, settings: settings, logger: logger}
}

// Check reserves the configured price of op for p. It fails with
// ErrInsufficientTokens when the available balance is lower than the price.
// Unmetered and free operations return a hold that commits nothing.
func (g *Guard) Check(ctx context.Context, p domain.Principal, op domain.Operation) (*Hold, error) {
	hold := &Hold{guard: g, principal: p, op: op}
	if op == domain.OperationNone {
		return hold, nil
	}
	settings, err := g.settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing: load settings: %w", err)
	}
	price := settings.Price(op)
	if price <= 0 {
		return hold, nil
	}
	if err := g.ledger.Reserve(ctx, p, price); err != nil {
		if errors.Is(err, domain.ErrInsufficientCredit) {
			return nil, ErrInsufficientTokens
		}
		return nil, fmt.Errorf("billing: reserve: %w", err)
	}
	hold.amount = price
	g.logger.Debug().
		Str("business_id", p.BusinessID).
		Str("customer_id", p.CustomerID).
		Str("operation", string(op)).
		Int64("amount", price).
		Msg("billing: tokens reserved")
	return hold, nil
}

// Hold is an outstanding reservation. Exactly one of Commit or Release takes
// effect; later calls are no-ops.
type Hold struct {
	guard     *Guard
	principal domain.Principal
	op        domain.Operation
	amount    int64

	mu   sync.Mutex
	done bool
}

// Amount returns the reserved token count.
func (h *Hold) Amount() int64 { return h.amount }

// Commit debits the reserved tokens for jobID.
func (h *Hold) Commit(ctx context.Context, jobID string) (*domain.LedgerEntry, error) {
	if !h.settle() || h.amount == 0 {
		return nil, nil
	}
	entry, err := h.guard.ledger.Commit(ctx, h.principal, h.amount, jobID, h.op)
	if err != nil {
		return nil, fmt.Errorf("billing: commit: %w", err)
	}
	if entry.Replayed {
		h.guard.logger.Warn().
			Str("job_id", jobID).
			Str("business_id", h.principal.BusinessID).
			Msg("billing: job already debited, reservation dropped")
		return entry, nil
	}
	h.guard.logger.Info().
		Str("job_id", jobID).
		Str("business_id", h.principal.BusinessID).
		Str("operation", string(h.op)).
		Int64("amount", h.amount).
		Int64("balance_after", entry.BalanceAfter).
		Msg("billing: tokens debited")
	return entry, nil
}

// Release drops the reservation without debiting.
func (h *Hold) Release(ctx context.Context) error {
	if !h.settle() || h.amount == 0 {
		return nil
	}
	if err := h.guard.ledger.Release(ctx, h.principal, h.amount); err != nil {
		return fmt.Errorf("billing: release: %w", err)
	}
	return nil
}

func (h *Hold) settle() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	return true
}
