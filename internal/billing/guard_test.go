package billing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpipe/internal/adapter/repo"
	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
)

var principal = domain.Principal{BusinessID: "biz-1", CustomerID: "cust-1"}

func newGuard(t *testing.T, balance int64, settings domain.PlatformSettings) (*Guard, *repo.MemoryCreditLedger) {
	t.Helper()
	ledger := repo.NewMemoryCreditLedger()
	if balance > 0 {
		_, err := ledger.Credit(context.Background(), principal, balance)
		require.NoError(t, err)
	}
	return NewGuard(ledger, repo.StaticSettings(settings), *infra.NopLogger()), ledger
}

func TestCheckInsufficientBalance(t *testing.T) {
	g, ledger := newGuard(t, 0, domain.PlatformSettings{ImageTokenPrice: 1, VideoTokenPrice: 5})

	hold, err := g.Check(context.Background(), principal, domain.OperationImage)
	assert.Nil(t, hold)
	require.ErrorIs(t, err, ErrInsufficientTokens)
	assert.Equal(t, "Insufficient tokens", err.Error())

	acct, err := ledger.Get(context.Background(), principal)
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)
	assert.Zero(t, acct.Reserved)
}

func TestCommitDebitsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	g, ledger := newGuard(t, 10, domain.PlatformSettings{ImageTokenPrice: 2, VideoTokenPrice: 5})

	hold, err := g.Check(ctx, principal, domain.OperationVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(5), hold.Amount())

	entry, err := hold.Commit(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.BalanceAfter)

	_, err = hold.Commit(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, hold.Release(ctx))

	acct, _ := ledger.Get(ctx, principal)
	assert.Equal(t, int64(5), acct.Balance)
	assert.Zero(t, acct.Reserved)
	require.Len(t, ledger.Entries(), 1)
	assert.Equal(t, domain.OperationVideo, ledger.Entries()[0].Operation)
}

func TestReleaseKeepsBalance(t *testing.T) {
	ctx := context.Background()
	g, ledger := newGuard(t, 3, domain.PlatformSettings{ImageTokenPrice: 3})

	hold, err := g.Check(ctx, principal, domain.OperationImage)
	require.NoError(t, err)
	acct, _ := ledger.Get(ctx, principal)
	assert.Equal(t, int64(3), acct.Reserved)

	require.NoError(t, hold.Release(ctx))
	acct, _ = ledger.Get(ctx, principal)
	assert.Equal(t, int64(3), acct.Balance)
	assert.Zero(t, acct.Reserved)
	assert.Empty(t, ledger.Entries())
}

func TestUnmeteredOperationNeedsNoBalance(t *testing.T) {
	ctx := context.Background()
	g, ledger := newGuard(t, 0, domain.PlatformSettings{ImageTokenPrice: 1})

	hold, err := g.Check(ctx, principal, domain.OperationFor(domain.JobTypeRunPrediction))
	require.NoError(t, err)
	entry, err := hold.Commit(ctx, "job-free")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Empty(t, ledger.Entries())
}

func TestConcurrentChecksSingleWinner(t *testing.T) {
	ctx := context.Background()
	g, ledger := newGuard(t, 1, domain.PlatformSettings{ImageTokenPrice: 1})

	const contenders = 2
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		holds    []*Hold
		failures int
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			hold, err := g.Check(ctx, principal, domain.OperationImage)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrInsufficientTokens) {
				failures++
				return
			}
			assert.NoError(t, err)
			holds = append(holds, hold)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, holds, 1)
	assert.Equal(t, 1, failures)
	_, err := holds[0].Commit(ctx, "job-winner")
	require.NoError(t, err)
	acct, _ := ledger.Get(ctx, principal)
	assert.Zero(t, acct.Balance)
}

type failingSettings struct{}

func (failingSettings) Settings(context.Context) (domain.PlatformSettings, error) {
	return domain.PlatformSettings{}, errors.New("db down")
}

func TestCheckSurfacesSettingsError(t *testing.T) {
	g := NewGuard(repo.NewMemoryCreditLedger(), failingSettings{}, *infra.NopLogger())
	_, err := g.Check(context.Background(), principal, domain.OperationImage)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientTokens)
}

func TestSecondHoldForSameJobIsNotDebited(t *testing.T) {
	ctx := context.Background()
	g, ledger := newGuard(t, 10, domain.PlatformSettings{ImageTokenPrice: 1})

	first, err := g.Check(ctx, principal, domain.OperationImage)
	require.NoError(t, err)
	second, err := g.Check(ctx, principal, domain.OperationImage)
	require.NoError(t, err)

	_, err = first.Commit(ctx, "job-again")
	require.NoError(t, err)
	entry, err := second.Commit(ctx, "job-again")
	require.NoError(t, err)
	assert.True(t, entry.Replayed)

	acct, _ := ledger.Get(ctx, principal)
	assert.Equal(t, int64(9), acct.Balance)
	assert.Zero(t, acct.Reserved)
	assert.Len(t, ledger.Entries(), 1)
}
