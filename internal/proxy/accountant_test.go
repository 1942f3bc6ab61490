package proxy_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/ledger"
	"github.com/JakeFAU/sitecloner/internal/proxy"
	"github.com/JakeFAU/sitecloner/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

// flakyCrediter fails the first failN Credit calls, then delegates.
type flakyCrediter struct {
	inner *ledger.Ledger
	failN atomic.Int64
	refs  sync.Map
}

func (f *flakyCrediter) Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Account, error) {
	f.refs.Store(req.Reference, true)
	if f.failN.Add(-1) >= 0 {
		return ledger.Account{}, errors.New("ledger unavailable")
	}
	return f.inner.Credit(ctx, req)
}

func (f *flakyCrediter) Reverse(ctx context.Context, ownerID string, amount clone.Credits, reference, reason string) (ledger.Account, error) {
	return f.inner.Reverse(ctx, ownerID, amount, reference, reason)
}

var testRates = proxy.Rates{
	PerRequest:       clone.CreditsFromFloat(0.001),
	PerMB:            clone.CreditsFromFloat(0.01),
	SuccessThreshold: 0.95,
	SuccessBonus:     1.5,
}

func setup(t *testing.T, rates proxy.Rates) (*proxy.Accountant, *ledger.Ledger, *flakyCrediter) {
	t.Helper()
	clock := fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	l := ledger.New(memory.NewLedgerStore(), clock, ids, ledger.Config{
		Plans: map[string]clone.Credits{"free": clone.WholeCredits(10)},
	}, zap.NewNop())
	_, err := l.OpenAccount(context.Background(), "owner-1", "free")
	require.NoError(t, err)
	crediter := &flakyCrediter{inner: l}
	acct := proxy.NewAccountant(memory.NewNodeStore(), crediter, clock, ids, proxy.Config{Rates: rates}, zap.NewNop())
	return acct, l, crediter
}

func TestRatesAccrue(t *testing.T) {
	t.Parallel()

	w := proxy.Window{Requests: 1000, Successes: 970, Bytes: 50_000_000}
	require.Equal(t, clone.CreditsFromFloat(2.25), testRates.Accrue(w))

	w.Successes = 900
	require.Equal(t, clone.CreditsFromFloat(1.5), testRates.Accrue(w))

	require.Equal(t, clone.Credits(0), testRates.Accrue(proxy.Window{}))
}

func TestSettleAccruesOnceWithSuccessBonus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	acct, l, _ := setup(t, testRates)
	node, err := acct.Register(ctx, proxy.Registration{OwnerID: "owner-1", Host: "10.0.0.1", Port: 8080, Country: "DE"})
	require.NoError(t, err)

	require.True(t, acct.RecordUsage(node.ID, 970, 25_000_000, true))
	require.True(t, acct.RecordUsage(node.ID, 30, 25_000_000, false))

	credits, err := acct.Settle(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, clone.CreditsFromFloat(2.25), credits)

	credits, err = acct.Settle(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, clone.Credits(0), credits)

	account, err := l.Account(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, clone.CreditsFromFloat(2.25), account.ProxyCredits)
	require.Equal(t, clone.CreditsFromFloat(12.25), account.Balance)

	stored, err := acct.Node(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), stored.TotalRequests)
	require.Equal(t, int64(50_000_000), stored.BytesServed)
	require.InDelta(t, 0.97, stored.SuccessRate, 1e-9)
	require.Equal(t, clone.CreditsFromFloat(2.25), stored.CreditsEarned)
	require.Nil(t, stored.PendingWindow)
}

func TestRegistrationBonusPaidOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rates := testRates
	rates.RegistrationBonus = clone.WholeCredits(5)
	acct, l, _ := setup(t, rates)

	node, err := acct.Register(ctx, proxy.Registration{OwnerID: "owner-1", Host: "proxy.example", Port: 3128})
	require.NoError(t, err)
	require.True(t, node.RegistrationBonusPaid)

	_, err = acct.Settle(ctx, node.ID)
	require.NoError(t, err)
	_, err = acct.Settle(ctx, node.ID)
	require.NoError(t, err)

	account, err := l.Account(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, clone.WholeCredits(5), account.ProxyCredits)
}

func TestSettleRetriesPendingWindowWithoutDoubleCredit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	acct, l, crediter := setup(t, testRates)
	node, err := acct.Register(ctx, proxy.Registration{OwnerID: "owner-1", Host: "10.0.0.2", Port: 1080})
	require.NoError(t, err)

	acct.RecordUsage(node.ID, 100, 0, true)
	crediter.failN.Store(1)
	_, err = acct.Settle(ctx, node.ID)
	require.Error(t, err)

	pending, err := acct.Node(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, pending.PendingWindow)
	windowRef := pending.PendingWindow.Reference()

	acct.RecordUsage(node.ID, 50, 0, true)
	credits, err := acct.Settle(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, clone.CreditsFromFloat(0.15), credits)

	credits, err = acct.Settle(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, clone.CreditsFromFloat(0.075), credits)

	account, err := l.Account(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, clone.CreditsFromFloat(0.225), account.ProxyCredits)
	_, seen := crediter.refs.Load(windowRef)
	require.True(t, seen)
}

func TestRecordUsageUnknownNodeDropped(t *testing.T) {
	t.Parallel()

	acct, _, _ := setup(t, testRates)
	require.False(t, acct.RecordUsage("ghost", 1, 1, true))
}

func TestConcurrentUsageIsNotLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	acct, _, _ := setup(t, testRates)
	node, err := acct.Register(ctx, proxy.Registration{OwnerID: "owner-1", Host: "10.0.0.3", Port: 9000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				acct.RecordUsage(node.ID, 1, 1000, true)
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, _ = acct.Settle(ctx, node.ID)
		}
	}()
	wg.Wait()
	<-done
	_, err = acct.Settle(ctx, node.ID)
	require.NoError(t, err)

	stored, err := acct.Node(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4000), stored.TotalRequests)
	require.Equal(t, int64(4_000_000), stored.BytesServed)
}

func TestSettledWindowsKeepSuccessesWithinRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	acct, _, _ := setup(t, testRates)
	node, err := acct.Register(ctx, proxy.Registration{OwnerID: "owner-1", Host: "10.0.0.4", Port: 9000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				acct.RecordUsage(node.ID, 2, 100, true)
			}
		}()
	}

	// Every report succeeded, so any window that splits a report across the
	// swap shows up as a rate other than 1.
	var rates []float64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			credits, err := acct.Settle(ctx, node.ID)
			if err != nil || credits == 0 {
				continue
			}
			if n, err := acct.Node(ctx, node.ID); err == nil {
				rates = append(rates, n.SuccessRate)
			}
		}
	}()
	wg.Wait()
	<-done
	_, err = acct.Settle(ctx, node.ID)
	require.NoError(t, err)

	for _, r := range rates {
		require.InDelta(t, 1.0, r, 1e-9)
	}
	stored, err := acct.Node(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8000), stored.TotalRequests)
	require.Equal(t, int64(400_000), stored.BytesServed)
	require.InDelta(t, 1.0, stored.SuccessRate, 1e-9)
}

func TestSettleAllAndReverse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	acct, l, _ := setup(t, testRates)
	n1, err := acct.Register(ctx, proxy.Registration{OwnerID: "owner-1", Host: "a", Port: 1})
	require.NoError(t, err)
	n2, err := acct.Register(ctx, proxy.Registration{OwnerID: "owner-1", Host: "b", Port: 2})
	require.NoError(t, err)
	acct.RecordUsage(n1.ID, 1000, 0, true)
	acct.RecordUsage(n2.ID, 1000, 0, false)

	require.NoError(t, acct.SettleAll(ctx))
	account, err := l.Account(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, clone.CreditsFromFloat(2.5), account.ProxyCredits)

	_, err = acct.Reverse(ctx, n2.ID, clone.WholeCredits(3), "abuse")
	require.ErrorIs(t, err, clone.ErrValidation)

	node, err := acct.Reverse(ctx, n2.ID, clone.WholeCredits(1), "abuse")
	require.NoError(t, err)
	require.Equal(t, clone.Credits(0), node.CreditsEarned)
	account, err = l.Account(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, clone.CreditsFromFloat(1.5), account.ProxyCredits)

	offline, err := acct.SetOnline(ctx, n1.ID, false)
	require.NoError(t, err)
	require.False(t, offline.IsOnline)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	acct, _, _ := setup(t, testRates)
	_, err := acct.Register(context.Background(), proxy.Registration{OwnerID: "owner-1", Host: "h", Port: 0})
	require.ErrorIs(t, err, clone.ErrValidation)
}
