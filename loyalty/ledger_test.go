package loyalty_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

func TestLedger_CreditOpensAccount(t *testing.T) {
	// GIVEN: No account yet
	ctx := context.Background()
	l, _ := newTestLedger()

	// WHEN: Crediting 120 points
	m, err := l.Credit(ctx, alice, 120, loyalty.KindAccrual, loyalty.Entry{RefID: "tx-1", RuleApplied: "rule:1:base"})

	// THEN: The account exists with the credited balance
	require.NoError(t, err)
	assert.Equal(t, int64(120), m.Points)
	assert.Equal(t, fixedNow, m.CreatedAt)
	assert.NotEmpty(t, m.ID)

	acct, err := l.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(120), acct.Balance)
}

func TestLedger_DebitIsAllOrNothing(t *testing.T) {
	// GIVEN: 100 points
	ctx := context.Background()
	l, _ := newTestLedger()
	credit(t, l, 100, "tx-1")

	// WHEN: Debiting 101
	_, err := l.Debit(ctx, alice, 101, loyalty.KindRedemption, loyalty.Entry{RefID: "red-1"})

	// THEN: Insufficient balance with both amounts, nothing written
	var ibe *loyalty.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.Equal(t, int64(100), ibe.Available)
	assert.Equal(t, int64(101), ibe.Requested)
	assert.True(t, loyalty.IsClientError(err))

	ms, err := l.Movements(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
	assertBalance(t, l, 100)
}

func TestLedger_DebitToZero(t *testing.T) {
	l, _ := newTestLedger()
	credit(t, l, 100, "tx-1")

	_, err := l.Debit(context.Background(), alice, 100, loyalty.KindExpiration, loyalty.Entry{BatchID: "b-1"})

	require.NoError(t, err)
	assertBalance(t, l, 0)
}

func TestLedger_DebitUnknownAccount(t *testing.T) {
	l, _ := newTestLedger()

	_, err := l.Debit(context.Background(), alice, 1, loyalty.KindRedemption, loyalty.Entry{})

	assert.True(t, loyalty.IsNotFound(err))
}

func TestLedger_RejectsMalformedMovements(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	credit(t, l, 50, "tx-1")

	tests := []struct {
		name string
		call func() error
	}{
		{"zero credit", func() error {
			_, err := l.Credit(ctx, alice, 0, loyalty.KindAccrual, loyalty.Entry{})
			return err
		}},
		{"negative debit", func() error {
			_, err := l.Debit(ctx, alice, -5, loyalty.KindRedemption, loyalty.Entry{})
			return err
		}},
		{"expiration as credit", func() error {
			_, err := l.Credit(ctx, alice, 5, loyalty.KindExpiration, loyalty.Entry{})
			return err
		}},
		{"accrual as debit", func() error {
			_, err := l.Debit(ctx, alice, 5, loyalty.KindAccrual, loyalty.Entry{})
			return err
		}},
		{"missing card", func() error {
			_, err := l.Credit(ctx, loyalty.AccountKey{UserID: "alice"}, 5, loyalty.KindAccrual, loyalty.Entry{})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.ErrorIs(t, err, loyalty.ErrInvalidMovement)
		})
	}
	assertBalance(t, l, 50)
}

func TestLedger_DuplicateRef(t *testing.T) {
	// GIVEN: An accrual for tx-1
	ctx := context.Background()
	l, _ := newTestLedger()
	credit(t, l, 10, "tx-1")

	// WHEN: Recording it again
	_, err := l.Credit(ctx, alice, 10, loyalty.KindAccrual, loyalty.Entry{RefID: "tx-1"})

	// THEN: Rejected as a duplicate; a reversal for tx-1 is still allowed
	assert.ErrorIs(t, err, loyalty.ErrDuplicateMovement)
	assert.True(t, loyalty.IsNoOp(err))

	_, err = l.Debit(ctx, alice, 10, loyalty.KindReversal, loyalty.Entry{RefID: "tx-1"})
	require.NoError(t, err)
	assertBalance(t, l, 0)

	done, err := l.HasMovementFor(ctx, "tx-1", loyalty.KindReversal)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	// GIVEN: 100 points
	ctx := context.Background()
	l, _ := newTestLedger()
	credit(t, l, 100, "tx-1")

	// WHEN: Ten concurrent debits of 30
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, alice, 30, loyalty.KindRedemption, loyalty.Entry{})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly three succeed
	assert.Equal(t, 3, ok)
	assertBalance(t, l, 10)
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestLedger_Adjust(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	m, err := l.Adjust(ctx, alice, 40, "goodwill", "job-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.KindAdjustment, m.Kind)
	assert.Equal(t, "job-1", m.RefID)

	_, err = l.Adjust(ctx, alice, 40, "goodwill", "job-1")
	assert.ErrorIs(t, err, loyalty.ErrIdempotentNoOp)

	_, err = l.Adjust(ctx, alice, -15, "clawback", "job-2")
	require.NoError(t, err)
	assertBalance(t, l, 25)
}

func TestLedger_AdjustValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	_, err := l.Adjust(ctx, alice, 10, "", "job-1")
	var ve *loyalty.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "note")

	_, err = l.Adjust(ctx, alice, 0, "nothing", "job-2")
	assert.ErrorIs(t, err, loyalty.ErrInvalidMovement)
}

func TestLedger_AdjustWithoutJobIsNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	for i := 0; i < 2; i++ {
		_, err := l.Adjust(ctx, alice, 5, "manual", "")
		require.NoError(t, err)
	}
	assertBalance(t, l, 10)
}

// =============================================================================
// CLOSE / RECONCILE
// =============================================================================

func TestLedger_ClosedAccountRefusesMovements(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	credit(t, l, 30, "tx-1")

	require.NoError(t, l.CloseAccount(ctx, alice))

	_, err := l.Credit(ctx, alice, 5, loyalty.KindAccrual, loyalty.Entry{RefID: "tx-2"})
	assert.ErrorIs(t, err, loyalty.ErrAccountClosed)
	_, err = l.Debit(ctx, alice, 5, loyalty.KindExpiration, loyalty.Entry{})
	assert.ErrorIs(t, err, loyalty.ErrAccountClosed)

	acct, err := l.Account(ctx, alice)
	require.NoError(t, err)
	assert.True(t, acct.IsClosed())
	assert.Equal(t, int64(30), acct.Balance)
}

func TestLedger_Reconcile(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	credit(t, l, 120, "tx-1")
	_, err := l.Debit(ctx, alice, 20, loyalty.KindRedemption, loyalty.Entry{RefID: "red-1"})
	require.NoError(t, err)

	ok, err := l.Reconcile(ctx, alice)
	require.NoError(t, err)
	assert.True(t, ok)

	ds, err := l.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestLedger_ReconcileReportsDrift(t *testing.T) {
	// GIVEN: A store whose balances drifted by 5 points
	ctx := context.Background()
	mem := store.NewMemory()
	l := loyalty.NewLedger(driftingStore{Memory: mem, drift: 5})
	credit(t, loyalty.NewLedger(mem), 100, "tx-1")

	// WHEN: Reconciling
	ok, err := l.Reconcile(ctx, alice)
	require.NoError(t, err)
	ds, err := l.ReconcileAll(ctx)
	require.NoError(t, err)

	// THEN: The drift is reported with both figures
	assert.False(t, ok)
	require.Len(t, ds, 1)
	assert.Equal(t, int64(105), ds[0].Stored)
	assert.Equal(t, int64(100), ds[0].Computed)
}

func TestLedger_ReconcileUnknownAccount(t *testing.T) {
	l, _ := newTestLedger()

	_, err := l.Reconcile(context.Background(), alice)

	assert.True(t, errors.Is(err, loyalty.ErrNotFound))
}

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	alice    = loyalty.AccountKey{UserID: "alice", CardID: "card-1"}
	fixedNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
)

func newTestLedger() (*loyalty.Ledger, *store.Memory) {
	mem := store.NewMemory()
	return loyalty.NewLedger(mem).WithClock(func() time.Time { return fixedNow }), mem
}

func credit(t *testing.T, l *loyalty.Ledger, points int64, ref string) {
	t.Helper()
	_, err := l.Credit(context.Background(), alice, points, loyalty.KindAccrual, loyalty.Entry{RefID: ref})
	require.NoError(t, err)
}

func assertBalance(t *testing.T, l *loyalty.Ledger, want int64) {
	t.Helper()
	acct, err := l.Account(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, want, acct.Balance)
}

// driftingStore reports balances off by a fixed amount.
type driftingStore struct {
	*store.Memory
	drift int64
}

func (s driftingStore) Account(ctx context.Context, key loyalty.AccountKey) (loyalty.Account, error) {
	a, err := s.Memory.Account(ctx, key)
	a.Balance += s.drift
	return a, err
}

func (s driftingStore) Accounts(ctx context.Context, f loyalty.AccountFilter) ([]loyalty.Account, error) {
	as, err := s.Memory.Accounts(ctx, f)
	for i := range as {
		as[i].Balance += s.drift
	}
	return as, err
}
