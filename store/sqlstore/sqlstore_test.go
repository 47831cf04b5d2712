package sqlstore_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/accrual"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.OpenSQLite(":memory:", sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stores returns SQLite always, and PostgreSQL when LOYALTY_TEST_DATABASE_URL is set.
func stores(t *testing.T) map[string]func(t *testing.T) *sqlstore.Store {
	out := map[string]func(t *testing.T) *sqlstore.Store{"sqlite": newSQLite}
	if url := os.Getenv("LOYALTY_TEST_DATABASE_URL"); url != "" {
		out["postgres"] = func(t *testing.T) *sqlstore.Store {
			t.Helper()
			s, err := sqlstore.OpenPostgres(url, sqlstore.Options{})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return out
}

var (
	t0    = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	alice = loyalty.AccountKey{UserID: "alice", CardID: "card-1"}
)

// uniqueKey isolates tests sharing a PostgreSQL database.
func uniqueKey(prefix string) loyalty.AccountKey {
	return loyalty.AccountKey{UserID: prefix + "-" + uuid.NewString()[:8], CardID: "card-1"}
}

func movement(key loyalty.AccountKey, kind loyalty.MovementKind, points int64, ref string, at time.Time) loyalty.Movement {
	return loyalty.Movement{
		ID:        uuid.NewString(),
		Account:   key,
		Kind:      kind,
		Points:    points,
		RefID:     ref,
		CreatedAt: at,
	}
}

// =============================================================================
// MOVEMENTS AND BALANCE
// =============================================================================

func TestApplyMovement_CreditOpensAccount(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// GIVEN: An empty store
			s := open(t)
			ctx := context.Background()
			key := uniqueKey("credit")

			// WHEN: Crediting an unknown account
			acct, err := s.ApplyMovement(ctx, movement(key, loyalty.KindAccrual, 120, uuid.NewString(), t0))

			// THEN: The account exists with the credited balance
			require.NoError(t, err)
			assert.Equal(t, int64(120), acct.Balance)
			assert.Equal(t, key, acct.Key)

			ms, err := s.Movements(ctx, key)
			require.NoError(t, err)
			require.Len(t, ms, 1)
			assert.Equal(t, loyalty.KindAccrual, ms[0].Kind)
			assert.True(t, ms[0].CreatedAt.Equal(t0))
		})
	}
}

func TestApplyMovement_DebitRules(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			key := uniqueKey("debit")

			// Debit on a missing account
			_, err := s.ApplyMovement(ctx, movement(key, loyalty.KindRedemption, -10, "", t0))
			assert.True(t, loyalty.IsNotFound(err))

			_, err = s.ApplyMovement(ctx, movement(key, loyalty.KindAccrual, 50, uuid.NewString(), t0))
			require.NoError(t, err)

			// Overdraft is refused whole
			_, err = s.ApplyMovement(ctx, movement(key, loyalty.KindRedemption, -51, "", t0))
			var ibe *loyalty.InsufficientBalanceError
			require.ErrorAs(t, err, &ibe)
			assert.Equal(t, int64(50), ibe.Available)
			assert.Equal(t, int64(51), ibe.Requested)

			// Exact balance is fine
			acct, err := s.ApplyMovement(ctx, movement(key, loyalty.KindRedemption, -50, "", t0))
			require.NoError(t, err)
			assert.Equal(t, int64(0), acct.Balance)

			ms, err := s.Movements(ctx, key)
			require.NoError(t, err)
			assert.Len(t, ms, 2)
		})
	}
}

func TestApplyMovement_DuplicateRefRejected(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// GIVEN: An accrual for tx-1
			s := open(t)
			ctx := context.Background()
			key := uniqueKey("dup")
			ref := "tx-" + uuid.NewString()
			_, err := s.ApplyMovement(ctx, movement(key, loyalty.KindAccrual, 30, ref, t0))
			require.NoError(t, err)

			// WHEN: The same (kind, ref) is applied again
			_, err = s.ApplyMovement(ctx, movement(key, loyalty.KindAccrual, 30, ref, t0))

			// THEN: It is rejected and the balance is unchanged
			assert.ErrorIs(t, err, loyalty.ErrDuplicateMovement)
			acct, err := s.Account(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, int64(30), acct.Balance)

			// AND: The same ref under another kind is a different effect
			_, err = s.ApplyMovement(ctx, movement(key, loyalty.KindReversal, -30, ref, t0))
			require.NoError(t, err)

			has, err := s.HasMovement(ctx, ref, loyalty.KindReversal)
			require.NoError(t, err)
			assert.True(t, has)

			byRef, err := s.MovementsByRef(ctx, ref, loyalty.KindAccrual)
			require.NoError(t, err)
			assert.Len(t, byRef, 1)
		})
	}
}

func TestApplyMovement_EmptyRefNeverConflicts(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	_, err := s.ApplyMovement(ctx, movement(alice, loyalty.KindAccrual, 100, "tx-1", t0))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := s.ApplyMovement(ctx, movement(alice, loyalty.KindExpiration, -10, "", t0))
		require.NoError(t, err)
	}

	acct, err := s.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(80), acct.Balance)
}

func TestApplyMovement_ClosedAccountRefused(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	_, err := s.ApplyMovement(ctx, movement(alice, loyalty.KindAccrual, 100, "tx-1", t0))
	require.NoError(t, err)
	require.NoError(t, s.CloseAccount(ctx, alice, t0))

	_, err = s.ApplyMovement(ctx, movement(alice, loyalty.KindAccrual, 5, "tx-2", t0))
	assert.ErrorIs(t, err, loyalty.ErrAccountClosed)
	_, err = s.ApplyMovement(ctx, movement(alice, loyalty.KindRedemption, -5, "", t0))
	assert.ErrorIs(t, err, loyalty.ErrAccountClosed)

	open, err := s.Accounts(ctx, loyalty.AccountFilter{})
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := s.Accounts(ctx, loyalty.AccountFilter{IncludeClosed: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsClosed())
	assert.Equal(t, int64(100), all[0].Balance)
}

func TestApplyMovement_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	// GIVEN: 100 points
	s := newSQLite(t)
	ctx := context.Background()
	_, err := s.ApplyMovement(ctx, movement(alice, loyalty.KindAccrual, 100, "tx-1", t0))
	require.NoError(t, err)

	// WHEN: 10 goroutines each try to take 30
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyMovement(ctx, movement(alice, loyalty.KindRedemption, -30, "", t0))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, loyalty.ErrInsufficientBalance), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	// THEN: Exactly three succeed and 10 points remain
	assert.Equal(t, 3, ok)
	acct, err := s.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)
}

func TestAccrualQueries(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	bob := loyalty.AccountKey{UserID: "bob", CardID: "card-9"}

	feb := time.Date(2025, time.February, 20, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2025, time.March, 5, 0, 0, 0, 0, time.UTC)
	apr := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

	for _, m := range []loyalty.Movement{
		movement(alice, loyalty.KindAccrual, 10, "a1", feb),
		movement(alice, loyalty.KindAccrual, 20, "a2", mar),
		movement(alice, loyalty.KindAccrual, 40, "a3", apr),
		movement(bob, loyalty.KindAccrual, 5, "b1", mar),
	} {
		_, err := s.ApplyMovement(ctx, m)
		require.NoError(t, err)
	}
	_, err := s.ApplyMovement(ctx, movement(alice, loyalty.KindRedemption, -5, "", mar))
	require.NoError(t, err)

	sum, err := s.AccrualSum(ctx, alice, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), apr)
	require.NoError(t, err)
	assert.Equal(t, int64(20), sum)

	before, err := s.Accruals(ctx, loyalty.AccrualFilter{Before: apr})
	require.NoError(t, err)
	require.Len(t, before, 3)
	assert.Equal(t, "a1", before[0].RefID)

	mine, err := s.Accruals(ctx, loyalty.AccrualFilter{Account: &alice})
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	byUser, err := s.Accruals(ctx, loyalty.AccrualFilter{UserID: "bob"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "b1", byUser[0].RefID)

	positive, err := s.Accounts(ctx, loyalty.AccountFilter{PositiveOnly: true, UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, positive, 1)
	assert.Equal(t, int64(65), positive[0].Balance)
}

func TestSetExpiringBuckets(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	err := s.SetExpiringBuckets(ctx, alice, loyalty.ExpiringBuckets{Within30: 1})
	assert.True(t, loyalty.IsNotFound(err))

	_, err = s.ApplyMovement(ctx, movement(alice, loyalty.KindAccrual, 100, "tx-1", t0))
	require.NoError(t, err)
	want := loyalty.ExpiringBuckets{Within30: 10, Within60: 30, Within90: 60}
	require.NoError(t, s.SetExpiringBuckets(ctx, alice, want))

	acct, err := s.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, want, acct.Expiring)
}

// =============================================================================
// TRANSACTIONS (WithTx)
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: An account with 100 points and a stocked reward
	s := newSQLite(t)
	ctx := context.Background()
	_, err := s.ApplyMovement(ctx, movement(alice, loyalty.KindAccrual, 100, "tx-1", t0))
	require.NoError(t, err)
	require.NoError(t, s.SaveReward(ctx, loyalty.Reward{
		ID: "rw-1", Name: "Mug", CostPoints: 40, Stock: 2, Active: true, CreatedAt: t0, UpdatedAt: t0,
	}))

	// WHEN: A transaction debits, takes stock, then fails
	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx loyalty.Store) error {
		if _, err := tx.ApplyMovement(ctx, movement(alice, loyalty.KindRedemption, -40, "red-1", t0)); err != nil {
			return err
		}
		if _, err := tx.DecrementStock(ctx, "rw-1"); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing was written
	assert.ErrorIs(t, err, boom)
	acct, err := s.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	rw, err := s.Reward(ctx, "rw-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rw.Stock)
	has, err := s.HasMovement(ctx, "red-1", loyalty.KindRedemption)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWithTx_Commits(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx loyalty.Store) error {
		_, err := tx.ApplyMovement(ctx, movement(alice, loyalty.KindAccrual, 70, "tx-1", t0))
		return err
	})
	require.NoError(t, err)

	acct, err := s.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(70), acct.Balance)
}

// =============================================================================
// REWARDS AND REDEMPTIONS
// =============================================================================

func TestRewardStock(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.SaveReward(ctx, loyalty.Reward{
		ID: "rw-1", Name: "Mug", CostPoints: 40, Stock: 1, Active: true, CreatedAt: t0, UpdatedAt: t0,
	}))

	// Last unit deactivates the reward
	rw, err := s.DecrementStock(ctx, "rw-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rw.Stock)
	assert.False(t, rw.Active)

	_, err = s.DecrementStock(ctx, "rw-1")
	assert.ErrorIs(t, err, loyalty.ErrRewardUnavailable)

	_, err = s.DecrementStock(ctx, "missing")
	assert.True(t, loyalty.IsNotFound(err))

	// Returned stock does not reactivate
	rw, err = s.IncrementStock(ctx, "rw-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rw.Stock)
	assert.False(t, rw.Active)

	active, err := s.Rewards(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := s.Rewards(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRedemptions_SaveAndFilter(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.SaveReward(ctx, loyalty.Reward{
		ID: "rw-1", Name: "Mug", CostPoints: 40, Stock: 5, Active: true, CreatedAt: t0, UpdatedAt: t0,
	}))

	r1 := loyalty.Redemption{
		ID: "r1", Account: alice, RewardID: "rw-1", Points: 40, Status: loyalty.RedemptionPending,
		TrackingCode: "RDM-AAAA", CreatedAt: t0, UpdatedAt: t0,
	}
	r2 := r1
	r2.ID, r2.TrackingCode, r2.CreatedAt = "r2", "RDM-BBBB", t0.Add(time.Hour)
	require.NoError(t, s.SaveRedemption(ctx, r1))
	require.NoError(t, s.SaveRedemption(ctx, r2))

	// Transition r1
	approved := t0.Add(2 * time.Hour)
	r1.Status, r1.ApprovedAt, r1.Partner, r1.UpdatedAt = loyalty.RedemptionApproved, &approved, "acme", approved
	require.NoError(t, s.SaveRedemption(ctx, r1))

	got, err := s.Redemption(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.RedemptionApproved, got.Status)
	assert.Equal(t, "acme", got.Partner)
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, got.ApprovedAt.Equal(approved))

	list, err := s.Redemptions(ctx, loyalty.RedemptionFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].ID, "newest first")

	pending, err := s.Redemptions(ctx, loyalty.RedemptionFilter{Status: loyalty.RedemptionPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].ID)

	_, err = s.Redemption(ctx, "nope")
	assert.True(t, loyalty.IsNotFound(err))
}

func TestUpdateRedemption_CompareAndSet(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// GIVEN: A pending redemption
			s := open(t)
			ctx := context.Background()
			rewardID := "rw-" + uuid.NewString()
			require.NoError(t, s.SaveReward(ctx, loyalty.Reward{
				ID: rewardID, Name: "Mug", CostPoints: 40, Stock: 5, Active: true, CreatedAt: t0, UpdatedAt: t0,
			}))
			r := loyalty.Redemption{
				ID: "r-" + uuid.NewString(), Account: alice, RewardID: rewardID, Points: 40,
				Status: loyalty.RedemptionPending, TrackingCode: "RDM-CCCC", CreatedAt: t0, UpdatedAt: t0,
			}
			require.NoError(t, s.SaveRedemption(ctx, r))

			// WHEN: Approving from PENDING, then denying from the same stale PENDING
			approved := r
			at := t0.Add(time.Hour)
			approved.Status, approved.ApprovedAt, approved.UpdatedAt = loyalty.RedemptionApproved, &at, at
			require.NoError(t, s.UpdateRedemption(ctx, approved, loyalty.RedemptionPending))

			denied := r
			denied.Status, denied.DenialReason, denied.DeniedAt, denied.UpdatedAt = loyalty.RedemptionDenied, "late", &at, at
			err := s.UpdateRedemption(ctx, denied, loyalty.RedemptionPending)

			// THEN: The second write is refused with the status that won
			var te *loyalty.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, loyalty.RedemptionApproved, te.From)
			assert.Equal(t, loyalty.RedemptionDenied, te.To)

			got, err := s.Redemption(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, loyalty.RedemptionApproved, got.Status)
			assert.Empty(t, got.DenialReason)

			missing := r
			missing.ID = "r-missing-" + uuid.NewString()
			assert.True(t, loyalty.IsNotFound(s.UpdateRedemption(ctx, missing, loyalty.RedemptionPending)))
		})
	}
}

func TestWorkflow_ConcurrentApproveAndDeny(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// GIVEN: 1000 points and a pending 500-point redemption
			s := open(t)
			ctx := context.Background()
			key := uniqueKey("race")
			ledger := loyalty.NewLedger(s)
			_, err := ledger.Credit(ctx, key, 1000, loyalty.KindAccrual, loyalty.Entry{RefID: "seed-" + uuid.NewString()})
			require.NoError(t, err)
			rewardID := "rw-" + uuid.NewString()
			require.NoError(t, s.SaveReward(ctx, loyalty.Reward{
				ID: rewardID, Name: "Voucher", CostPoints: 500, Stock: 5, Active: true, CreatedAt: t0, UpdatedAt: t0,
			}))
			wf := redemption.NewWorkflow(s, ledger, nil)
			r, err := wf.Create(ctx, redemption.Request{Account: key, RewardID: rewardID})
			require.NoError(t, err)

			// WHEN: Approvals and denials race
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, _ = wf.Approve(ctx, r.ID, "")
				}()
				go func() {
					defer wg.Done()
					_, _ = wf.Deny(ctx, r.ID, "race")
				}()
			}
			wg.Wait()

			// THEN: One outcome wins and the ledger agrees with it
			got, err := wf.Get(ctx, r.ID)
			require.NoError(t, err)
			acct, err := s.Account(ctx, key)
			require.NoError(t, err)
			switch got.Status {
			case loyalty.RedemptionApproved:
				assert.Equal(t, int64(500), acct.Balance)
			case loyalty.RedemptionDenied:
				assert.Equal(t, int64(1000), acct.Balance)
			default:
				t.Fatalf("unexpected status %s", got.Status)
			}
			ok, err := ledger.Reconcile(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

// =============================================================================
// CARD TRANSACTIONS AND SWEEP RUNS
// =============================================================================

func TestTransactions(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	tx := loyalty.CardTransaction{
		ID:       "tx-1",
		Account:  alice,
		Amount:   decimal.RequireFromString("10.50"),
		Currency: "EUR",
		MCC:      "5411",
		Status:   loyalty.TxApproved,
		EventAt:  t0,
	}
	require.NoError(t, s.SaveTransaction(ctx, tx))
	require.NoError(t, s.MarkProcessed(ctx, "tx-1", 10, t0.Add(time.Minute)))

	// Re-ingest keeps processing state
	tx.Status = loyalty.TxReversed
	require.NoError(t, s.SaveTransaction(ctx, tx))

	got, err := s.Transaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, loyalty.TxReversed, got.Status)
	assert.Equal(t, int64(10), got.PointsGenerated)
	require.NotNil(t, got.ProcessedAt)

	assert.True(t, loyalty.IsNotFound(s.MarkProcessed(ctx, "tx-404", 1, t0)))
}

func TestSweepRuns(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	run := loyalty.SweepRun{
		ID: "run-1", BatchID: "aged-2025-03-10", Mode: loyalty.SweepAged,
		AsOf: t0, Status: "running", StartedAt: t0,
	}
	require.NoError(t, s.SaveSweepRun(ctx, run))
	done := t0.Add(time.Minute)
	run.Status, run.Accounts, run.Points, run.CompletedAt = "completed", 2, 150, &done
	require.NoError(t, s.SaveSweepRun(ctx, run))
	require.NoError(t, s.SaveSweepRun(ctx, loyalty.SweepRun{
		ID: "run-2", BatchID: "b", Mode: loyalty.SweepFlat, AsOf: t0, Status: "completed", StartedAt: t0.Add(time.Hour),
	}))

	runs, err := s.SweepRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, int64(150), runs[1].Points)
	assert.Equal(t, "completed", runs[1].Status)

	limited, err := s.SweepRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAccrualSum_CountsByEventTime(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// GIVEN: A March purchase recorded in April, and an April purchase
			s := open(t)
			ctx := context.Background()
			key := uniqueKey("event")
			mar := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
			apr := mar.AddDate(0, 1, 0)

			late := movement(key, loyalty.KindAccrual, 30, "ev-"+uuid.NewString(), apr.Add(time.Hour))
			late.EventAt = mar.Add(time.Hour)
			onTime := movement(key, loyalty.KindAccrual, 7, "ev-"+uuid.NewString(), apr.Add(2*time.Hour))
			for _, m := range []loyalty.Movement{late, onTime} {
				_, err := s.ApplyMovement(ctx, m)
				require.NoError(t, err)
			}

			// WHEN: Summing March and April
			inMar, err := s.AccrualSum(ctx, key, mar, apr)
			require.NoError(t, err)
			inApr, err := s.AccrualSum(ctx, key, apr, apr.AddDate(0, 1, 0))
			require.NoError(t, err)

			// THEN: Each accrual counts in the month it happened
			assert.Equal(t, int64(30), inMar)
			assert.Equal(t, int64(7), inApr)
			ms, err := s.Movements(ctx, key)
			require.NoError(t, err)
			require.Len(t, ms, 2)
			assert.True(t, ms[0].EventAt.Equal(late.EventAt))
			assert.True(t, ms[1].EventAt.Equal(onTime.CreatedAt), "event time defaults to creation time")
		})
	}
}

func TestAccrue_ConcurrentMonthlyCap(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// GIVEN: A rule capped at 100 points a month and eight 40-point purchases
			s := open(t)
			ctx := context.Background()
			key := uniqueKey("cap")
			category := "cap-" + uuid.NewString()[:8]
			monthlyCap := int64(100)
			require.NoError(t, s.SaveRule(ctx, &rules.ConversionRule{
				Name:       "capped",
				Multiplier: decimal.NewFromInt(1),
				Category:   category,
				Window:     rules.Window{Start: t0.AddDate(0, -1, 0)},
				Priority:   1000,
				MonthlyCap: &monthlyCap,
				Active:     true,
				CreatedAt:  t0,
				UpdatedAt:  t0,
			}))
			proc := accrual.NewProcessor(s, loyalty.NewLedger(s),
				rules.NewSelector(rules.RepositorySource{Repo: s}), nil)

			ids := make([]string, 8)
			for i := range ids {
				ids[i] = "cap-" + uuid.NewString()
				require.NoError(t, proc.Ingest(ctx, loyalty.CardTransaction{
					ID:       ids[i],
					Account:  key,
					Amount:   decimal.NewFromInt(40),
					Currency: "EUR",
					MCC:      "5411",
					Category: category,
					Status:   loyalty.TxApproved,
					EventAt:  t0.Add(time.Duration(i) * time.Minute),
				}))
			}

			// WHEN: Accruing them concurrently
			var (
				wg    sync.WaitGroup
				mu    sync.Mutex
				total int64
			)
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					p, err := proc.Accrue(ctx, id)
					assert.NoError(t, err)
					mu.Lock()
					total += p
					mu.Unlock()
				}(id)
			}
			wg.Wait()

			// THEN: The month never goes past the cap
			assert.Equal(t, int64(100), total)
			acct, err := s.Account(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, int64(100), acct.Balance)
		})
	}
}

// =============================================================================
// CATALOG REPOSITORY
// =============================================================================

func TestRulesRepository(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	capped := int64(500)

	r := rules.ConversionRule{
		Name:       "groceries",
		Multiplier: decimal.RequireFromString("1.5"),
		MCCPattern: "54[0-9]{2}",
		Window:     rules.Window{Start: t0},
		Priority:   3,
		MonthlyCap: &capped,
		Active:     true,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	require.NoError(t, s.SaveRule(ctx, &r))
	require.NotZero(t, r.ID)

	got, err := s.Rule(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Multiplier.Equal(decimal.RequireFromString("1.5")))
	require.NotNil(t, got.MonthlyCap)
	assert.Equal(t, int64(500), *got.MonthlyCap)
	assert.Nil(t, got.Window.End)

	end := t0.AddDate(0, 1, 0)
	r.Active, r.Window.End = false, &end
	require.NoError(t, s.SaveRule(ctx, &r))

	all, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)
	require.NotNil(t, all[0].Window.End)
	assert.True(t, all[0].Window.End.Equal(end))

	missing := rules.ConversionRule{ID: 999, Name: "x", Multiplier: decimal.NewFromInt(1), Window: rules.Window{Start: t0}}
	assert.True(t, loyalty.IsNotFound(s.SaveRule(ctx, &missing)))
	_, err = s.Rule(ctx, 999)
	assert.True(t, loyalty.IsNotFound(err))
}

func TestCampaignsRepository(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	c := rules.BonusCampaign{
		Name:            "double-weekend",
		ExtraMultiplier: decimal.RequireFromString("1"),
		Segment:         "gold",
		Window:          rules.Window{Start: t0},
		Active:          true,
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
	require.NoError(t, s.SaveCampaign(ctx, &c))
	require.NotZero(t, c.ID)

	got, err := s.Campaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "gold", got.Segment)
	assert.Nil(t, got.Cap)

	list, err := s.ListCampaigns(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
