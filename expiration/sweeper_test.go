package expiration_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/events"
	"github.com/warp/loyalty-engine/expiration"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// FLAT SWEEP
// =============================================================================

func TestSweep_PerAccountCap(t *testing.T) {
	// GIVEN: alice holds 300 points, bob 50
	ctx := context.Background()
	mem, sw, rec := newSweeper()
	creditAt(t, mem, alice, 300, "tx-a", asOf)
	creditAt(t, mem, bob, 50, "tx-b", asOf)
	limit := int64(100)

	// WHEN: Running the same capped batch twice
	first, err := sw.WithWorkers(4).Sweep(ctx, asOf, "2025-Q1", &limit)
	require.NoError(t, err)
	second, err := sw.WithWorkers(4).Sweep(ctx, asOf, "2025-Q1", &limit)
	require.NoError(t, err)

	// THEN: Each run expires up to the cap, never below zero
	assert.Equal(t, expiration.Result{BatchID: "2025-Q1", Accounts: 2, Points: 150}, first)
	assert.Equal(t, expiration.Result{BatchID: "2025-Q1", Accounts: 1, Points: 100}, second)
	assert.Equal(t, int64(100), balance(t, mem, alice))
	assert.Equal(t, int64(0), balance(t, mem, bob))
	assert.Len(t, rec.OfType(events.PointsExpired), 3)

	ms, err := mem.Movements(ctx, alice)
	require.NoError(t, err)
	last := ms[len(ms)-1]
	assert.Equal(t, loyalty.KindExpiration, last.Kind)
	assert.Equal(t, int64(-100), last.Points)
	assert.Equal(t, "2025-Q1", last.BatchID)
}

func TestSweep_Uncapped(t *testing.T) {
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	creditAt(t, mem, alice, 120, "tx-a", asOf)

	res, err := sw.Sweep(ctx, asOf, "2025-12", nil)

	require.NoError(t, err)
	assert.Equal(t, int64(120), res.Points)
	assert.Equal(t, int64(0), balance(t, mem, alice))
}

func TestSweep_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	_, sw, _ := newSweeper()
	zero := int64(0)

	_, err := sw.Sweep(ctx, asOf, "", nil)
	assert.ErrorIs(t, err, loyalty.ErrValidation)

	_, err = sw.Sweep(ctx, asOf, "b-1", &zero)
	var ve *loyalty.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "per_account_cap")
}

// =============================================================================
// AGE-BASED SWEEP
// =============================================================================

func TestSweepAged_OnlyOldAccrualsOnce(t *testing.T) {
	// GIVEN: One accrual older than twelve months and one younger
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	old := creditAt(t, mem, alice, 100, "tx-old", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	creditAt(t, mem, alice, 50, "tx-new", time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	params := expiration.AgedParams{AsOf: asOf, BatchID: "aged-1"}

	// WHEN: Sweeping twice
	first, err := sw.SweepAged(ctx, params)
	require.NoError(t, err)
	params.BatchID = "aged-2"
	second, err := sw.SweepAged(ctx, params)
	require.NoError(t, err)

	// THEN: Only the old accrual expires, and only once
	assert.Equal(t, int64(100), first.Points)
	assert.Equal(t, 1, first.Accounts)
	assert.Equal(t, int64(0), second.Points)
	assert.Equal(t, int64(50), balance(t, mem, alice))

	ms, err := mem.MovementsByRef(ctx, old.ID, loyalty.KindExpiration)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "aged-1", ms[0].BatchID)
}

func TestSweepAged_CutoffIsExclusive(t *testing.T) {
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	params := expiration.AgedParams{AsOf: asOf, BatchID: "aged-1", RetentionMonths: 6}
	creditAt(t, mem, alice, 10, "tx-edge", params.Cutoff())

	res, err := sw.SweepAged(ctx, params)

	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Points)
	assert.Equal(t, int64(10), balance(t, mem, alice))
}

func TestSweepAged_CappedByBalance(t *testing.T) {
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	creditAt(t, mem, alice, 100, "tx-old", time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC))
	_, err := loyalty.NewLedger(mem).Debit(ctx, alice, 80, loyalty.KindRedemption, loyalty.Entry{RefID: "red-1"})
	require.NoError(t, err)

	res, err := sw.SweepAged(ctx, expiration.AgedParams{AsOf: asOf, BatchID: "aged-1"})

	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Points)
	assert.Equal(t, int64(0), balance(t, mem, alice))
}

func TestSweepAged_SkipsReversedTransactions(t *testing.T) {
	// GIVEN: Two old accruals, the first one's transaction reversed
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	reversed := creditAt(t, mem, alice, 100, "tx-a", time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC))
	kept := creditAt(t, mem, alice, 70, "tx-b", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	_, err := loyalty.NewLedger(mem).Debit(ctx, alice, 100, loyalty.KindReversal, loyalty.Entry{RefID: "tx-a"})
	require.NoError(t, err)

	// WHEN: Sweeping
	res, err := sw.SweepAged(ctx, expiration.AgedParams{AsOf: asOf, BatchID: "aged-1"})

	// THEN: Only the surviving accrual is referenced by an expiration
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Points)
	ms, err := mem.MovementsByRef(ctx, reversed.ID, loyalty.KindExpiration)
	require.NoError(t, err)
	assert.Empty(t, ms)
	ms, err = mem.MovementsByRef(ctx, kept.ID, loyalty.KindExpiration)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestSweepAged_SingleAccount(t *testing.T) {
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	oldAt := time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC)
	creditAt(t, mem, alice, 100, "tx-a", oldAt)
	creditAt(t, mem, bob, 40, "tx-b", oldAt)

	res, err := sw.SweepAged(ctx, expiration.AgedParams{AsOf: asOf, BatchID: "aged-1", Account: &bob})

	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Points)
	assert.Equal(t, int64(100), balance(t, mem, alice))
}

func TestSweepAged_SpentPointsNeverExpire(t *testing.T) {
	// GIVEN: An old accrual fully redeemed, then a fresh accrual
	ctx := context.Background()
	mem, sw, rec := newSweeper()
	creditAt(t, mem, alice, 100, "tx-old", time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC))
	movementAt(t, mem, alice, -100, loyalty.KindRedemption, "red-1", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	creditAt(t, mem, alice, 100, "tx-new", time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC))

	// WHEN: Sweeping
	res, err := sw.SweepAged(ctx, expiration.AgedParams{AsOf: asOf, BatchID: "aged-1"})

	// THEN: The redemption already consumed the old points; the fresh ones stay
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Points)
	assert.Equal(t, 0, res.Accounts)
	assert.Equal(t, int64(100), balance(t, mem, alice))
	assert.Empty(t, rec.OfType(events.PointsExpired))
}

func TestSweepAged_SpendingDrawsOldestFirst(t *testing.T) {
	// GIVEN: Two old accruals of 100 and 150 points spent in total
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	first := creditAt(t, mem, alice, 100, "tx-a", time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC))
	second := creditAt(t, mem, alice, 100, "tx-b", time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC))
	movementAt(t, mem, alice, -150, loyalty.KindRedemption, "red-1", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	creditAt(t, mem, alice, 30, "tx-c", time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC))

	// WHEN: Sweeping twice
	res, err := sw.SweepAged(ctx, expiration.AgedParams{AsOf: asOf, BatchID: "aged-1"})
	require.NoError(t, err)
	again, err := sw.SweepAged(ctx, expiration.AgedParams{AsOf: asOf, BatchID: "aged-2"})
	require.NoError(t, err)

	// THEN: Only what is left of the second accrual expires, once
	assert.Equal(t, int64(50), res.Points)
	assert.Equal(t, int64(0), again.Points)
	assert.Equal(t, int64(30), balance(t, mem, alice))
	ms, err := mem.MovementsByRef(ctx, first.ID, loyalty.KindExpiration)
	require.NoError(t, err)
	assert.Empty(t, ms)
	ms, err = mem.MovementsByRef(ctx, second.ID, loyalty.KindExpiration)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, int64(-50), ms[0].Points)
}

func TestSweepAged_RefundRestoresOriginalAccrual(t *testing.T) {
	// GIVEN: Old points reserved for a reward, then refunded when it was denied
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	creditAt(t, mem, alice, 100, "tx-old", time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC))
	movementAt(t, mem, alice, -60, loyalty.KindRedemption, "red-1", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	movementAt(t, mem, alice, 60, loyalty.KindReversal, "red-1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	creditAt(t, mem, alice, 50, "tx-new", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))

	// WHEN: Sweeping
	res, err := sw.SweepAged(ctx, expiration.AgedParams{AsOf: asOf, BatchID: "aged-1"})

	// THEN: The refunded points age with the accrual they came from
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Points)
	assert.Equal(t, int64(50), balance(t, mem, alice))
}

func TestSweepAged_EventCarriesDebitTime(t *testing.T) {
	// GIVEN: Two old accruals on one account
	ctx := context.Background()
	mem, sw, rec := newSweeper()
	creditAt(t, mem, alice, 10, "tx-a", time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC))
	second := creditAt(t, mem, alice, 20, "tx-b", time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC))

	// WHEN: Sweeping
	_, err := sw.SweepAged(ctx, expiration.AgedParams{AsOf: asOf, BatchID: "aged-1"})
	require.NoError(t, err)

	// THEN: One event for the account, stamped with its last expiration
	got := rec.OfType(events.PointsExpired)
	require.Len(t, got, 1)
	assert.Equal(t, int64(30), got[0].Points)
	ms, err := mem.MovementsByRef(ctx, second.ID, loyalty.KindExpiration)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, ms[0].CreatedAt, got[0].At)
}

// =============================================================================
// EXPIRING-SOON BUCKETS
// =============================================================================

func TestRefreshExpiringBuckets(t *testing.T) {
	// GIVEN: Accruals expiring in 10, 45 and 80 days plus a recent one
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	creditAt(t, mem, alice, 40, "tx-10d", now.AddDate(-1, 0, 10))
	creditAt(t, mem, alice, 30, "tx-45d", now.AddDate(-1, 0, 45))
	creditAt(t, mem, alice, 20, "tx-80d", now.AddDate(-1, 0, 80))
	creditAt(t, mem, alice, 100, "tx-recent", now.AddDate(0, -1, 0))

	// WHEN: Refreshing twice
	first, err := sw.RefreshExpiringBuckets(ctx, now, 12)
	require.NoError(t, err)
	second, err := sw.RefreshExpiringBuckets(ctx, now, 12)
	require.NoError(t, err)

	// THEN: Buckets are cumulative and unchanged buckets are not rewritten
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	acct, err := mem.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ExpiringBuckets{Within30: 40, Within60: 70, Within90: 90}, acct.Expiring)
}

func TestRefreshExpiringBuckets_CappedByBalance(t *testing.T) {
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	creditAt(t, mem, alice, 40, "tx-10d", now.AddDate(-1, 0, 10))
	_, err := loyalty.NewLedger(mem).Debit(ctx, alice, 25, loyalty.KindRedemption, loyalty.Entry{RefID: "red-1"})
	require.NoError(t, err)

	_, err = sw.RefreshExpiringBuckets(ctx, now, 12)
	require.NoError(t, err)

	acct, err := mem.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ExpiringBuckets{Within30: 15, Within60: 15, Within90: 15}, acct.Expiring)
}

func TestRefreshExpiringBuckets_SpendingDrawsOldestFirst(t *testing.T) {
	// GIVEN: 40 points expiring in 10 days, 30 in 45 days, 25 of them spent
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	creditAt(t, mem, alice, 40, "tx-10d", now.AddDate(-1, 0, 10))
	creditAt(t, mem, alice, 30, "tx-45d", now.AddDate(-1, 0, 45))
	movementAt(t, mem, alice, -25, loyalty.KindRedemption, "red-1", now.AddDate(0, -1, 0))

	_, err := sw.RefreshExpiringBuckets(ctx, now, 12)
	require.NoError(t, err)

	// THEN: The spend comes out of the soonest-expiring accrual
	acct, err := mem.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ExpiringBuckets{Within30: 15, Within60: 45, Within90: 45}, acct.Expiring)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RunNowRecordsRun(t *testing.T) {
	ctx := context.Background()
	mem, sw, _ := newSweeper()
	creditAt(t, mem, alice, 100, "tx-old", time.Now().UTC().AddDate(-2, 0, 0))
	sched := expiration.NewScheduler(sw, mem, expiration.SchedulerConfig{RetentionMonths: 12})

	run, err := sched.RunNow(ctx)

	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, loyalty.SweepAged, run.Mode)
	assert.Equal(t, int64(100), run.Points)
	assert.Equal(t, expiration.BatchID(run.AsOf), run.BatchID)

	runs, err := mem.SweepRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	mem, sw, _ := newSweeper()
	sched := expiration.NewScheduler(sw, mem, expiration.SchedulerConfig{Interval: time.Millisecond})

	sched.Start()
	sched.Stop()

	runs, err := mem.SweepRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	res := expiration.Result{BatchID: "b-1", Accounts: 2, Points: 30}

	run := expiration.RecordRun(ctx, mem, loyalty.SweepFlat, asOf, asOf, res, nil)

	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, int64(30), run.Points)
	runs, err := mem.SweepRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	alice = loyalty.AccountKey{UserID: "alice", CardID: "card-1"}
	bob   = loyalty.AccountKey{UserID: "bob", CardID: "card-9"}
	asOf  = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
)

func newSweeper() (*store.Memory, *expiration.Sweeper, *events.Recorder) {
	mem := store.NewMemory()
	rec := &events.Recorder{}
	sw := expiration.NewSweeper(mem, loyalty.NewLedger(mem), events.NewPublisher(rec, zerolog.Nop()))
	return mem, sw, rec
}

// creditAt records an accrual as if it happened at the given time.
func creditAt(t *testing.T, mem *store.Memory, key loyalty.AccountKey, points int64, ref string, at time.Time) loyalty.Movement {
	t.Helper()
	l := loyalty.NewLedger(mem).WithClock(func() time.Time { return at })
	m, err := l.Credit(context.Background(), key, points, loyalty.KindAccrual, loyalty.Entry{RefID: ref})
	require.NoError(t, err)
	return m
}

// movementAt records a non-accrual movement as if it happened at the given time.
func movementAt(t *testing.T, mem *store.Memory, key loyalty.AccountKey, points int64, kind loyalty.MovementKind, ref string, at time.Time) {
	t.Helper()
	l := loyalty.NewLedger(mem).WithClock(func() time.Time { return at })
	var err error
	if points > 0 {
		_, err = l.Credit(context.Background(), key, points, kind, loyalty.Entry{RefID: ref})
	} else {
		_, err = l.Debit(context.Background(), key, -points, kind, loyalty.Entry{RefID: ref})
	}
	require.NoError(t, err)
}

func balance(t *testing.T, mem *store.Memory, key loyalty.AccountKey) int64 {
	t.Helper()
	acct, err := mem.Account(context.Background(), key)
	require.NoError(t, err)
	return acct.Balance
}
