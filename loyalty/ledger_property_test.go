package loyalty_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

// =============================================================================
// RANDOMIZED INVARIANTS
// =============================================================================

func TestLedger_RandomOperationsKeepInvariants(t *testing.T) {
	backends := map[string]func(t *testing.T) loyalty.TxStore{
		"memory": func(*testing.T) loyalty.TxStore { return store.NewMemory() },
		"sqlite": func(t *testing.T) loyalty.TxStore {
			s, err := sqlstore.OpenSQLite(":memory:", sqlstore.Options{})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range backends {
		for _, seed := range []int64{1, 7, 42, 2025} {
			t.Run(fmt.Sprintf("%s/seed=%d", name, seed), func(t *testing.T) {
				runRandomOperations(t, open(t), rand.New(rand.NewSource(seed)), 250)
			})
		}
	}
}

var errRollback = errors.New("rollback")

// runRandomOperations applies random credits, debits, adjustments and
// rolled-back transactions, keeping a model of the expected balances. After
// every step each account must match the model, be non-negative and equal
// the sum of its movements.
func runRandomOperations(t *testing.T, st loyalty.TxStore, rng *rand.Rand, steps int) {
	t.Helper()
	ctx := context.Background()
	clock := fixedNow
	l := loyalty.NewLedger(st).WithClock(func() time.Time { return clock })
	keys := []loyalty.AccountKey{
		alice,
		{UserID: "bob", CardID: "card-2"},
		{UserID: "bob", CardID: "card-3"},
	}
	model := make(map[loyalty.AccountKey]int64)

	for i := 0; i < steps; i++ {
		clock = clock.Add(time.Minute)
		key := keys[rng.Intn(len(keys))]
		// A small reference pool makes replays, and so duplicates, common.
		ref := fmt.Sprintf("ref-%d", rng.Intn(steps/4))
		points := 1 + rng.Int63n(150)

		var (
			delta int64
			err   error
		)
		switch rng.Intn(6) {
		case 0, 1:
			delta = points
			_, err = l.Credit(ctx, key, points, loyalty.KindAccrual, loyalty.Entry{RefID: ref})
		case 2:
			delta = -points
			_, err = l.Debit(ctx, key, points, loyalty.KindRedemption, loyalty.Entry{RefID: ref})
		case 3:
			delta = -points
			_, err = l.Debit(ctx, key, points, loyalty.KindExpiration, loyalty.Entry{BatchID: "random"})
		case 4:
			if rng.Intn(2) == 0 {
				points = -points
			}
			delta = points
			_, err = l.Adjust(ctx, key, points, "random correction", ref)
		case 5:
			err = st.WithTx(ctx, func(s loyalty.Store) error {
				if _, err := l.Bind(s).Credit(ctx, key, points, loyalty.KindAccrual, loyalty.Entry{}); err != nil {
					return err
				}
				return errRollback
			})
		}

		if err == nil {
			model[key] += delta
		} else {
			require.True(t, expectedFailure(err), "step %d: unexpected error %v", i, err)
		}

		for _, k := range keys {
			acct, err := l.Account(ctx, k)
			if loyalty.IsNotFound(err) {
				require.Zero(t, model[k], "step %d: %s missing", i, k)
				continue
			}
			require.NoError(t, err)
			require.GreaterOrEqual(t, acct.Balance, int64(0), "step %d: %s", i, k)
			require.Equal(t, model[k], acct.Balance, "step %d: %s", i, k)
			ok, err := l.Reconcile(ctx, k)
			require.NoError(t, err)
			require.True(t, ok, "step %d: %s does not reconcile", i, k)
		}
	}
}

func expectedFailure(err error) bool {
	return errors.Is(err, errRollback) ||
		errors.Is(err, loyalty.ErrInsufficientBalance) ||
		errors.Is(err, loyalty.ErrDuplicateMovement) ||
		errors.Is(err, loyalty.ErrIdempotentNoOp) ||
		loyalty.IsNotFound(err)
}
