/*
store.go - Persistence contract for the ledger and its workflows

KEY INTERFACES:
  MovementStore:    append-only movements + atomic balance projection
  AccountStore:     account reads, soft close, expiring-soon buckets
  RewardStore:      reward catalog with conditional stock decrement
  RedemptionStore:  redemption requests
  TransactionStore: card transactions from the transaction source
  SweepRunStore:    expiration batch audit trail
  TxStore:          all of the above plus WithTx for multi-record atomicity

APPEND-ONLY CONTRACT:
  ApplyMovement is the ONLY way a balance changes. It inserts the movement
  and applies its signed amount in one atomic unit. There is no Update or
  Delete for movements.

IDEMPOTENCY:
  A movement with a non-empty RefID is unique per (Kind, RefID). A second
  insert fails with ErrDuplicateMovement and leaves the balance untouched,
  so a check-then-act race can never double-apply an effect.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: in-memory (tests, dev)
  - store/sqlstore: SQLite and PostgreSQL via sqlx
*/
package loyalty

import (
	"context"
	"time"
)

type MovementStore interface {
	// ApplyMovement persists m and adds m.Points to the account balance.
	// Credits open the account if needed. Debits fail with
	// *InsufficientBalanceError when balance+m.Points < 0, and with a
	// NotFoundError when the account does not exist.
	ApplyMovement(ctx context.Context, m Movement) (Account, error)

	HasMovement(ctx context.Context, refID string, kind MovementKind) (bool, error)
	MovementsByRef(ctx context.Context, refID string, kind MovementKind) ([]Movement, error)

	// Movements returns the account history in insertion order.
	Movements(ctx context.Context, account AccountKey) ([]Movement, error)

	// AccrualSum totals ACCRUAL points for the account whose OccurredAt
	// falls in [from, to).
	AccrualSum(ctx context.Context, account AccountKey, from, to time.Time) (int64, error)

	Accruals(ctx context.Context, filter AccrualFilter) ([]Movement, error)
}

type AccountStore interface {
	Account(ctx context.Context, key AccountKey) (Account, error)
	Accounts(ctx context.Context, filter AccountFilter) ([]Account, error)
	CloseAccount(ctx context.Context, key AccountKey, at time.Time) error
	SetExpiringBuckets(ctx context.Context, key AccountKey, buckets ExpiringBuckets) error

	// LockAccount holds off other writers of the account until the enclosing
	// WithTx ends, so a read-then-credit sequence sees no interleaved writes.
	// The account need not exist. Outside WithTx it is a no-op.
	LockAccount(ctx context.Context, key AccountKey) error
}

type RewardStore interface {
	Reward(ctx context.Context, id string) (Reward, error)
	Rewards(ctx context.Context, activeOnly bool) ([]Reward, error)
	SaveReward(ctx context.Context, r Reward) error

	// DecrementStock takes one unit if the reward is active and in stock,
	// deactivating it when stock reaches zero. Otherwise ErrRewardUnavailable.
	DecrementStock(ctx context.Context, id string) (Reward, error)

	// IncrementStock returns n units to stock without changing the active flag.
	IncrementStock(ctx context.Context, id string, n int64) (Reward, error)
}

type RedemptionStore interface {
	Redemption(ctx context.Context, id string) (Redemption, error)
	SaveRedemption(ctx context.Context, r Redemption) error

	// UpdateRedemption writes r only if the stored status is still from.
	// A lost race fails with *TransitionError carrying the current status.
	UpdateRedemption(ctx context.Context, r Redemption, from RedemptionStatus) error

	Redemptions(ctx context.Context, filter RedemptionFilter) ([]Redemption, error)
}

type TransactionStore interface {
	Transaction(ctx context.Context, id string) (CardTransaction, error)
	SaveTransaction(ctx context.Context, tx CardTransaction) error
	MarkProcessed(ctx context.Context, id string, points int64, at time.Time) error
}

type SweepRunStore interface {
	SaveSweepRun(ctx context.Context, run SweepRun) error
	SweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}

type Store interface {
	MovementStore
	AccountStore
	RewardStore
	RedemptionStore
	TransactionStore
	SweepRunStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
// Use it when several records must change together (redemption creation).
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
