/*
ledger.go - Credit, debit and integrity checks over the movement log

PURPOSE:
  The Ledger is the only component that writes movements. Workflows ask it
  to credit or debit an account; it validates the movement, stamps it and
  hands it to the store, which applies movement and balance atomically.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: movements are never updated or deleted
  2. NO NEGATIVE BALANCE: debits are all-or-nothing
  3. RECONCILABLE: balance == sum(movement.Points) for every account
  4. IDEMPOTENT: (kind, ref) is applied at most once

EXAMPLE FLOW:
  1. Purchase earns 120 points:      ACCRUAL    +120 (ref tx-1)
  2. Reward reserved at creation:    REDEMPTION -100 (ref redemption:red-9)
  3. Redemption denied:              REVERSAL   +100 (ref redemption:red-9)
  4. Yearly sweep:                   EXPIRATION -120 (batch 2025-12)

  Balance: 120 - 100 + 100 - 120 = 0

SEE ALSO:
  - store.go: persistence contract
  - accrual/, redemption/, expiration/: the callers
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry carries the optional attributes of a movement.
type Entry struct {
	RefID           string
	BatchID         string
	Note            string
	RuleApplied     string
	CampaignApplied string
	EventAt         time.Time // defaults to the ledger clock
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store MovementAccountStore
	now   func() time.Time
	newID func() string
}

// MovementAccountStore is the slice of Store the ledger needs.
type MovementAccountStore interface {
	MovementStore
	AccountStore
}

func NewLedger(store MovementAccountStore) *Ledger {
	return &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// WithClock returns a copy of the ledger stamping movements with now().
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	cp := *l
	cp.now = now
	return &cp
}

// Bind returns a copy of the ledger writing through s, typically the
// transaction-scoped store handed out by TxStore.WithTx.
func (l *Ledger) Bind(s MovementAccountStore) *Ledger {
	cp := *l
	cp.store = s
	return &cp
}

// Now returns the ledger clock reading.
func (l *Ledger) Now() time.Time { return l.now() }

// Credit adds points to the account, opening it on first use.
func (l *Ledger) Credit(ctx context.Context, account AccountKey, points int64, kind MovementKind, e Entry) (Movement, error) {
	if points <= 0 {
		return Movement{}, &MovementError{Kind: kind, Points: points, Reason: "credit amount must be positive"}
	}
	return l.apply(ctx, account, points, kind, e)
}

// Debit removes points from the account. It never debits partially: if the
// balance does not cover points the call fails with *InsufficientBalanceError.
func (l *Ledger) Debit(ctx context.Context, account AccountKey, points int64, kind MovementKind, e Entry) (Movement, error) {
	if points <= 0 {
		return Movement{}, &MovementError{Kind: kind, Points: points, Reason: "debit amount must be positive"}
	}
	return l.apply(ctx, account, -points, kind, e)
}

// Adjust records a manual correction. A non-empty jobID makes the adjustment
// idempotent: replaying it returns ErrIdempotentNoOp.
func (l *Ledger) Adjust(ctx context.Context, account AccountKey, points int64, note, jobID string) (Movement, error) {
	if note == "" {
		return Movement{}, Invalid("note", "adjustment note is required")
	}
	e := Entry{RefID: jobID, BatchID: jobID, Note: note}
	if jobID != "" {
		done, err := l.store.HasMovement(ctx, jobID, KindAdjustment)
		if err != nil {
			return Movement{}, err
		}
		if done {
			return Movement{}, ErrIdempotentNoOp
		}
	}

	var (
		m   Movement
		err error
	)
	switch {
	case points > 0:
		m, err = l.Credit(ctx, account, points, KindAdjustment, e)
	case points < 0:
		m, err = l.Debit(ctx, account, -points, KindAdjustment, e)
	default:
		return Movement{}, &MovementError{Kind: KindAdjustment, Reason: "zero amount"}
	}
	if errors.Is(err, ErrDuplicateMovement) {
		return Movement{}, ErrIdempotentNoOp
	}
	return m, err
}

func (l *Ledger) apply(ctx context.Context, account AccountKey, points int64, kind MovementKind, e Entry) (Movement, error) {
	m := Movement{
		ID:              l.newID(),
		Account:         account,
		Kind:            kind,
		Points:          points,
		RefID:           e.RefID,
		BatchID:         e.BatchID,
		Note:            e.Note,
		RuleApplied:     e.RuleApplied,
		CampaignApplied: e.CampaignApplied,
		CreatedAt:       l.now(),
		EventAt:         e.EventAt.UTC(),
	}
	if e.EventAt.IsZero() {
		m.EventAt = m.CreatedAt
	}
	if err := m.Validate(); err != nil {
		return Movement{}, err
	}
	if _, err := l.store.ApplyMovement(ctx, m); err != nil {
		return Movement{}, err
	}
	return m, nil
}

// HasMovementFor reports whether an effect tied to refID was already recorded.
func (l *Ledger) HasMovementFor(ctx context.Context, refID string, kind MovementKind) (bool, error) {
	if refID == "" {
		return false, nil
	}
	return l.store.HasMovement(ctx, refID, kind)
}

func (l *Ledger) Account(ctx context.Context, key AccountKey) (Account, error) {
	return l.store.Account(ctx, key)
}

func (l *Ledger) Movements(ctx context.Context, key AccountKey) ([]Movement, error) {
	return l.store.Movements(ctx, key)
}

// CloseAccount soft-closes the account. History stays; new movements are refused.
func (l *Ledger) CloseAccount(ctx context.Context, key AccountKey) error {
	return l.store.CloseAccount(ctx, key, l.now())
}

// =============================================================================
// INTEGRITY - For jobs, never hot paths
// =============================================================================

// Reconcile folds the account's movements and compares with the stored balance.
func (l *Ledger) Reconcile(ctx context.Context, key AccountKey) (bool, error) {
	d, err := l.discrepancy(ctx, key)
	if err != nil {
		return false, err
	}
	return d == nil, nil
}

// ReconcileAll checks every account, closed ones included.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]Discrepancy, error) {
	accounts, err := l.store.Accounts(ctx, AccountFilter{IncludeClosed: true})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var out []Discrepancy
	for _, a := range accounts {
		d, err := l.discrepancy(ctx, a.Key)
		if err != nil {
			return out, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (l *Ledger) discrepancy(ctx context.Context, key AccountKey) (*Discrepancy, error) {
	acct, err := l.store.Account(ctx, key)
	if err != nil {
		return nil, err
	}
	movements, err := l.store.Movements(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load movements for %s: %w", key, err)
	}
	var sum int64
	for _, m := range movements {
		sum += m.Points
	}
	if sum == acct.Balance {
		return nil, nil
	}
	return &Discrepancy{Account: key, Stored: acct.Balance, Computed: sum}, nil
}
