/*
Package loyalty provides the points ledger at the core of the loyalty engine.

PURPOSE:
  Points are earned by card transactions, held in per-user/per-card accounts,
  spent on catalog rewards and aged out by the expiration sweep. Every one of
  those effects is recorded here as an immutable Movement, and the account
  balance is a projection that must always equal the signed sum of its
  movements.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountKey: user+card pair identifying an account
  - Account: current balance plus the expiring-soon buckets
  - MovementKind: tagged variant carrying the sign rule for each kind
  - Movement: append-only ledger record

DESIGN PRINCIPLES:
  1. Immutability: movements are never modified, only compensated
  2. Integer points: balances and movements are whole points (int64)
  3. Idempotency: (kind, ref) identifies an effect; the store refuses duplicates
  4. Soft close: accounts are closed, never deleted, so history survives

SEE ALSO:
  - ledger.go: credit/debit/adjust/reconcile
  - store.go: persistence contract
  - errors.go: error taxonomy
*/
package loyalty

import (
	"fmt"
	"time"
)

// =============================================================================
// ACCOUNT
// =============================================================================

// AccountKey identifies a points account. A user holds one account per card.
type AccountKey struct {
	UserID string `json:"user_id" validate:"required"`
	CardID string `json:"card_id" validate:"required"`
}

func (k AccountKey) String() string { return k.UserID + "/" + k.CardID }

// IsZero reports whether the key is unset.
func (k AccountKey) IsZero() bool { return k.UserID == "" && k.CardID == "" }

// ExpiringBuckets holds points that age out within 30, 60 and 90 days.
// Buckets are cumulative: Within60 includes Within30.
type ExpiringBuckets struct {
	Within30 int64 `json:"within_30"`
	Within60 int64 `json:"within_60"`
	Within90 int64 `json:"within_90"`
}

type Account struct {
	Key       AccountKey      `json:"account"`
	Balance   int64           `json:"balance"`
	Expiring  ExpiringBuckets `json:"expiring"`
	UpdatedAt time.Time       `json:"updated_at"`
	ClosedAt  *time.Time      `json:"closed_at,omitempty"`
}

func (a Account) IsClosed() bool { return a.ClosedAt != nil }

// =============================================================================
// MOVEMENT KIND - Tagged variant with sign convention
// =============================================================================

type MovementKind string

const (
	KindAccrual    MovementKind = "ACCRUAL"    // Points earned by a transaction (credit)
	KindExpiration MovementKind = "EXPIRATION" // Points aged out (debit)
	KindRedemption MovementKind = "REDEMPTION" // Points reserved for a reward (debit)
	KindReversal   MovementKind = "REVERSAL"   // Compensates an accrual (debit) or a redemption (credit)
	KindAdjustment MovementKind = "ADJUSTMENT" // Manual correction (either sign)
)

// Kinds lists every movement kind in a stable order.
var Kinds = []MovementKind{KindAccrual, KindExpiration, KindRedemption, KindReversal, KindAdjustment}

func (k MovementKind) Valid() bool {
	switch k {
	case KindAccrual, KindExpiration, KindRedemption, KindReversal, KindAdjustment:
		return true
	}
	return false
}

// AllowsCredit reports whether a movement of this kind may carry a positive amount.
func (k MovementKind) AllowsCredit() bool {
	return k == KindAccrual || k == KindReversal || k == KindAdjustment
}

// AllowsDebit reports whether a movement of this kind may carry a negative amount.
func (k MovementKind) AllowsDebit() bool {
	return k == KindExpiration || k == KindRedemption || k == KindReversal || k == KindAdjustment
}

// =============================================================================
// MOVEMENT - Immutable ledger record
// =============================================================================

type Movement struct {
	ID      string       `json:"id"`
	Account AccountKey   `json:"account"`
	Kind    MovementKind `json:"kind"`
	Points  int64        `json:"points"` // signed: > 0 credit, < 0 debit

	// RefID links the movement to the effect that caused it: a card
	// transaction, a redemption, an origin accrual or an adjustment job.
	RefID   string `json:"ref_id,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	Note    string `json:"note,omitempty"`

	RuleApplied     string `json:"rule_applied,omitempty"`
	CampaignApplied string `json:"campaign_applied,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// EventAt is when the effect happened, e.g. the card transaction's event
	// time for an accrual. Monthly caps are counted on this axis.
	EventAt time.Time `json:"event_at"`
}

// OccurredAt returns EventAt, or CreatedAt for movements recorded without one.
func (m Movement) OccurredAt() time.Time {
	if m.EventAt.IsZero() {
		return m.CreatedAt
	}
	return m.EventAt
}

func (m Movement) IsCredit() bool { return m.Points > 0 }
func (m Movement) IsDebit() bool  { return m.Points < 0 }

// Validate checks the sign convention for the movement kind.
func (m Movement) Validate() error {
	if m.Account.UserID == "" || m.Account.CardID == "" {
		return &MovementError{Kind: m.Kind, Points: m.Points, Reason: "missing account"}
	}
	if !m.Kind.Valid() {
		return &MovementError{Kind: m.Kind, Points: m.Points, Reason: "unknown kind"}
	}
	switch {
	case m.Points == 0:
		return &MovementError{Kind: m.Kind, Points: m.Points, Reason: "zero amount"}
	case m.Points > 0 && !m.Kind.AllowsCredit():
		return &MovementError{Kind: m.Kind, Points: m.Points, Reason: "kind cannot credit"}
	case m.Points < 0 && !m.Kind.AllowsDebit():
		return &MovementError{Kind: m.Kind, Points: m.Points, Reason: "kind cannot debit"}
	}
	return nil
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// AccountFilter narrows account listings.
type AccountFilter struct {
	UserID        string
	PositiveOnly  bool
	IncludeClosed bool
}

// AccrualFilter narrows ACCRUAL movement listings. Zero times are unbounded.
// Results are ordered by creation time, oldest first.
type AccrualFilter struct {
	From    time.Time // inclusive
	Before  time.Time // exclusive
	UserID  string
	Account *AccountKey
}

// Matches applies the filter to a movement; stores without query pushdown use it.
func (f AccrualFilter) Matches(m Movement) bool {
	if m.Kind != KindAccrual {
		return false
	}
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.Before.IsZero() && !m.CreatedAt.Before(f.Before) {
		return false
	}
	if f.UserID != "" && m.Account.UserID != f.UserID {
		return false
	}
	if f.Account != nil && m.Account != *f.Account {
		return false
	}
	return true
}

// Discrepancy reports an account whose stored balance diverges from its movements.
type Discrepancy struct {
	Account  AccountKey `json:"account"`
	Stored   int64      `json:"stored"`
	Computed int64      `json:"computed"`
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: stored=%d computed=%d", d.Account, d.Stored, d.Computed)
}
