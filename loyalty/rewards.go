package loyalty

import (
	"time"
)

// =============================================================================
// REWARD - Stock-bearing catalog entry
// =============================================================================

type Reward struct {
	ID         string     `json:"id"`
	Name       string     `json:"name" validate:"required,max=120"`
	CostPoints int64      `json:"cost_points" validate:"gt=0"`
	Stock      int64      `json:"stock" validate:"gte=0"`
	Active     bool       `json:"active"`
	PartnerID  string     `json:"partner_id,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Available reports whether the reward can be redeemed at the given instant.
func (r Reward) Available(at time.Time) bool {
	if !r.Active || r.Stock <= 0 {
		return false
	}
	return r.ValidUntil == nil || at.Before(*r.ValidUntil)
}

// =============================================================================
// REDEMPTION - Request lifecycle
// =============================================================================

type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "PENDING"
	RedemptionApproved  RedemptionStatus = "APPROVED"
	RedemptionCompleted RedemptionStatus = "COMPLETED"
	RedemptionDenied    RedemptionStatus = "DENIED"
	RedemptionCancelled RedemptionStatus = "CANCELLED"
)

var redemptionTransitions = map[RedemptionStatus][]RedemptionStatus{
	RedemptionPending:  {RedemptionApproved, RedemptionDenied, RedemptionCancelled},
	RedemptionApproved: {RedemptionCompleted, RedemptionDenied, RedemptionCancelled},
}

// CanTransition reports whether the state machine allows s -> to.
func (s RedemptionStatus) CanTransition(to RedemptionStatus) bool {
	for _, next := range redemptionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s RedemptionStatus) IsTerminal() bool {
	return len(redemptionTransitions[s]) == 0
}

// ReleasesReservation reports whether reaching s gives the reserved points back.
func (s RedemptionStatus) ReleasesReservation() bool {
	return s == RedemptionDenied || s == RedemptionCancelled
}

// RedemptionRefPrefix namespaces redemption references in the movement log.
// Transaction IDs share the REVERSAL keyspace and may not use it.
const RedemptionRefPrefix = "redemption:"

// RedemptionRef is the RefID of the REDEMPTION and REVERSAL movements of a
// redemption.
func RedemptionRef(id string) string { return RedemptionRefPrefix + id }

type Redemption struct {
	ID       string           `json:"id"`
	Account  AccountKey       `json:"account"`
	RewardID string           `json:"reward_id"`
	Points   int64            `json:"points"` // committed at creation
	Status   RedemptionStatus `json:"status"`

	Note         string `json:"note,omitempty"`
	DenialReason string `json:"denial_reason,omitempty"`
	TrackingCode string `json:"tracking_code"`
	Partner      string `json:"partner,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeniedAt    *time.Time `json:"denied_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RedemptionFilter narrows redemption listings. Empty fields match anything.
type RedemptionFilter struct {
	UserID string
	CardID string
	Status RedemptionStatus
	Limit  int
}

func (f RedemptionFilter) Matches(r Redemption) bool {
	if f.UserID != "" && r.Account.UserID != f.UserID {
		return false
	}
	if f.CardID != "" && r.Account.CardID != f.CardID {
		return false
	}
	return f.Status == "" || r.Status == f.Status
}
