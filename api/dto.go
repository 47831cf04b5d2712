/*
dto.go - Request and response shapes for the HTTP API

NAMING CONVENTION:
  - *DTO:     response types returned to clients
  - *Request: request bodies from clients

VALIDATION:
  Request types carry go-playground/validator tags and are checked with
  validation.Struct before reaching the services, which validate again.
  Catalog inputs (rules.RuleInput, rules.RulePatch, redemption.RewardInput)
  are decoded directly; their tags live with the services.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	UserID    string                  `json:"user_id"`
	CardID    string                  `json:"card_id"`
	Balance   int64                   `json:"balance"`
	Expiring  loyalty.ExpiringBuckets `json:"expiring"`
	UpdatedAt time.Time               `json:"updated_at"`
	ClosedAt  *time.Time              `json:"closed_at,omitempty"`
}

func toAccountDTO(a loyalty.Account) AccountDTO {
	return AccountDTO{
		UserID:    a.Key.UserID,
		CardID:    a.Key.CardID,
		Balance:   a.Balance,
		Expiring:  a.Expiring,
		UpdatedAt: a.UpdatedAt,
		ClosedAt:  a.ClosedAt,
	}
}

type MovementDTO struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Points          int64     `json:"points"`
	RefID           string    `json:"ref_id,omitempty"`
	BatchID         string    `json:"batch_id,omitempty"`
	Note            string    `json:"note,omitempty"`
	RuleApplied     string    `json:"rule_applied,omitempty"`
	CampaignApplied string    `json:"campaign_applied,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Balance         int64     `json:"balance"` // running balance after this movement
}

func toMovementDTOs(ms []loyalty.Movement) []MovementDTO {
	out := make([]MovementDTO, len(ms))
	var running int64
	for i, m := range ms {
		running += m.Points
		out[i] = MovementDTO{
			ID:              m.ID,
			Kind:            string(m.Kind),
			Points:          m.Points,
			RefID:           m.RefID,
			BatchID:         m.BatchID,
			Note:            m.Note,
			RuleApplied:     m.RuleApplied,
			CampaignApplied: m.CampaignApplied,
			CreatedAt:       m.CreatedAt,
			Balance:         running,
		}
	}
	return out
}

type ReconcileDTO struct {
	UserID     string `json:"user_id"`
	CardID     string `json:"card_id"`
	Consistent bool   `json:"consistent"`
}

// AdjustmentRequest is a manual correction. Points is signed.
type AdjustmentRequest struct {
	Points int64  `json:"points" validate:"required"`
	Note   string `json:"note" validate:"required,max=500"`
	JobID  string `json:"job_id" validate:"max=100"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionRequest struct {
	ID        string          `json:"id" validate:"required,max=100"`
	UserID    string          `json:"user_id" validate:"required,max=100"`
	CardID    string          `json:"card_id" validate:"required,max=100"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency" validate:"required,len=3"`
	MCC       string          `json:"mcc"`
	Category  string          `json:"category"`
	PartnerID string          `json:"partner_id"`
	Segment   string          `json:"segment"`
	Status    string          `json:"status" validate:"required"`
	EventAt   time.Time       `json:"event_at" validate:"required"`
}

func (r TransactionRequest) toTransaction() loyalty.CardTransaction {
	return loyalty.CardTransaction{
		ID:        r.ID,
		Account:   loyalty.AccountKey{UserID: r.UserID, CardID: r.CardID},
		Amount:    r.Amount,
		Currency:  r.Currency,
		MCC:       r.MCC,
		Category:  r.Category,
		PartnerID: r.PartnerID,
		Segment:   r.Segment,
		Status:    loyalty.TransactionStatus(r.Status),
		EventAt:   r.EventAt,
	}
}

// PointsDTO reports the points a processing call wrote. Zero on replays.
type PointsDTO struct {
	TransactionID string `json:"transaction_id"`
	Points        int64  `json:"points"`
}

// =============================================================================
// REWARDS AND REDEMPTIONS
// =============================================================================

type RestockRequest struct {
	Quantity int64 `json:"quantity" validate:"gt=0"`
}

type CreateRedemptionRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	CardID   string `json:"card_id" validate:"required"`
	RewardID string `json:"reward_id" validate:"required"`
	Note     string `json:"note" validate:"max=500"`
}

type PartnerRequest struct {
	Partner string `json:"partner" validate:"max=100"`
}

type DenyRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// =============================================================================
// ADMIN
// =============================================================================

type SweepRequest struct {
	AsOf          *time.Time `json:"as_of"`
	BatchID       string     `json:"batch_id" validate:"required,max=100"`
	PerAccountCap *int64     `json:"per_account_cap" validate:"omitempty,gt=0"`
}

type AgedSweepRequest struct {
	AsOf            *time.Time `json:"as_of"`
	BatchID         string     `json:"batch_id" validate:"max=100"`
	RetentionMonths int        `json:"retention_months" validate:"gte=0"`
	UserID          string     `json:"user_id"`
	CardID          string     `json:"card_id"`
}

type BucketsRequest struct {
	AsOf            *time.Time `json:"as_of"`
	RetentionMonths int        `json:"retention_months" validate:"gte=0"`
}

type BucketsDTO struct {
	Updated int `json:"updated"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
