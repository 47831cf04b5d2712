package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CARD TRANSACTION - Supplied by the transaction source
// =============================================================================

type TransactionStatus string

const (
	TxApproved   TransactionStatus = "approved"
	TxDeclined   TransactionStatus = "declined"
	TxReversed   TransactionStatus = "reversed"
	TxAdjustment TransactionStatus = "adjustment"
)

// GeneratesPoints reports whether a transaction in this status may earn points.
func (s TransactionStatus) GeneratesPoints() bool {
	return s == TxApproved || s == TxAdjustment
}

// CardTransaction is a purchase as reported by the card network.
type CardTransaction struct {
	ID        string            `json:"id" validate:"required"`
	Account   AccountKey        `json:"account" validate:"required"`
	Amount    decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency" validate:"required,len=3,alpha"`
	MCC       string            `json:"mcc,omitempty" validate:"omitempty,len=4,numeric"`
	Category  string            `json:"category,omitempty" validate:"max=60"`
	PartnerID string            `json:"partner_id,omitempty"`
	Segment   string            `json:"segment,omitempty" validate:"max=60"`
	Status    TransactionStatus `json:"status" validate:"required,oneof=approved declined reversed adjustment"`
	EventAt   time.Time         `json:"event_at" validate:"required"`

	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	PointsGenerated int64      `json:"points_generated"`
}

// =============================================================================
// SWEEP RUN - Audit record for expiration batches
// =============================================================================

type SweepMode string

const (
	SweepFlat SweepMode = "flat" // per-account cap or full balance
	SweepAged SweepMode = "aged" // accruals older than the retention horizon
)

type SweepRun struct {
	ID          string     `json:"id"`
	BatchID     string     `json:"batch_id"`
	Mode        SweepMode  `json:"mode"`
	AsOf        time.Time  `json:"as_of"`
	Status      string     `json:"status"` // running, completed, failed
	Accounts    int        `json:"accounts"`
	Points      int64      `json:"points"`
	Failures    int        `json:"failures"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
