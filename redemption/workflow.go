/*
Package redemption runs the reward redemption state machine.

STATE MACHINE:
  PENDING  --approve-->  APPROVED  --complete-->  COMPLETED
  PENDING | APPROVED  --deny-->    DENIED     (reason required)
  PENDING | APPROVED  --cancel-->  CANCELLED
  Terminal states have no way out.

RESERVATION-ON-CREATE:
  Points are debited when the request is created, not when it is approved.
  Create debits the cost, takes one unit of stock and stores the PENDING
  request in a single store transaction: either all three happen or none.
  Because the points are already gone at PENDING, every DENIED or CANCELLED
  outcome credits them back with a REVERSAL and returns the stock unit.

IDEMPOTENCY:
  The REDEMPTION and its REVERSAL are both keyed by "redemption:<id>", so a
  reversal cannot be applied twice even if two deny/cancel calls race, and
  never collides with the REVERSAL of a card transaction. Status changes are
  compare-and-set on the status the transition was checked against.
*/
package redemption

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/events"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
)

type Request struct {
	Account  loyalty.AccountKey `json:"account" validate:"required"`
	RewardID string             `json:"reward_id" validate:"required"`
	Note     string             `json:"note" validate:"max=500"`
}

type Workflow struct {
	store  loyalty.TxStore
	ledger *loyalty.Ledger
	events *events.Publisher
	log    zerolog.Logger
	newID  func() string
}

func NewWorkflow(store loyalty.TxStore, ledger *loyalty.Ledger, pub *events.Publisher) *Workflow {
	return &Workflow{
		store:  store,
		ledger: ledger,
		events: pub,
		log:    logging.Component("redemption"),
		newID:  uuid.NewString,
	}
}

// =============================================================================
// CREATE
// =============================================================================

// Create reserves the reward cost and stores a PENDING redemption.
// It fails with ErrRewardUnavailable or *InsufficientBalanceError before
// anything is written.
func (w *Workflow) Create(ctx context.Context, req Request) (loyalty.Redemption, error) {
	if req.Account.UserID == "" || req.Account.CardID == "" {
		return loyalty.Redemption{}, loyalty.Invalid("account", "This field is required")
	}
	if req.RewardID == "" {
		return loyalty.Redemption{}, loyalty.Invalid("reward_id", "This field is required")
	}

	var out loyalty.Redemption
	err := w.store.WithTx(ctx, func(s loyalty.Store) error {
		now := w.ledger.Now()
		reward, err := s.Reward(ctx, req.RewardID)
		if err != nil {
			return err
		}
		if !reward.Available(now) {
			return loyalty.ErrRewardUnavailable
		}
		acct, err := s.Account(ctx, req.Account)
		if err != nil {
			return err
		}
		if acct.IsClosed() {
			return loyalty.ErrAccountClosed
		}
		if acct.Balance < reward.CostPoints {
			return &loyalty.InsufficientBalanceError{
				Account:   req.Account,
				Available: acct.Balance,
				Requested: reward.CostPoints,
			}
		}

		id := w.newID()
		l := w.ledger.Bind(s)
		if _, err := l.Debit(ctx, req.Account, reward.CostPoints, loyalty.KindRedemption, loyalty.Entry{
			RefID: loyalty.RedemptionRef(id),
			Note:  "redeem " + reward.ID,
		}); err != nil {
			return err
		}
		if _, err := s.DecrementStock(ctx, reward.ID); err != nil {
			return err
		}

		out = loyalty.Redemption{
			ID:           id,
			Account:      req.Account,
			RewardID:     reward.ID,
			Points:       reward.CostPoints,
			Status:       loyalty.RedemptionPending,
			Note:         strings.TrimSpace(req.Note),
			TrackingCode: trackingCode(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return s.SaveRedemption(ctx, out)
	})
	if err != nil {
		return loyalty.Redemption{}, err
	}

	w.log.Info().
		Str("redemption_id", out.ID).
		Str("account", out.Account.String()).
		Str("reward_id", out.RewardID).
		Int64("points", out.Points).
		Msg("redemption requested")
	w.events.Publish(ctx, events.Event{
		Type:         events.RedemptionRequested,
		Account:      out.Account,
		Points:       out.Points,
		RedemptionID: out.ID,
		RewardID:     out.RewardID,
		At:           out.CreatedAt,
	})
	return out, nil
}

// trackingCode is a short, human-friendly handle for support and partners.
func trackingCode() string {
	return "RDM-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Approve moves PENDING -> APPROVED. partner, when set, records who fulfils it.
func (w *Workflow) Approve(ctx context.Context, id, partner string) (loyalty.Redemption, error) {
	return w.transition(ctx, id, loyalty.RedemptionApproved, func(r *loyalty.Redemption, now time.Time) {
		r.ApprovedAt = &now
		if partner != "" {
			r.Partner = partner
		}
	})
}

// Complete moves APPROVED -> COMPLETED.
func (w *Workflow) Complete(ctx context.Context, id, partner string) (loyalty.Redemption, error) {
	r, err := w.transition(ctx, id, loyalty.RedemptionCompleted, func(r *loyalty.Redemption, now time.Time) {
		r.CompletedAt = &now
		if partner != "" {
			r.Partner = partner
		}
	})
	if err != nil {
		return r, err
	}
	w.events.Publish(ctx, events.Event{
		Type:         events.RedemptionCompleted,
		Account:      r.Account,
		Points:       r.Points,
		RedemptionID: r.ID,
		RewardID:     r.RewardID,
		At:           *r.CompletedAt,
	})
	return r, nil
}

// Deny moves PENDING or APPROVED -> DENIED and gives the points back.
func (w *Workflow) Deny(ctx context.Context, id, reason string) (loyalty.Redemption, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return loyalty.Redemption{}, loyalty.Invalid("reason", "denial reason is required")
	}
	r, err := w.transition(ctx, id, loyalty.RedemptionDenied, func(r *loyalty.Redemption, now time.Time) {
		r.DeniedAt = &now
		r.DenialReason = reason
	})
	if err != nil {
		return r, err
	}
	w.events.Publish(ctx, events.Event{
		Type:         events.RedemptionDenied,
		Account:      r.Account,
		Points:       r.Points,
		RedemptionID: r.ID,
		RewardID:     r.RewardID,
		At:           *r.DeniedAt,
	})
	return r, nil
}

// Cancel moves PENDING or APPROVED -> CANCELLED and gives the points back.
func (w *Workflow) Cancel(ctx context.Context, id string) (loyalty.Redemption, error) {
	r, err := w.transition(ctx, id, loyalty.RedemptionCancelled, func(r *loyalty.Redemption, now time.Time) {
		r.CancelledAt = &now
	})
	if err != nil {
		return r, err
	}
	w.events.Publish(ctx, events.Event{
		Type:         events.RedemptionCancelled,
		Account:      r.Account,
		Points:       r.Points,
		RedemptionID: r.ID,
		RewardID:     r.RewardID,
		At:           *r.CancelledAt,
	})
	return r, nil
}

// transition loads, checks and saves the redemption in one store
// transaction, conditional on the status it was loaded with. Reaching DENIED
// or CANCELLED also credits the reservation back and returns one unit of stock.
func (w *Workflow) transition(ctx context.Context, id string, to loyalty.RedemptionStatus, mutate func(*loyalty.Redemption, time.Time)) (loyalty.Redemption, error) {
	var out loyalty.Redemption
	err := w.store.WithTx(ctx, func(s loyalty.Store) error {
		r, err := s.Redemption(ctx, id)
		if err != nil {
			return err
		}
		if !r.Status.CanTransition(to) {
			return &loyalty.TransitionError{RedemptionID: id, From: r.Status, To: to}
		}

		from, now := r.Status, w.ledger.Now()
		mutate(&r, now)
		r.Status = to
		r.UpdatedAt = now
		// The status write goes first: of two racing transitions the loser
		// fails here, before it credits or restocks anything.
		if err := s.UpdateRedemption(ctx, r, from); err != nil {
			return err
		}
		if to.ReleasesReservation() {
			if err := w.release(ctx, s, r); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	if err != nil {
		return loyalty.Redemption{}, err
	}
	w.log.Info().
		Str("redemption_id", out.ID).
		Str("status", string(out.Status)).
		Msg("redemption updated")
	return out, nil
}

func (w *Workflow) release(ctx context.Context, s loyalty.Store, r loyalty.Redemption) error {
	l := w.ledger.Bind(s)
	_, err := l.Credit(ctx, r.Account, r.Points, loyalty.KindReversal, loyalty.Entry{
		RefID: loyalty.RedemptionRef(r.ID),
		Note:  fmt.Sprintf("redemption %s reversed", r.ID),
	})
	if err != nil {
		return fmt.Errorf("reverse redemption %s: %w", r.ID, err)
	}
	if _, err := s.IncrementStock(ctx, r.RewardID, 1); err != nil && !loyalty.IsNotFound(err) {
		return fmt.Errorf("return stock for %s: %w", r.RewardID, err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (w *Workflow) Get(ctx context.Context, id string) (loyalty.Redemption, error) {
	return w.store.Redemption(ctx, id)
}

func (w *Workflow) List(ctx context.Context, f loyalty.RedemptionFilter) ([]loyalty.Redemption, error) {
	return w.store.Redemptions(ctx, f)
}
