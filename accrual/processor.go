/*
Package accrual turns card transactions into points.

PURPOSE:
  The Processor pulls a transaction, asks the rules engine how many points it
  is worth and records the credit through the ledger. Reversed transactions
  get an equal-and-opposite REVERSAL.

IDEMPOTENCY:
  Accrual and reversal movements are keyed by the transaction ID. The cheap
  HasMovement check short-circuits replays; the store's (kind, ref)
  uniqueness catches the replays that race past it. Either way a
  transaction earns points at most once and is reversed at most once.

FLOW (Accrue):
  1. Already credited?            -> 0
  2. Status cannot earn points?   -> 0
  3. Select rule + campaign from one catalog snapshot; no rule -> 0
  4. Open a store transaction and lock the account
  5. Month-to-date accrual by event time (only when the rule is capped)
  6. Compute; <= 0 -> 0, nothing written
  7. Credit ACCRUAL stamped with the event time + mark processed
  8. Emit PointsAccrued (best-effort) after commit
*/
package accrual

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/events"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/validation"
)

type Processor struct {
	store    loyalty.TxStore
	ledger   *loyalty.Ledger
	selector *rules.Selector
	events   *events.Publisher
	log      zerolog.Logger
}

func NewProcessor(store loyalty.TxStore, ledger *loyalty.Ledger, selector *rules.Selector, pub *events.Publisher) *Processor {
	return &Processor{
		store:    store,
		ledger:   ledger,
		selector: selector,
		events:   pub,
		log:      logging.Component("accrual"),
	}
}

// Ingest validates and stores a transaction as reported by the card network.
// Re-ingesting an ID overwrites it; the ledger side stays idempotent.
func (p *Processor) Ingest(ctx context.Context, tx loyalty.CardTransaction) error {
	if err := validation.Struct(tx); err != nil {
		return err
	}
	if tx.Amount.IsNegative() {
		return loyalty.Invalid("amount", "Value must be at least 0")
	}
	if !tx.Amount.Round(2).Equal(tx.Amount) {
		return loyalty.Invalid("amount", "At most 2 decimal places")
	}
	if strings.HasPrefix(tx.ID, loyalty.RedemptionRefPrefix) {
		return loyalty.Invalid("id", "Reserved prefix "+loyalty.RedemptionRefPrefix)
	}
	tx.EventAt = tx.EventAt.UTC()
	return p.store.SaveTransaction(ctx, tx)
}

// Quote is a dry run of Accrue: what the transaction would earn right now.
type Quote struct {
	TransactionID string                `json:"transaction_id"`
	Points        int64                 `json:"points"`
	Rule          *rules.ConversionRule `json:"rule,omitempty"`
	Campaign      *rules.BonusCampaign  `json:"campaign,omitempty"`
	MonthToDate   int64                 `json:"month_to_date"`
	Breakdown     rules.Breakdown       `json:"breakdown"`
}

// Quote evaluates tx without writing anything.
func (p *Processor) Quote(ctx context.Context, tx loyalty.CardTransaction) (Quote, error) {
	q, err := p.selectRules(ctx, tx)
	if err != nil || q.Rule == nil {
		return q, err
	}
	return p.price(ctx, p.store, tx, q)
}

// selectRules picks the rule and campaign for tx from the catalog.
func (p *Processor) selectRules(ctx context.Context, tx loyalty.CardTransaction) (Quote, error) {
	q := Quote{TransactionID: tx.ID}
	if !tx.Status.GeneratesPoints() {
		return q, nil
	}
	sel, err := p.selector.Select(ctx, rules.Query{
		MCC:       tx.MCC,
		Category:  tx.Category,
		PartnerID: tx.PartnerID,
		At:        tx.EventAt,
	}, tx.Segment)
	if err != nil {
		return q, fmt.Errorf("select rules: %w", err)
	}
	q.Rule, q.Campaign = sel.Rule, sel.Campaign
	return q, nil
}

// price computes the points for a quote with a rule. The month-to-date total
// is read through s; Accrue passes its transaction so the cap is checked
// against the state it commits on.
func (p *Processor) price(ctx context.Context, s loyalty.MovementStore, tx loyalty.CardTransaction, q Quote) (Quote, error) {
	if q.Rule.MonthlyCap != nil {
		from, to := MonthWindow(tx.EventAt)
		mtd, err := s.AccrualSum(ctx, tx.Account, from, to)
		if err != nil {
			return q, fmt.Errorf("month-to-date accrual: %w", err)
		}
		q.MonthToDate = mtd
	}
	q.Breakdown = rules.Calculate(tx.Amount, q.Rule, q.Campaign, q.MonthToDate)
	q.Points = q.Breakdown.Final
	return q, nil
}

// Accrue credits the points earned by a transaction and returns them.
// Replays and non-earning transactions return 0 with no error.
func (p *Processor) Accrue(ctx context.Context, txID string) (int64, error) {
	tx, err := p.store.Transaction(ctx, txID)
	if err != nil {
		return 0, err
	}
	done, err := p.ledger.HasMovementFor(ctx, txID, loyalty.KindAccrual)
	if err != nil {
		return 0, err
	}
	if done {
		p.log.Debug().Str("tx_id", txID).Msg("accrual already recorded")
		return 0, nil
	}
	if !tx.Status.GeneratesPoints() {
		return 0, nil
	}

	q, err := p.selectRules(ctx, tx)
	if err != nil {
		return 0, err
	}
	if q.Rule == nil {
		return 0, nil
	}
	entry := loyalty.Entry{RefID: txID, RuleApplied: q.Rule.Label(), EventAt: tx.EventAt}
	if q.Campaign != nil {
		entry.CampaignApplied = q.Campaign.Label()
	}

	var credited loyalty.Movement
	err = p.store.WithTx(ctx, func(s loyalty.Store) error {
		// Concurrent accruals for the account queue here, so each one sees
		// the month-to-date total including the others' credits.
		if err := s.LockAccount(ctx, tx.Account); err != nil {
			return err
		}
		var err error
		q, err = p.price(ctx, s, tx, q)
		if err != nil {
			return err
		}
		if q.Points <= 0 {
			return nil
		}
		m, err := p.ledger.Bind(s).Credit(ctx, tx.Account, q.Points, loyalty.KindAccrual, entry)
		if err != nil {
			return err
		}
		credited = m
		return s.MarkProcessed(ctx, txID, q.Points, m.CreatedAt)
	})
	if errors.Is(err, loyalty.ErrDuplicateMovement) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("accrue %s: %w", txID, err)
	}
	if q.Points <= 0 {
		return 0, nil
	}

	p.log.Info().
		Str("tx_id", txID).
		Str("account", tx.Account.String()).
		Int64("points", q.Points).
		Str("rule", entry.RuleApplied).
		Str("campaign", entry.CampaignApplied).
		Msg("points accrued")
	p.events.Publish(ctx, events.Event{
		Type:    events.PointsAccrued,
		Account: tx.Account,
		Points:  q.Points,
		RefID:   txID,
		At:      credited.CreatedAt,
	})
	return q.Points, nil
}

// ReverseAccrual debits back whatever the transaction earned. It returns the
// points reversed, 0 when there was nothing to reverse or it was already done.
func (p *Processor) ReverseAccrual(ctx context.Context, txID string) (int64, error) {
	done, err := p.ledger.HasMovementFor(ctx, txID, loyalty.KindReversal)
	if err != nil {
		return 0, err
	}
	if done {
		return 0, nil
	}
	accruals, err := p.store.MovementsByRef(ctx, txID, loyalty.KindAccrual)
	if err != nil {
		return 0, err
	}
	var (
		total   int64
		account loyalty.AccountKey
	)
	for _, m := range accruals {
		total += m.Points
		account = m.Account
	}
	if total <= 0 {
		return 0, nil
	}

	m, err := p.ledger.Debit(ctx, account, total, loyalty.KindReversal, loyalty.Entry{
		RefID: txID,
		Note:  "transaction reversed",
	})
	if errors.Is(err, loyalty.ErrDuplicateMovement) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reverse accrual %s: %w", txID, err)
	}

	p.log.Info().Str("tx_id", txID).Str("account", account.String()).Int64("points", total).Msg("accrual reversed")
	p.events.Publish(ctx, events.Event{
		Type:    events.PointsReversed,
		Account: account,
		Points:  total,
		RefID:   txID,
		At:      m.CreatedAt,
	})
	return total, nil
}

// ProcessStatusChange routes a transaction to Accrue or ReverseAccrual by its
// current status. Declined transactions are a no-op.
func (p *Processor) ProcessStatusChange(ctx context.Context, txID string) (int64, error) {
	tx, err := p.store.Transaction(ctx, txID)
	if err != nil {
		return 0, err
	}
	switch tx.Status {
	case loyalty.TxApproved, loyalty.TxAdjustment:
		return p.Accrue(ctx, txID)
	case loyalty.TxReversed:
		return p.ReverseAccrual(ctx, txID)
	default:
		return 0, nil
	}
}

// MonthWindow returns the UTC calendar month containing t as [from, to).
func MonthWindow(t time.Time) (time.Time, time.Time) {
	y, m, _ := t.UTC().Date()
	from := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}
