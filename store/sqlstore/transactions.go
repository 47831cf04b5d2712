package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// CARD TRANSACTIONS
// =============================================================================

type cardTxRow struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	CardID          string          `db:"card_id"`
	Amount          decimal.Decimal `db:"amount"`
	Currency        string          `db:"currency"`
	MCC             string          `db:"mcc"`
	Category        string          `db:"category"`
	PartnerID       string          `db:"partner_id"`
	Segment         string          `db:"segment"`
	Status          string          `db:"status"`
	EventAt         time.Time       `db:"event_at"`
	ProcessedAt     *time.Time      `db:"processed_at"`
	PointsGenerated int64           `db:"points_generated"`
}

func (r cardTxRow) toTransaction() loyalty.CardTransaction {
	return loyalty.CardTransaction{
		ID:              r.ID,
		Account:         loyalty.AccountKey{UserID: r.UserID, CardID: r.CardID},
		Amount:          r.Amount,
		Currency:        r.Currency,
		MCC:             r.MCC,
		Category:        r.Category,
		PartnerID:       r.PartnerID,
		Segment:         r.Segment,
		Status:          loyalty.TransactionStatus(r.Status),
		EventAt:         r.EventAt.UTC(),
		ProcessedAt:     utcPtr(r.ProcessedAt),
		PointsGenerated: r.PointsGenerated,
	}
}

const cardTxColumns = `id, user_id, card_id, amount, currency, mcc, category, partner_id, segment, status,
	event_at, processed_at, points_generated`

func (c *conn) Transaction(ctx context.Context, id string) (loyalty.CardTransaction, error) {
	var row cardTxRow
	err := c.get(ctx, &row, `SELECT `+cardTxColumns+` FROM card_transactions WHERE id = ?`, id)
	if isNoRows(err) {
		return loyalty.CardTransaction{}, loyalty.NotFound("transaction", id)
	}
	if err != nil {
		return loyalty.CardTransaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return row.toTransaction(), nil
}

// SaveTransaction upserts the transaction as reported. Processing state
// (processed_at, points_generated) survives a re-ingest.
func (c *conn) SaveTransaction(ctx context.Context, tx loyalty.CardTransaction) error {
	_, err := c.exec(ctx, `
		INSERT INTO card_transactions (`+cardTxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			mcc = excluded.mcc,
			category = excluded.category,
			partner_id = excluded.partner_id,
			segment = excluded.segment,
			status = excluded.status,
			event_at = excluded.event_at`,
		tx.ID, tx.Account.UserID, tx.Account.CardID, tx.Amount.StringFixed(2), tx.Currency,
		tx.MCC, tx.Category, tx.PartnerID, tx.Segment, string(tx.Status),
		utc(tx.EventAt), utcPtr(tx.ProcessedAt), tx.PointsGenerated)
	if err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	return nil
}

func (c *conn) MarkProcessed(ctx context.Context, id string, points int64, at time.Time) error {
	ok, err := c.execOne(ctx, `UPDATE card_transactions SET processed_at = ?, points_generated = ? WHERE id = ?`,
		utc(at), points, id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if !ok {
		return loyalty.NotFound("transaction", id)
	}
	return nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

type sweepRunRow struct {
	ID          string     `db:"id"`
	BatchID     string     `db:"batch_id"`
	Mode        string     `db:"mode"`
	AsOf        time.Time  `db:"as_of"`
	Status      string     `db:"status"`
	Accounts    int        `db:"accounts"`
	Points      int64      `db:"points"`
	Failures    int        `db:"failures"`
	Error       string     `db:"error"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

const sweepRunColumns = `id, batch_id, mode, as_of, status, accounts, points, failures, error, started_at, completed_at`

func (c *conn) SaveSweepRun(ctx context.Context, run loyalty.SweepRun) error {
	_, err := c.exec(ctx, `
		INSERT INTO sweep_runs (`+sweepRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			accounts = excluded.accounts,
			points = excluded.points,
			failures = excluded.failures,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		run.ID, run.BatchID, string(run.Mode), utc(run.AsOf), run.Status,
		run.Accounts, run.Points, run.Failures, run.Error, utc(run.StartedAt), utcPtr(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("save sweep run: %w", err)
	}
	return nil
}

func (c *conn) SweepRuns(ctx context.Context, limit int) ([]loyalty.SweepRun, error) {
	query := `SELECT ` + sweepRunColumns + ` FROM sweep_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []sweepRunRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list sweep runs: %w", err)
	}
	out := make([]loyalty.SweepRun, len(rows))
	for i, r := range rows {
		out[i] = loyalty.SweepRun{
			ID:          r.ID,
			BatchID:     r.BatchID,
			Mode:        loyalty.SweepMode(r.Mode),
			AsOf:        r.AsOf.UTC(),
			Status:      r.Status,
			Accounts:    r.Accounts,
			Points:      r.Points,
			Failures:    r.Failures,
			Error:       r.Error,
			StartedAt:   r.StartedAt.UTC(),
			CompletedAt: utcPtr(r.CompletedAt),
		}
	}
	return out, nil
}
