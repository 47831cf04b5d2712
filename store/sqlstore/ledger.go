package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// ROW TYPES
// =============================================================================

type accountRow struct {
	UserID    string     `db:"user_id"`
	CardID    string     `db:"card_id"`
	Balance   int64      `db:"balance"`
	Within30  int64      `db:"within_30"`
	Within60  int64      `db:"within_60"`
	Within90  int64      `db:"within_90"`
	UpdatedAt time.Time  `db:"updated_at"`
	ClosedAt  *time.Time `db:"closed_at"`
}

func (r accountRow) toAccount() loyalty.Account {
	return loyalty.Account{
		Key:     loyalty.AccountKey{UserID: r.UserID, CardID: r.CardID},
		Balance: r.Balance,
		Expiring: loyalty.ExpiringBuckets{
			Within30: r.Within30,
			Within60: r.Within60,
			Within90: r.Within90,
		},
		UpdatedAt: r.UpdatedAt.UTC(),
		ClosedAt:  utcPtr(r.ClosedAt),
	}
}

const accountColumns = `user_id, card_id, balance, within_30, within_60, within_90, updated_at, closed_at`

type movementRow struct {
	ID              string    `db:"id"`
	UserID          string    `db:"user_id"`
	CardID          string    `db:"card_id"`
	Kind            string    `db:"kind"`
	Points          int64     `db:"points"`
	RefID           string    `db:"ref_id"`
	BatchID         string    `db:"batch_id"`
	Note            string    `db:"note"`
	RuleApplied     string    `db:"rule_applied"`
	CampaignApplied string    `db:"campaign_applied"`
	CreatedAt       time.Time `db:"created_at"`
	EventAt         time.Time `db:"event_at"`
}

func (r movementRow) toMovement() loyalty.Movement {
	return loyalty.Movement{
		ID:              r.ID,
		Account:         loyalty.AccountKey{UserID: r.UserID, CardID: r.CardID},
		Kind:            loyalty.MovementKind(r.Kind),
		Points:          r.Points,
		RefID:           r.RefID,
		BatchID:         r.BatchID,
		Note:            r.Note,
		RuleApplied:     r.RuleApplied,
		CampaignApplied: r.CampaignApplied,
		CreatedAt:       r.CreatedAt.UTC(),
		EventAt:         r.EventAt.UTC(),
	}
}

func toMovements(rows []movementRow) []loyalty.Movement {
	out := make([]loyalty.Movement, len(rows))
	for i, r := range rows {
		out[i] = r.toMovement()
	}
	return out
}

const movementColumns = `id, user_id, card_id, kind, points, ref_id, batch_id, note, rule_applied, campaign_applied, created_at, event_at`

// =============================================================================
// MOVEMENTS
// =============================================================================

// ApplyMovement records m and moves the balance in one transaction.
func (c *conn) ApplyMovement(ctx context.Context, m loyalty.Movement) (loyalty.Account, error) {
	if err := m.Validate(); err != nil {
		return loyalty.Account{}, err
	}
	at := utc(m.CreatedAt)
	var out loyalty.Account

	err := c.atomically(ctx, func(c *conn) error {
		if m.Points > 0 {
			if _, err := c.exec(ctx, `
				INSERT INTO accounts (user_id, card_id, balance, updated_at)
				VALUES (?, ?, 0, ?)
				ON CONFLICT (user_id, card_id) DO NOTHING`,
				m.Account.UserID, m.Account.CardID, at); err != nil {
				return fmt.Errorf("open account: %w", err)
			}
		}

		ok, err := c.execOne(ctx, `
			UPDATE accounts
			SET balance = balance + ?, updated_at = ?
			WHERE user_id = ? AND card_id = ? AND closed_at IS NULL AND balance + ? >= 0`,
			m.Points, at, m.Account.UserID, m.Account.CardID, m.Points)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if !ok {
			return c.diagnose(ctx, m)
		}

		if _, err := c.exec(ctx, `
			INSERT INTO movements (`+movementColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Account.UserID, m.Account.CardID, string(m.Kind), m.Points,
			m.RefID, m.BatchID, m.Note, m.RuleApplied, m.CampaignApplied, at, utc(m.OccurredAt())); err != nil {
			if isUniqueViolation(err) {
				return loyalty.ErrDuplicateMovement
			}
			return fmt.Errorf("insert movement: %w", err)
		}

		out, err = c.Account(ctx, m.Account)
		return err
	})
	return out, err
}

// diagnose explains why the conditional balance update matched no row.
func (c *conn) diagnose(ctx context.Context, m loyalty.Movement) error {
	acct, err := c.Account(ctx, m.Account)
	if err != nil {
		return err
	}
	if acct.IsClosed() {
		return loyalty.ErrAccountClosed
	}
	return &loyalty.InsufficientBalanceError{
		Account:   m.Account,
		Available: acct.Balance,
		Requested: -m.Points,
	}
}

func (c *conn) HasMovement(ctx context.Context, refID string, kind loyalty.MovementKind) (bool, error) {
	if refID == "" {
		return false, nil
	}
	var n int
	err := c.get(ctx, &n, `SELECT COUNT(*) FROM movements WHERE kind = ? AND ref_id = ?`, string(kind), refID)
	if err != nil {
		return false, fmt.Errorf("check movement: %w", err)
	}
	return n > 0, nil
}

func (c *conn) MovementsByRef(ctx context.Context, refID string, kind loyalty.MovementKind) ([]loyalty.Movement, error) {
	var rows []movementRow
	err := c.selectAll(ctx, &rows, `
		SELECT `+movementColumns+` FROM movements
		WHERE kind = ? AND ref_id = ?
		ORDER BY seq`, string(kind), refID)
	if err != nil {
		return nil, fmt.Errorf("movements by ref: %w", err)
	}
	return toMovements(rows), nil
}

func (c *conn) Movements(ctx context.Context, key loyalty.AccountKey) ([]loyalty.Movement, error) {
	var rows []movementRow
	err := c.selectAll(ctx, &rows, `
		SELECT `+movementColumns+` FROM movements
		WHERE user_id = ? AND card_id = ?
		ORDER BY seq`, key.UserID, key.CardID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	return toMovements(rows), nil
}

func (c *conn) AccrualSum(ctx context.Context, key loyalty.AccountKey, from, to time.Time) (int64, error) {
	var sum int64
	err := c.get(ctx, &sum, `
		SELECT COALESCE(SUM(points), 0) FROM movements
		WHERE user_id = ? AND card_id = ? AND kind = ? AND event_at >= ? AND event_at < ?`,
		key.UserID, key.CardID, string(loyalty.KindAccrual), utc(from), utc(to))
	if err != nil {
		return 0, fmt.Errorf("accrual sum: %w", err)
	}
	return sum, nil
}

func (c *conn) Accruals(ctx context.Context, f loyalty.AccrualFilter) ([]loyalty.Movement, error) {
	query := `SELECT ` + movementColumns + ` FROM movements WHERE kind = ?`
	args := []any{string(loyalty.KindAccrual)}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, utc(f.From))
	}
	if !f.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, utc(f.Before))
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Account != nil {
		query += ` AND user_id = ? AND card_id = ?`
		args = append(args, f.Account.UserID, f.Account.CardID)
	}
	query += ` ORDER BY created_at, seq`

	var rows []movementRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list accruals: %w", err)
	}
	return toMovements(rows), nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (c *conn) Account(ctx context.Context, key loyalty.AccountKey) (loyalty.Account, error) {
	var row accountRow
	err := c.get(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE user_id = ? AND card_id = ?`,
		key.UserID, key.CardID)
	if isNoRows(err) {
		return loyalty.Account{}, loyalty.NotFound("account", key.String())
	}
	if err != nil {
		return loyalty.Account{}, fmt.Errorf("get account: %w", err)
	}
	return row.toAccount(), nil
}

func (c *conn) Accounts(ctx context.Context, f loyalty.AccountFilter) ([]loyalty.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.PositiveOnly {
		query += ` AND balance > 0`
	}
	if !f.IncludeClosed {
		query += ` AND closed_at IS NULL`
	}
	query += ` ORDER BY user_id, card_id`

	var rows []accountRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]loyalty.Account, len(rows))
	for i, r := range rows {
		out[i] = r.toAccount()
	}
	return out, nil
}

func (c *conn) CloseAccount(ctx context.Context, key loyalty.AccountKey, at time.Time) error {
	ok, err := c.execOne(ctx, `
		UPDATE accounts SET closed_at = ?, updated_at = ?
		WHERE user_id = ? AND card_id = ? AND closed_at IS NULL`,
		utc(at), utc(at), key.UserID, key.CardID)
	if err != nil {
		return fmt.Errorf("close account: %w", err)
	}
	if !ok {
		// Either missing or already closed.
		_, err := c.Account(ctx, key)
		return err
	}
	return nil
}

func (c *conn) SetExpiringBuckets(ctx context.Context, key loyalty.AccountKey, b loyalty.ExpiringBuckets) error {
	ok, err := c.execOne(ctx, `
		UPDATE accounts SET within_30 = ?, within_60 = ?, within_90 = ?
		WHERE user_id = ? AND card_id = ?`,
		b.Within30, b.Within60, b.Within90, key.UserID, key.CardID)
	if err != nil {
		return fmt.Errorf("set expiring buckets: %w", err)
	}
	if !ok {
		return loyalty.NotFound("account", key.String())
	}
	return nil
}

// LockAccount takes a transaction-scoped advisory lock on PostgreSQL. SQLite
// runs on one connection, so an open transaction already excludes writers.
func (c *conn) LockAccount(ctx context.Context, key loyalty.AccountKey) error {
	if !c.inTx || c.dialect != Postgres {
		return nil
	}
	if _, err := c.exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended(?, 0))`,
		"account:"+key.String()); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	return nil
}
