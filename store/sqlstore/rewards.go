package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// REWARDS
// =============================================================================

type rewardRow struct {
	ID         string     `db:"id"`
	Name       string     `db:"name"`
	CostPoints int64      `db:"cost_points"`
	Stock      int64      `db:"stock"`
	Active     bool       `db:"active"`
	PartnerID  string     `db:"partner_id"`
	ValidUntil *time.Time `db:"valid_until"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

func (r rewardRow) toReward() loyalty.Reward {
	return loyalty.Reward{
		ID:         r.ID,
		Name:       r.Name,
		CostPoints: r.CostPoints,
		Stock:      r.Stock,
		Active:     r.Active,
		PartnerID:  r.PartnerID,
		ValidUntil: utcPtr(r.ValidUntil),
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

const rewardColumns = `id, name, cost_points, stock, active, partner_id, valid_until, created_at, updated_at`

func (c *conn) Reward(ctx context.Context, id string) (loyalty.Reward, error) {
	var row rewardRow
	err := c.get(ctx, &row, `SELECT `+rewardColumns+` FROM rewards WHERE id = ?`, id)
	if isNoRows(err) {
		return loyalty.Reward{}, loyalty.NotFound("reward", id)
	}
	if err != nil {
		return loyalty.Reward{}, fmt.Errorf("get reward: %w", err)
	}
	return row.toReward(), nil
}

func (c *conn) Rewards(ctx context.Context, activeOnly bool) ([]loyalty.Reward, error) {
	query := `SELECT ` + rewardColumns + ` FROM rewards`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	var rows []rewardRow
	if err := c.selectAll(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	out := make([]loyalty.Reward, len(rows))
	for i, r := range rows {
		out[i] = r.toReward()
	}
	return out, nil
}

func (c *conn) SaveReward(ctx context.Context, r loyalty.Reward) error {
	if r.ID == "" {
		return loyalty.Invalid("id", "reward id is required")
	}
	_, err := c.exec(ctx, `
		INSERT INTO rewards (`+rewardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			cost_points = excluded.cost_points,
			stock = excluded.stock,
			active = excluded.active,
			partner_id = excluded.partner_id,
			valid_until = excluded.valid_until,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.CostPoints, r.Stock, r.Active, r.PartnerID,
		utcPtr(r.ValidUntil), utc(r.CreatedAt), utc(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save reward: %w", err)
	}
	return nil
}

// DecrementStock takes one unit in a single conditional statement.
func (c *conn) DecrementStock(ctx context.Context, id string) (loyalty.Reward, error) {
	ok, err := c.execOne(ctx, `
		UPDATE rewards
		SET stock = stock - 1,
			active = CASE WHEN stock - 1 = 0 THEN FALSE ELSE active END,
			updated_at = ?
		WHERE id = ? AND active AND stock > 0`,
		time.Now().UTC(), id)
	if err != nil {
		return loyalty.Reward{}, fmt.Errorf("decrement stock: %w", err)
	}
	if !ok {
		if _, err := c.Reward(ctx, id); err != nil {
			return loyalty.Reward{}, err
		}
		return loyalty.Reward{}, loyalty.ErrRewardUnavailable
	}
	return c.Reward(ctx, id)
}

func (c *conn) IncrementStock(ctx context.Context, id string, n int64) (loyalty.Reward, error) {
	ok, err := c.execOne(ctx, `UPDATE rewards SET stock = stock + ?, updated_at = ? WHERE id = ?`,
		n, time.Now().UTC(), id)
	if err != nil {
		return loyalty.Reward{}, fmt.Errorf("increment stock: %w", err)
	}
	if !ok {
		return loyalty.Reward{}, loyalty.NotFound("reward", id)
	}
	return c.Reward(ctx, id)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type redemptionRow struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	CardID       string     `db:"card_id"`
	RewardID     string     `db:"reward_id"`
	Points       int64      `db:"points"`
	Status       string     `db:"status"`
	Note         string     `db:"note"`
	DenialReason string     `db:"denial_reason"`
	TrackingCode string     `db:"tracking_code"`
	Partner      string     `db:"partner"`
	CreatedAt    time.Time  `db:"created_at"`
	ApprovedAt   *time.Time `db:"approved_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	DeniedAt     *time.Time `db:"denied_at"`
	CancelledAt  *time.Time `db:"cancelled_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r redemptionRow) toRedemption() loyalty.Redemption {
	return loyalty.Redemption{
		ID:           r.ID,
		Account:      loyalty.AccountKey{UserID: r.UserID, CardID: r.CardID},
		RewardID:     r.RewardID,
		Points:       r.Points,
		Status:       loyalty.RedemptionStatus(r.Status),
		Note:         r.Note,
		DenialReason: r.DenialReason,
		TrackingCode: r.TrackingCode,
		Partner:      r.Partner,
		CreatedAt:    r.CreatedAt.UTC(),
		ApprovedAt:   utcPtr(r.ApprovedAt),
		CompletedAt:  utcPtr(r.CompletedAt),
		DeniedAt:     utcPtr(r.DeniedAt),
		CancelledAt:  utcPtr(r.CancelledAt),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

const redemptionColumns = `id, user_id, card_id, reward_id, points, status, note, denial_reason, tracking_code, partner,
	created_at, approved_at, completed_at, denied_at, cancelled_at, updated_at`

func (c *conn) Redemption(ctx context.Context, id string) (loyalty.Redemption, error) {
	var row redemptionRow
	err := c.get(ctx, &row, `SELECT `+redemptionColumns+` FROM redemptions WHERE id = ?`, id)
	if isNoRows(err) {
		return loyalty.Redemption{}, loyalty.NotFound("redemption", id)
	}
	if err != nil {
		return loyalty.Redemption{}, fmt.Errorf("get redemption: %w", err)
	}
	return row.toRedemption(), nil
}

func (c *conn) SaveRedemption(ctx context.Context, r loyalty.Redemption) error {
	_, err := c.exec(ctx, `
		INSERT INTO redemptions (`+redemptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			note = excluded.note,
			denial_reason = excluded.denial_reason,
			partner = excluded.partner,
			approved_at = excluded.approved_at,
			completed_at = excluded.completed_at,
			denied_at = excluded.denied_at,
			cancelled_at = excluded.cancelled_at,
			updated_at = excluded.updated_at`,
		r.ID, r.Account.UserID, r.Account.CardID, r.RewardID, r.Points, string(r.Status),
		r.Note, r.DenialReason, r.TrackingCode, r.Partner,
		utc(r.CreatedAt), utcPtr(r.ApprovedAt), utcPtr(r.CompletedAt),
		utcPtr(r.DeniedAt), utcPtr(r.CancelledAt), utc(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save redemption: %w", err)
	}
	return nil
}

// UpdateRedemption is a compare-and-set on status. On PostgreSQL a concurrent
// writer of the same row blocks here until the first commits, then matches
// nothing.
func (c *conn) UpdateRedemption(ctx context.Context, r loyalty.Redemption, from loyalty.RedemptionStatus) error {
	ok, err := c.execOne(ctx, `
		UPDATE redemptions SET
			status = ?,
			note = ?,
			denial_reason = ?,
			partner = ?,
			approved_at = ?,
			completed_at = ?,
			denied_at = ?,
			cancelled_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(r.Status), r.Note, r.DenialReason, r.Partner,
		utcPtr(r.ApprovedAt), utcPtr(r.CompletedAt), utcPtr(r.DeniedAt), utcPtr(r.CancelledAt),
		utc(r.UpdatedAt), r.ID, string(from))
	if err != nil {
		return fmt.Errorf("update redemption: %w", err)
	}
	if ok {
		return nil
	}
	cur, err := c.Redemption(ctx, r.ID)
	if err != nil {
		return err
	}
	return &loyalty.TransitionError{RedemptionID: r.ID, From: cur.Status, To: r.Status}
}

func (c *conn) Redemptions(ctx context.Context, f loyalty.RedemptionFilter) ([]loyalty.Redemption, error) {
	query := `SELECT ` + redemptionColumns + ` FROM redemptions WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.CardID != "" {
		query += ` AND card_id = ?`
		args = append(args, f.CardID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []redemptionRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	out := make([]loyalty.Redemption, len(rows))
	for i, r := range rows {
		out[i] = r.toRedemption()
	}
	return out, nil
}
