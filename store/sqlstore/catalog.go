package sqlstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/rules"
)

// =============================================================================
// CONVERSION RULES
// =============================================================================

type ruleRow struct {
	ID         int64           `db:"id"`
	Name       string          `db:"name"`
	Multiplier decimal.Decimal `db:"multiplier"`
	MCCPattern string          `db:"mcc_pattern"`
	Category   string          `db:"category"`
	PartnerID  string          `db:"partner_id"`
	ValidFrom  time.Time       `db:"valid_from"`
	ValidTo    *time.Time      `db:"valid_to"`
	Priority   int             `db:"priority"`
	MonthlyCap *int64          `db:"monthly_cap"`
	Active     bool            `db:"active"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func (r ruleRow) toRule() rules.ConversionRule {
	return rules.ConversionRule{
		ID:         r.ID,
		Name:       r.Name,
		Multiplier: r.Multiplier,
		MCCPattern: r.MCCPattern,
		Category:   r.Category,
		PartnerID:  r.PartnerID,
		Window:     rules.Window{Start: r.ValidFrom.UTC(), End: utcPtr(r.ValidTo)},
		Priority:   r.Priority,
		MonthlyCap: r.MonthlyCap,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

const ruleColumns = `name, multiplier, mcc_pattern, category, partner_id, valid_from, valid_to, priority, monthly_cap, active, created_at, updated_at`

func (c *conn) ListRules(ctx context.Context) ([]rules.ConversionRule, error) {
	var rows []ruleRow
	if err := c.selectAll(ctx, &rows, `SELECT id, `+ruleColumns+` FROM rules ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]rules.ConversionRule, len(rows))
	for i, r := range rows {
		out[i] = r.toRule()
	}
	return out, nil
}

func (c *conn) Rule(ctx context.Context, id int64) (rules.ConversionRule, error) {
	var row ruleRow
	err := c.get(ctx, &row, `SELECT id, `+ruleColumns+` FROM rules WHERE id = ?`, id)
	if isNoRows(err) {
		return rules.ConversionRule{}, loyalty.NotFound("rule", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return rules.ConversionRule{}, fmt.Errorf("get rule: %w", err)
	}
	return row.toRule(), nil
}

// SaveRule inserts when r.ID is zero, assigning the ID, and updates otherwise.
func (c *conn) SaveRule(ctx context.Context, r *rules.ConversionRule) error {
	args := []any{
		r.Name, r.Multiplier.StringFixed(rules.MultiplierScale), r.MCCPattern, r.Category, r.PartnerID,
		utc(r.Window.Start), utcPtr(r.Window.End), r.Priority, r.MonthlyCap, r.Active,
		utc(r.CreatedAt), utc(r.UpdatedAt),
	}
	if r.ID == 0 {
		err := c.get(ctx, &r.ID, `
			INSERT INTO rules (`+ruleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`, args...)
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		return nil
	}
	ok, err := c.execOne(ctx, `
		UPDATE rules SET name = ?, multiplier = ?, mcc_pattern = ?, category = ?, partner_id = ?,
			valid_from = ?, valid_to = ?, priority = ?, monthly_cap = ?, active = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?`, append(args, r.ID)...)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if !ok {
		return loyalty.NotFound("rule", strconv.FormatInt(r.ID, 10))
	}
	return nil
}

// =============================================================================
// BONUS CAMPAIGNS
// =============================================================================

type campaignRow struct {
	ID              int64           `db:"id"`
	Name            string          `db:"name"`
	ExtraMultiplier decimal.Decimal `db:"extra_multiplier"`
	Segment         string          `db:"segment"`
	ValidFrom       time.Time       `db:"valid_from"`
	ValidTo         *time.Time      `db:"valid_to"`
	Priority        int             `db:"priority"`
	Cap             *int64          `db:"cap"`
	Active          bool            `db:"active"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r campaignRow) toCampaign() rules.BonusCampaign {
	return rules.BonusCampaign{
		ID:              r.ID,
		Name:            r.Name,
		ExtraMultiplier: r.ExtraMultiplier,
		Segment:         r.Segment,
		Window:          rules.Window{Start: r.ValidFrom.UTC(), End: utcPtr(r.ValidTo)},
		Priority:        r.Priority,
		Cap:             r.Cap,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

const campaignColumns = `name, extra_multiplier, segment, valid_from, valid_to, priority, cap, active, created_at, updated_at`

func (c *conn) ListCampaigns(ctx context.Context) ([]rules.BonusCampaign, error) {
	var rows []campaignRow
	if err := c.selectAll(ctx, &rows, `SELECT id, `+campaignColumns+` FROM campaigns ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]rules.BonusCampaign, len(rows))
	for i, r := range rows {
		out[i] = r.toCampaign()
	}
	return out, nil
}

func (c *conn) Campaign(ctx context.Context, id int64) (rules.BonusCampaign, error) {
	var row campaignRow
	err := c.get(ctx, &row, `SELECT id, `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	if isNoRows(err) {
		return rules.BonusCampaign{}, loyalty.NotFound("campaign", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return rules.BonusCampaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return row.toCampaign(), nil
}

func (c *conn) SaveCampaign(ctx context.Context, bc *rules.BonusCampaign) error {
	args := []any{
		bc.Name, bc.ExtraMultiplier.StringFixed(rules.MultiplierScale), bc.Segment,
		utc(bc.Window.Start), utcPtr(bc.Window.End), bc.Priority, bc.Cap, bc.Active,
		utc(bc.CreatedAt), utc(bc.UpdatedAt),
	}
	if bc.ID == 0 {
		err := c.get(ctx, &bc.ID, `
			INSERT INTO campaigns (`+campaignColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`, args...)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		return nil
	}
	ok, err := c.execOne(ctx, `
		UPDATE campaigns SET name = ?, extra_multiplier = ?, segment = ?, valid_from = ?, valid_to = ?,
			priority = ?, cap = ?, active = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, append(args, bc.ID)...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if !ok {
		return loyalty.NotFound("campaign", strconv.FormatInt(bc.ID, 10))
	}
	return nil
}
