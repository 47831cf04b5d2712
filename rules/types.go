/*
Package rules holds the conversion-rule and bonus-campaign catalog and the
algorithms that turn a card transaction into points.

PURPOSE:
  A ConversionRule says how many points a unit of currency is worth for a
  scope (merchant category pattern, category, partner). A BonusCampaign
  multiplies the result for a customer segment. Both carry validity windows,
  priorities and optional caps, and both are configuration: they are
  deactivated, never deleted.

KEY COMPONENTS:
  types.go:      ConversionRule, BonusCampaign, Window
  catalog.go:    immutable Catalog snapshot + Source implementations
  selector.go:   best-match selection with the specificity tie-break
  calculator.go: floor arithmetic, monthly and per-campaign caps
  admin.go:      validated create / patch / (de)activate
  optional.go:   Optional[T] for partial updates

SEE ALSO:
  - accrual/processor.go: the consumer
  - factory/catalog.go: catalog documents
*/
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MultiplierScale is the number of decimals kept on multipliers.
const MultiplierScale = 4

// =============================================================================
// VALIDITY WINDOW
// =============================================================================

type Window struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return w.End == nil || t.Before(*w.End)
}

// ContainsDay compares calendar days only, with both ends inclusive.
// Campaign windows are date-only.
func (w Window) ContainsDay(t time.Time) bool {
	d := truncateDay(t)
	if d.Before(truncateDay(w.Start)) {
		return false
	}
	return w.End == nil || !d.After(truncateDay(*w.End))
}

func (w Window) Valid() bool { return w.End == nil || !w.End.Before(w.Start) }

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// CONVERSION RULE
// =============================================================================

// Specificity ranks equal-priority rules: narrower scope wins.
const (
	SpecificityUnscoped = 1
	SpecificityPattern  = 2
	SpecificityCategory = 3
	SpecificityPartner  = 4
)

type ConversionRule struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Multiplier decimal.Decimal `json:"multiplier"`
	MCCPattern string          `json:"mcc_pattern,omitempty"`
	Category   string          `json:"category,omitempty"`
	PartnerID  string          `json:"partner_id,omitempty"`
	Window     Window          `json:"window"`
	Priority   int             `json:"priority"`
	MonthlyCap *int64          `json:"monthly_cap,omitempty"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Specificity returns the narrowest scope the rule declares.
func (r ConversionRule) Specificity() int {
	switch {
	case r.PartnerID != "":
		return SpecificityPartner
	case r.Category != "":
		return SpecificityCategory
	case r.MCCPattern != "":
		return SpecificityPattern
	default:
		return SpecificityUnscoped
	}
}

// Label is recorded on accrual movements.
func (r ConversionRule) Label() string { return fmt.Sprintf("rule:%d:%s", r.ID, r.Name) }

// Normalize trims strings and rounds the multiplier to MultiplierScale.
func (r *ConversionRule) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.MCCPattern = strings.TrimSpace(r.MCCPattern)
	r.Category = strings.TrimSpace(r.Category)
	r.PartnerID = strings.TrimSpace(r.PartnerID)
	r.Multiplier = r.Multiplier.Round(MultiplierScale)
	if r.Priority < 0 {
		r.Priority = 0
	}
}

// =============================================================================
// BONUS CAMPAIGN
// =============================================================================

type BonusCampaign struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	ExtraMultiplier decimal.Decimal `json:"extra_multiplier"`
	Segment         string          `json:"segment,omitempty"`
	Window          Window          `json:"window"`
	Priority        int             `json:"priority"`
	Cap             *int64          `json:"cap,omitempty"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AppliesToSegment matches case-insensitively; an empty campaign segment matches all.
func (c BonusCampaign) AppliesToSegment(segment string) bool {
	return c.Segment == "" || strings.EqualFold(c.Segment, segment)
}

// TotalMultiplier is 1 + extra.
func (c BonusCampaign) TotalMultiplier() decimal.Decimal {
	return decimal.NewFromInt(1).Add(c.ExtraMultiplier)
}

func (c BonusCampaign) Label() string { return fmt.Sprintf("campaign:%d:%s", c.ID, c.Name) }

func (c *BonusCampaign) Normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Segment = strings.TrimSpace(c.Segment)
	c.ExtraMultiplier = c.ExtraMultiplier.Round(MultiplierScale)
	if c.Priority < 0 {
		c.Priority = 0
	}
}
