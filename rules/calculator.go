package rules

import (
	"github.com/shopspring/decimal"
)

// Breakdown explains how a point amount was reached.
type Breakdown struct {
	Base        int64 `json:"base"`         // floor(amount * multiplier)
	Capped      int64 `json:"capped"`       // base after the monthly cap
	Final       int64 `json:"final"`        // after the campaign
	MonthlyCap  bool  `json:"monthly_cap"`  // the monthly cap reduced the amount
	CampaignCap bool  `json:"campaign_cap"` // the campaign cap reduced the amount
}

// Calculate turns a transaction amount into points. rule must be non-nil;
// campaign may be nil. monthToDate is the account's accrual total for the
// current calendar month. Every step floors and the result is never negative.
func Calculate(amount decimal.Decimal, rule *ConversionRule, campaign *BonusCampaign, monthToDate int64) Breakdown {
	var b Breakdown
	if rule == nil || !amount.IsPositive() {
		return b
	}

	b.Base = floorInt(amount.Mul(rule.Multiplier))
	b.Capped = b.Base
	if rule.MonthlyCap != nil {
		remaining := *rule.MonthlyCap - monthToDate
		if remaining <= 0 {
			b.Capped = 0
		} else if b.Capped > remaining {
			b.Capped = remaining
		}
		b.MonthlyCap = b.Capped < b.Base
	}

	b.Final = b.Capped
	if campaign != nil && b.Capped > 0 {
		b.Final = floorInt(decimal.NewFromInt(b.Capped).Mul(campaign.TotalMultiplier()))
		if campaign.Cap != nil && b.Final > *campaign.Cap {
			b.Final = *campaign.Cap
			b.CampaignCap = true
		}
	}
	if b.Final < 0 {
		b.Final = 0
	}
	return b
}

// ComputePoints is Calculate reduced to the final amount.
func ComputePoints(amount decimal.Decimal, rule *ConversionRule, campaign *BonusCampaign, monthToDate int64) int64 {
	return Calculate(amount, rule, campaign, monthToDate).Final
}

func floorInt(d decimal.Decimal) int64 {
	f := d.Floor()
	if f.IsNegative() {
		return 0
	}
	return f.IntPart()
}
