/*
admin.go - Configuration authority for rules and campaigns

PURPOSE:
  Creates, patches and (de)activates catalog entries. Entries are never
  deleted; deactivation keeps them out of selection while their labels stay
  meaningful on historical movements.

  Every write invalidates the catalog cache so the next snapshot sees it.
  Evaluations already holding a snapshot finish on the old one.
*/
package rules

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/validation"
)

// =============================================================================
// INPUTS
// =============================================================================

type RuleInput struct {
	Name       string          `json:"name" validate:"required,max=120"`
	Multiplier decimal.Decimal `json:"multiplier" validate:"gt=0"`
	MCCPattern string          `json:"mcc_pattern" validate:"omitempty,max=64,mccpattern"`
	Category   string          `json:"category" validate:"max=60"`
	PartnerID  string          `json:"partner_id" validate:"max=60"`
	Start      time.Time       `json:"start" validate:"required"`
	End        *time.Time      `json:"end"`
	Priority   int             `json:"priority" validate:"gte=0"`
	MonthlyCap *int64          `json:"monthly_cap" validate:"omitempty,gt=0"`
	Active     *bool           `json:"active"`
}

// RulePatch updates only the fields present in the request body.
type RulePatch struct {
	Name       Optional[string]          `json:"name"`
	Multiplier Optional[decimal.Decimal] `json:"multiplier"`
	MCCPattern Optional[string]          `json:"mcc_pattern"`
	Category   Optional[string]          `json:"category"`
	PartnerID  Optional[string]          `json:"partner_id"`
	Start      Optional[time.Time]       `json:"start"`
	End        Optional[time.Time]       `json:"end"`
	Priority   Optional[int]             `json:"priority"`
	MonthlyCap Optional[int64]           `json:"monthly_cap"`
	Active     Optional[bool]            `json:"active"`
}

type CampaignInput struct {
	Name            string          `json:"name" validate:"required,max=120"`
	ExtraMultiplier decimal.Decimal `json:"extra_multiplier" validate:"gte=0"`
	Segment         string          `json:"segment" validate:"max=60"`
	Start           time.Time       `json:"start" validate:"required"`
	End             *time.Time      `json:"end"`
	Priority        int             `json:"priority" validate:"gte=0"`
	Cap             *int64          `json:"cap" validate:"omitempty,gt=0"`
	Active          *bool           `json:"active"`
}

type CampaignPatch struct {
	Name            Optional[string]          `json:"name"`
	ExtraMultiplier Optional[decimal.Decimal] `json:"extra_multiplier"`
	Segment         Optional[string]          `json:"segment"`
	Start           Optional[time.Time]       `json:"start"`
	End             Optional[time.Time]       `json:"end"`
	Priority        Optional[int]             `json:"priority"`
	Cap             Optional[int64]           `json:"cap"`
	Active          Optional[bool]            `json:"active"`
}

// =============================================================================
// ADMIN
// =============================================================================

type Admin struct {
	repo  Repository
	cache Invalidator
	now   func() time.Time
}

// NewAdmin returns an Admin writing to repo. cache may be nil.
func NewAdmin(repo Repository, cache Invalidator) *Admin {
	return &Admin{repo: repo, cache: cache, now: func() time.Time { return time.Now().UTC() }}
}

func (a *Admin) Rules(ctx context.Context) ([]ConversionRule, error) { return a.repo.ListRules(ctx) }

func (a *Admin) Rule(ctx context.Context, id int64) (ConversionRule, error) {
	return a.repo.Rule(ctx, id)
}

func (a *Admin) CreateRule(ctx context.Context, in RuleInput) (ConversionRule, error) {
	r := ConversionRule{
		Name:       in.Name,
		Multiplier: in.Multiplier,
		MCCPattern: in.MCCPattern,
		Category:   in.Category,
		PartnerID:  in.PartnerID,
		Window:     Window{Start: in.Start, End: in.End},
		Priority:   in.Priority,
		MonthlyCap: in.MonthlyCap,
		Active:     in.Active == nil || *in.Active,
	}
	r.Normalize()
	if err := validateRule(r); err != nil {
		return ConversionRule{}, err
	}
	r.CreatedAt = a.now()
	r.UpdatedAt = r.CreatedAt
	if err := a.repo.SaveRule(ctx, &r); err != nil {
		return ConversionRule{}, err
	}
	return r, a.invalidate(ctx)
}

func (a *Admin) PatchRule(ctx context.Context, id int64, p RulePatch) (ConversionRule, error) {
	r, err := a.repo.Rule(ctx, id)
	if err != nil {
		return ConversionRule{}, err
	}
	p.Name.ApplyTo(&r.Name)
	p.Multiplier.ApplyTo(&r.Multiplier)
	p.MCCPattern.ApplyTo(&r.MCCPattern)
	p.Category.ApplyTo(&r.Category)
	p.PartnerID.ApplyTo(&r.PartnerID)
	p.Start.ApplyTo(&r.Window.Start)
	p.End.ApplyToPtr(&r.Window.End)
	p.Priority.ApplyTo(&r.Priority)
	p.MonthlyCap.ApplyToPtr(&r.MonthlyCap)
	p.Active.ApplyTo(&r.Active)

	r.Normalize()
	if err := validateRule(r); err != nil {
		return ConversionRule{}, err
	}
	r.UpdatedAt = a.now()
	if err := a.repo.SaveRule(ctx, &r); err != nil {
		return ConversionRule{}, err
	}
	return r, a.invalidate(ctx)
}

func (a *Admin) SetRuleActive(ctx context.Context, id int64, active bool) (ConversionRule, error) {
	return a.PatchRule(ctx, id, RulePatch{Active: Some(active)})
}

func (a *Admin) Campaigns(ctx context.Context) ([]BonusCampaign, error) {
	return a.repo.ListCampaigns(ctx)
}

func (a *Admin) Campaign(ctx context.Context, id int64) (BonusCampaign, error) {
	return a.repo.Campaign(ctx, id)
}

func (a *Admin) CreateCampaign(ctx context.Context, in CampaignInput) (BonusCampaign, error) {
	c := BonusCampaign{
		Name:            in.Name,
		ExtraMultiplier: in.ExtraMultiplier,
		Segment:         in.Segment,
		Window:          Window{Start: in.Start, End: in.End},
		Priority:        in.Priority,
		Cap:             in.Cap,
		Active:          in.Active == nil || *in.Active,
	}
	c.Normalize()
	if err := validateCampaign(c); err != nil {
		return BonusCampaign{}, err
	}
	c.CreatedAt = a.now()
	c.UpdatedAt = c.CreatedAt
	if err := a.repo.SaveCampaign(ctx, &c); err != nil {
		return BonusCampaign{}, err
	}
	return c, a.invalidate(ctx)
}

func (a *Admin) PatchCampaign(ctx context.Context, id int64, p CampaignPatch) (BonusCampaign, error) {
	c, err := a.repo.Campaign(ctx, id)
	if err != nil {
		return BonusCampaign{}, err
	}
	p.Name.ApplyTo(&c.Name)
	p.ExtraMultiplier.ApplyTo(&c.ExtraMultiplier)
	p.Segment.ApplyTo(&c.Segment)
	p.Start.ApplyTo(&c.Window.Start)
	p.End.ApplyToPtr(&c.Window.End)
	p.Priority.ApplyTo(&c.Priority)
	p.Cap.ApplyToPtr(&c.Cap)
	p.Active.ApplyTo(&c.Active)

	c.Normalize()
	if err := validateCampaign(c); err != nil {
		return BonusCampaign{}, err
	}
	c.UpdatedAt = a.now()
	if err := a.repo.SaveCampaign(ctx, &c); err != nil {
		return BonusCampaign{}, err
	}
	return c, a.invalidate(ctx)
}

func (a *Admin) SetCampaignActive(ctx context.Context, id int64, active bool) (BonusCampaign, error) {
	return a.PatchCampaign(ctx, id, CampaignPatch{Active: Some(active)})
}

func (a *Admin) invalidate(ctx context.Context) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Invalidate(ctx)
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateRule(r ConversionRule) error {
	in := RuleInput{
		Name:       r.Name,
		Multiplier: r.Multiplier,
		MCCPattern: r.MCCPattern,
		Category:   r.Category,
		PartnerID:  r.PartnerID,
		Start:      r.Window.Start,
		End:        r.Window.End,
		Priority:   r.Priority,
		MonthlyCap: r.MonthlyCap,
	}
	if err := validation.Struct(in); err != nil {
		return err
	}
	if !r.Window.Valid() {
		return loyalty.Invalid("end", "window end precedes start")
	}
	return nil
}

func validateCampaign(c BonusCampaign) error {
	in := CampaignInput{
		Name:            c.Name,
		ExtraMultiplier: c.ExtraMultiplier,
		Segment:         c.Segment,
		Start:           c.Window.Start,
		End:             c.Window.End,
		Priority:        c.Priority,
		Cap:             c.Cap,
	}
	if err := validation.Struct(in); err != nil {
		return err
	}
	if !c.Window.Valid() {
		return loyalty.Invalid("end", "window end precedes start")
	}
	return nil
}
