/*
Package factory converts catalog documents into rules, campaigns and rewards.

PURPOSE:
  Lets operators keep the rule catalog in version control as YAML (or JSON)
  and apply it with `loyalty catalog import`. Documents go through the same
  validated admin paths as the HTTP API, so a document cannot create a rule
  the API would reject.

DOCUMENT SCHEMA (YAML):
  rules:
    - name: groceries
      multiplier: 1.5
      mcc_pattern: "54[0-9]{2}"
      start: 2025-01-01
      priority: 10
      monthly_cap: 5000
    - name: base
      multiplier: 1
      start: 2025-01-01
  campaigns:
    - name: gold-double
      extra_multiplier: 1
      segment: gold
      start: 2025-06-01
      end: 2025-06-30
      cap: 1000
  rewards:
    - id: mug
      name: Coffee mug
      cost_points: 500
      stock: 20

APPLY SEMANTICS:
  Rules and campaigns are matched by name. A known name is patched in place
  (its ID, and therefore its movement labels, survive); an unknown name is
  created. Rewards are matched by id. Nothing is ever deleted: an entry
  missing from the document is left as it is.

SEE ALSO:
  - rules/admin.go: validated create/patch
  - redemption/rewards.go: reward catalog
  - cmd/loyalty/catalog.go: import/export commands
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/rules"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

type CatalogDocument struct {
	Rules     []RuleDoc     `json:"rules,omitempty" yaml:"rules,omitempty"`
	Campaigns []CampaignDoc `json:"campaigns,omitempty" yaml:"campaigns,omitempty"`
	Rewards   []RewardDoc   `json:"rewards,omitempty" yaml:"rewards,omitempty"`
}

type RuleDoc struct {
	Name       string `json:"name" yaml:"name"`
	Multiplier Number `json:"multiplier" yaml:"multiplier"`
	MCCPattern string `json:"mcc_pattern,omitempty" yaml:"mcc_pattern,omitempty"`
	Category   string `json:"category,omitempty" yaml:"category,omitempty"`
	PartnerID  string `json:"partner_id,omitempty" yaml:"partner_id,omitempty"`
	Start      Date   `json:"start" yaml:"start"`
	End        *Date  `json:"end,omitempty" yaml:"end,omitempty"`
	Priority   int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	MonthlyCap *int64 `json:"monthly_cap,omitempty" yaml:"monthly_cap,omitempty"`
	Active     *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

type CampaignDoc struct {
	Name            string `json:"name" yaml:"name"`
	ExtraMultiplier Number `json:"extra_multiplier" yaml:"extra_multiplier"`
	Segment         string `json:"segment,omitempty" yaml:"segment,omitempty"`
	Start           Date   `json:"start" yaml:"start"`
	End             *Date  `json:"end,omitempty" yaml:"end,omitempty"`
	Priority        int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Cap             *int64 `json:"cap,omitempty" yaml:"cap,omitempty"`
	Active          *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

type RewardDoc struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	CostPoints int64  `json:"cost_points" yaml:"cost_points"`
	Stock      int64  `json:"stock" yaml:"stock"`
	PartnerID  string `json:"partner_id,omitempty" yaml:"partner_id,omitempty"`
	ValidUntil *Date  `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	Active     *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

// =============================================================================
// SCALARS
// =============================================================================

// Number is a decimal written either as a number or a quoted string.
type Number struct {
	decimal.Decimal
}

func NewNumber(s string) Number { return Number{decimal.RequireFromString(s)} }

func (n *Number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	d, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid number %q", node.Line, node.Value)
	}
	n.Decimal = d
	return nil
}

func (n Number) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: n.String()}, nil
}

// Date accepts 2006-01-02 or RFC 3339 and is always UTC.
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date { return Date{t.UTC()} }

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}

func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	t, err := parseDate(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Time = t
	return nil
}

func (d Date) MarshalYAML() (any, error) { return d.format(), nil }

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := parseDate(s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.format()) }

func (d Date) format() string {
	if d.Time.Equal(truncate(d.Time)) {
		return d.Time.Format("2006-01-02")
	}
	return d.Time.Format(time.RFC3339)
}

func truncate(t time.Time) time.Time {
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func (d *Date) ptr() *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

// =============================================================================
// PARSING
// =============================================================================

// CatalogFactory parses and applies catalog documents.
type CatalogFactory struct{}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// ParseYAML decodes a YAML document. Unknown fields are errors.
func (f *CatalogFactory) ParseYAML(data []byte) (CatalogDocument, error) {
	var doc CatalogDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return CatalogDocument{}, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	return doc, nil
}

// ParseJSON decodes a JSON document. Unknown fields are errors.
func (f *CatalogFactory) ParseJSON(data []byte) (CatalogDocument, error) {
	var doc CatalogDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return CatalogDocument{}, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return doc, nil
}

// LoadFile picks the decoder from the file extension (.json, else YAML).
func (f *CatalogFactory) LoadFile(path string) (CatalogDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CatalogDocument{}, fmt.Errorf("read catalog: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return f.ParseJSON(data)
	}
	return f.ParseYAML(data)
}

// MarshalYAML renders doc, the inverse of ParseYAML.
func (f *CatalogFactory) MarshalYAML(doc CatalogDocument) ([]byte, error) {
	return yaml.Marshal(doc)
}

// =============================================================================
// CONVERSION
// =============================================================================

func (d RuleDoc) Input() rules.RuleInput {
	return rules.RuleInput{
		Name:       d.Name,
		Multiplier: d.Multiplier.Decimal,
		MCCPattern: d.MCCPattern,
		Category:   d.Category,
		PartnerID:  d.PartnerID,
		Start:      d.Start.Time,
		End:        d.End.ptr(),
		Priority:   d.Priority,
		MonthlyCap: d.MonthlyCap,
		Active:     d.Active,
	}
}

func (d RuleDoc) Patch() rules.RulePatch {
	p := rules.RulePatch{
		Multiplier: rules.Some(d.Multiplier.Decimal),
		MCCPattern: rules.Some(d.MCCPattern),
		Category:   rules.Some(d.Category),
		PartnerID:  rules.Some(d.PartnerID),
		Start:      rules.Some(d.Start.Time),
		End:        rules.Null[time.Time](),
		Priority:   rules.Some(d.Priority),
		MonthlyCap: rules.Null[int64](),
	}
	if d.End != nil {
		p.End = rules.Some(d.End.Time)
	}
	if d.MonthlyCap != nil {
		p.MonthlyCap = rules.Some(*d.MonthlyCap)
	}
	if d.Active != nil {
		p.Active = rules.Some(*d.Active)
	}
	return p
}

func (d CampaignDoc) Input() rules.CampaignInput {
	return rules.CampaignInput{
		Name:            d.Name,
		ExtraMultiplier: d.ExtraMultiplier.Decimal,
		Segment:         d.Segment,
		Start:           d.Start.Time,
		End:             d.End.ptr(),
		Priority:        d.Priority,
		Cap:             d.Cap,
		Active:          d.Active,
	}
}

func (d CampaignDoc) Patch() rules.CampaignPatch {
	p := rules.CampaignPatch{
		ExtraMultiplier: rules.Some(d.ExtraMultiplier.Decimal),
		Segment:         rules.Some(d.Segment),
		Start:           rules.Some(d.Start.Time),
		End:             rules.Null[time.Time](),
		Priority:        rules.Some(d.Priority),
		Cap:             rules.Null[int64](),
	}
	if d.End != nil {
		p.End = rules.Some(d.End.Time)
	}
	if d.Cap != nil {
		p.Cap = rules.Some(*d.Cap)
	}
	if d.Active != nil {
		p.Active = rules.Some(*d.Active)
	}
	return p
}

func (d RewardDoc) Input() redemption.RewardInput {
	return redemption.RewardInput{
		ID:         d.ID,
		Name:       d.Name,
		CostPoints: d.CostPoints,
		Stock:      d.Stock,
		PartnerID:  d.PartnerID,
		ValidUntil: d.ValidUntil.ptr(),
		Active:     d.Active,
	}
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyResult counts what an import changed.
type ApplyResult struct {
	RulesCreated     int `json:"rules_created"`
	RulesUpdated     int `json:"rules_updated"`
	CampaignsCreated int `json:"campaigns_created"`
	CampaignsUpdated int `json:"campaigns_updated"`
	RewardsSaved     int `json:"rewards_saved"`
}

// Apply writes doc through the admin services. It stops at the first invalid
// entry; entries applied before it stay applied. rewards may be nil when the
// document carries none.
func (f *CatalogFactory) Apply(ctx context.Context, doc CatalogDocument, admin *rules.Admin, rewards *redemption.Rewards) (ApplyResult, error) {
	var res ApplyResult

	existingRules, err := admin.Rules(ctx)
	if err != nil {
		return res, err
	}
	ruleIDs := make(map[string]int64, len(existingRules))
	for _, r := range existingRules {
		ruleIDs[r.Name] = r.ID
	}
	for i, d := range doc.Rules {
		if id, ok := ruleIDs[strings.TrimSpace(d.Name)]; ok {
			if _, err := admin.PatchRule(ctx, id, d.Patch()); err != nil {
				return res, fmt.Errorf("rules[%d] %q: %w", i, d.Name, err)
			}
			res.RulesUpdated++
			continue
		}
		r, err := admin.CreateRule(ctx, d.Input())
		if err != nil {
			return res, fmt.Errorf("rules[%d] %q: %w", i, d.Name, err)
		}
		ruleIDs[r.Name] = r.ID
		res.RulesCreated++
	}

	existingCampaigns, err := admin.Campaigns(ctx)
	if err != nil {
		return res, err
	}
	campaignIDs := make(map[string]int64, len(existingCampaigns))
	for _, c := range existingCampaigns {
		campaignIDs[c.Name] = c.ID
	}
	for i, d := range doc.Campaigns {
		if id, ok := campaignIDs[strings.TrimSpace(d.Name)]; ok {
			if _, err := admin.PatchCampaign(ctx, id, d.Patch()); err != nil {
				return res, fmt.Errorf("campaigns[%d] %q: %w", i, d.Name, err)
			}
			res.CampaignsUpdated++
			continue
		}
		c, err := admin.CreateCampaign(ctx, d.Input())
		if err != nil {
			return res, fmt.Errorf("campaigns[%d] %q: %w", i, d.Name, err)
		}
		campaignIDs[c.Name] = c.ID
		res.CampaignsCreated++
	}

	if len(doc.Rewards) > 0 && rewards == nil {
		return res, loyalty.Invalid("rewards", "document has rewards but no reward catalog was given")
	}
	for i, d := range doc.Rewards {
		if _, err := rewards.Save(ctx, d.Input()); err != nil {
			return res, fmt.Errorf("rewards[%d] %q: %w", i, d.ID, err)
		}
		res.RewardsSaved++
	}
	return res, nil
}

// =============================================================================
// EXPORT
// =============================================================================

// ToDocument renders the current catalog as a document Apply can replay.
func (f *CatalogFactory) ToDocument(rs []rules.ConversionRule, cs []rules.BonusCampaign, rws []loyalty.Reward) CatalogDocument {
	var doc CatalogDocument
	for _, r := range rs {
		active := r.Active
		d := RuleDoc{
			Name:       r.Name,
			Multiplier: Number{r.Multiplier},
			MCCPattern: r.MCCPattern,
			Category:   r.Category,
			PartnerID:  r.PartnerID,
			Start:      NewDate(r.Window.Start),
			Priority:   r.Priority,
			MonthlyCap: r.MonthlyCap,
			Active:     &active,
		}
		if r.Window.End != nil {
			end := NewDate(*r.Window.End)
			d.End = &end
		}
		doc.Rules = append(doc.Rules, d)
	}
	for _, c := range cs {
		active := c.Active
		d := CampaignDoc{
			Name:            c.Name,
			ExtraMultiplier: Number{c.ExtraMultiplier},
			Segment:         c.Segment,
			Start:           NewDate(c.Window.Start),
			Priority:        c.Priority,
			Cap:             c.Cap,
			Active:          &active,
		}
		if c.Window.End != nil {
			end := NewDate(*c.Window.End)
			d.End = &end
		}
		doc.Campaigns = append(doc.Campaigns, d)
	}
	for _, rw := range rws {
		active := rw.Active
		d := RewardDoc{
			ID:         rw.ID,
			Name:       rw.Name,
			CostPoints: rw.CostPoints,
			Stock:      rw.Stock,
			PartnerID:  rw.PartnerID,
			Active:     &active,
		}
		if rw.ValidUntil != nil {
			until := NewDate(*rw.ValidUntil)
			d.ValidUntil = &until
		}
		doc.Rewards = append(doc.Rewards, d)
	}
	return doc
}
