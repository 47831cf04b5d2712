package rules

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Query carries the transaction attributes a rule can be scoped on.
type Query struct {
	MCC       string
	Category  string
	PartnerID string
	At        time.Time
}

// matches reports whether r is active, valid at q.At and in scope for q.
// An empty rule scope matches anything; a scoped rule never matches a
// transaction that lacks the attribute.
func (c *Catalog) matches(r ConversionRule, q Query) bool {
	if !r.Active || !r.Window.Contains(q.At) {
		return false
	}
	if !c.matchesMCC(r, q.MCC) {
		return false
	}
	if r.Category != "" && !strings.EqualFold(r.Category, q.Category) {
		return false
	}
	if r.PartnerID != "" && r.PartnerID != q.PartnerID {
		return false
	}
	return true
}

// SelectRule returns the best-matching rule: highest priority, then highest
// specificity, then lowest ID. ok is false when nothing matches.
func (c *Catalog) SelectRule(q Query) (ConversionRule, bool) {
	var candidates []ConversionRule
	for _, r := range c.rules {
		if c.matches(r, q) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return ConversionRule{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if sa, sb := a.Specificity(), b.Specificity(); sa != sb {
			return sa > sb
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

// SelectCampaign returns the highest-priority active campaign for the segment
// whose date window contains at. Ties go to the campaign created first.
func (c *Catalog) SelectCampaign(segment string, at time.Time) (BonusCampaign, bool) {
	var (
		best  BonusCampaign
		found bool
	)
	for _, bc := range c.campaigns {
		if !bc.Active || !bc.Window.ContainsDay(at) || !bc.AppliesToSegment(segment) {
			continue
		}
		if !found || bc.Priority > best.Priority || (bc.Priority == best.Priority && bc.ID < best.ID) {
			best, found = bc, true
		}
	}
	return best, found
}

// =============================================================================
// SELECTOR - Snapshot-per-evaluation facade
// =============================================================================

// Selection is the outcome of one evaluation. Nil fields mean no match.
type Selection struct {
	Rule     *ConversionRule
	Campaign *BonusCampaign
}

type Selector struct {
	source Source
}

func NewSelector(source Source) *Selector {
	return &Selector{source: source}
}

// Select resolves rule and campaign from the same catalog snapshot.
func (s *Selector) Select(ctx context.Context, q Query, segment string) (Selection, error) {
	cat, err := s.source.Snapshot(ctx)
	if err != nil {
		return Selection{}, err
	}
	var sel Selection
	if r, ok := cat.SelectRule(q); ok {
		sel.Rule = &r
	}
	if bc, ok := cat.SelectCampaign(segment, q.At); ok {
		sel.Campaign = &bc
	}
	return sel, nil
}

func (s *Selector) SelectConversionRule(ctx context.Context, q Query) (*ConversionRule, error) {
	cat, err := s.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := cat.SelectRule(q)
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Selector) SelectBonusCampaign(ctx context.Context, segment string, at time.Time) (*BonusCampaign, error) {
	cat, err := s.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	bc, ok := cat.SelectCampaign(segment, at)
	if !ok {
		return nil, nil
	}
	return &bc, nil
}
