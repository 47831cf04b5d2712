package rules

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// =============================================================================
// REPOSITORY - Configuration authority storage
// =============================================================================

// Repository persists rules and campaigns. Save inserts when ID is zero
// (assigning the ID) and updates otherwise. There is no delete.
type Repository interface {
	ListRules(ctx context.Context) ([]ConversionRule, error)
	Rule(ctx context.Context, id int64) (ConversionRule, error)
	SaveRule(ctx context.Context, r *ConversionRule) error

	ListCampaigns(ctx context.Context) ([]BonusCampaign, error)
	Campaign(ctx context.Context, id int64) (BonusCampaign, error)
	SaveCampaign(ctx context.Context, c *BonusCampaign) error
}

// =============================================================================
// CATALOG - Immutable snapshot read by one evaluation
// =============================================================================

// Catalog is a read-only snapshot of the rule and campaign tables. Callers
// fetch one per evaluation so they never observe a half-applied edit.
type Catalog struct {
	rules     []ConversionRule
	campaigns []BonusCampaign
	patterns  map[int64]*regexp.Regexp // nil entry: malformed, never matches
	builtAt   time.Time
}

// NewCatalog copies its inputs and compiles every MCC pattern once.
func NewCatalog(rules []ConversionRule, campaigns []BonusCampaign) *Catalog {
	c := &Catalog{
		rules:     append([]ConversionRule(nil), rules...),
		campaigns: append([]BonusCampaign(nil), campaigns...),
		patterns:  make(map[int64]*regexp.Regexp),
		builtAt:   time.Now(),
	}
	for _, r := range c.rules {
		if r.MCCPattern == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + r.MCCPattern + ")$")
		if err != nil {
			re = nil
		}
		c.patterns[r.ID] = re
	}
	return c
}

func (c *Catalog) Rules() []ConversionRule { return append([]ConversionRule(nil), c.rules...) }

func (c *Catalog) Campaigns() []BonusCampaign { return append([]BonusCampaign(nil), c.campaigns...) }

func (c *Catalog) BuiltAt() time.Time { return c.builtAt }

func (c *Catalog) matchesMCC(r ConversionRule, mcc string) bool {
	if r.MCCPattern == "" {
		return true
	}
	re := c.patterns[r.ID]
	if re == nil || mcc == "" {
		return false
	}
	return re.MatchString(mcc)
}

// =============================================================================
// SOURCES
// =============================================================================

// Source hands out catalog snapshots.
type Source interface {
	Snapshot(ctx context.Context) (*Catalog, error)
}

// Invalidator is implemented by caching sources so catalog edits are visible.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// RepositorySource builds a fresh snapshot from the repository on every call.
type RepositorySource struct {
	Repo Repository
}

func (s RepositorySource) Snapshot(ctx context.Context) (*Catalog, error) {
	rules, err := s.Repo.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	campaigns, err := s.Repo.ListCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return NewCatalog(rules, campaigns), nil
}

// CachedSource keeps a snapshot in process for TTL.
type CachedSource struct {
	inner Source
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	snap     *Catalog
	loadedAt time.Time
}

func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	return &CachedSource{inner: inner, ttl: ttl, now: time.Now}
}

func (s *CachedSource) Snapshot(ctx context.Context) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap != nil && s.now().Sub(s.loadedAt) < s.ttl {
		return s.snap, nil
	}
	snap, err := s.inner.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.snap = snap
	s.loadedAt = s.now()
	return snap, nil
}

func (s *CachedSource) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	s.snap = nil
	s.mu.Unlock()
	if inv, ok := s.inner.(Invalidator); ok {
		return inv.Invalidate(ctx)
	}
	return nil
}
