// Package store provides in-process Store implementations.
package store

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/rules"
)

// =============================================================================
// STATE - Unsynchronized data; every method assumes the caller holds the lock
// =============================================================================

type refKey struct {
	Kind  loyalty.MovementKind
	RefID string
}

type state struct {
	accounts    map[loyalty.AccountKey]loyalty.Account
	movements   []loyalty.Movement
	refs        map[refKey]struct{}
	rewards     map[string]loyalty.Reward
	redemptions map[string]loyalty.Redemption
	txs         map[string]loyalty.CardTransaction
	runs        map[string]loyalty.SweepRun

	rules        map[int64]rules.ConversionRule
	campaigns    map[int64]rules.BonusCampaign
	nextRule     int64
	nextCampaign int64
}

func newState() *state {
	return &state{
		accounts:    make(map[loyalty.AccountKey]loyalty.Account),
		refs:        make(map[refKey]struct{}),
		rewards:     make(map[string]loyalty.Reward),
		redemptions: make(map[string]loyalty.Redemption),
		txs:         make(map[string]loyalty.CardTransaction),
		runs:        make(map[string]loyalty.SweepRun),
		rules:       make(map[int64]rules.ConversionRule),
		campaigns:   make(map[int64]rules.BonusCampaign),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	c.movements = append([]loyalty.Movement(nil), s.movements...)
	for k, v := range s.refs {
		c.refs[k] = v
	}
	for k, v := range s.rewards {
		c.rewards[k] = v
	}
	for k, v := range s.redemptions {
		c.redemptions[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	for k, v := range s.campaigns {
		c.campaigns[k] = v
	}
	c.nextRule, c.nextCampaign = s.nextRule, s.nextCampaign
	return c
}

// --- movements ---

func (s *state) ApplyMovement(_ context.Context, m loyalty.Movement) (loyalty.Account, error) {
	if err := m.Validate(); err != nil {
		return loyalty.Account{}, err
	}
	rk := refKey{Kind: m.Kind, RefID: m.RefID}
	if m.RefID != "" {
		if _, dup := s.refs[rk]; dup {
			return loyalty.Account{}, loyalty.ErrDuplicateMovement
		}
	}

	acct, ok := s.accounts[m.Account]
	if !ok {
		if m.Points < 0 {
			return loyalty.Account{}, loyalty.NotFound("account", m.Account.String())
		}
		acct = loyalty.Account{Key: m.Account}
	}
	if acct.IsClosed() {
		return loyalty.Account{}, loyalty.ErrAccountClosed
	}
	if acct.Balance+m.Points < 0 {
		return loyalty.Account{}, &loyalty.InsufficientBalanceError{
			Account:   m.Account,
			Available: acct.Balance,
			Requested: -m.Points,
		}
	}

	acct.Balance += m.Points
	acct.UpdatedAt = m.CreatedAt
	s.accounts[m.Account] = acct
	s.movements = append(s.movements, m)
	if m.RefID != "" {
		s.refs[rk] = struct{}{}
	}
	return acct, nil
}

func (s *state) HasMovement(_ context.Context, refID string, kind loyalty.MovementKind) (bool, error) {
	if refID == "" {
		return false, nil
	}
	_, ok := s.refs[refKey{Kind: kind, RefID: refID}]
	return ok, nil
}

func (s *state) MovementsByRef(_ context.Context, refID string, kind loyalty.MovementKind) ([]loyalty.Movement, error) {
	var out []loyalty.Movement
	for _, m := range s.movements {
		if m.RefID == refID && m.Kind == kind {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *state) Movements(_ context.Context, key loyalty.AccountKey) ([]loyalty.Movement, error) {
	var out []loyalty.Movement
	for _, m := range s.movements {
		if m.Account == key {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *state) AccrualSum(_ context.Context, key loyalty.AccountKey, from, to time.Time) (int64, error) {
	var sum int64
	for _, m := range s.movements {
		if m.Kind != loyalty.KindAccrual || m.Account != key {
			continue
		}
		at := m.OccurredAt()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		sum += m.Points
	}
	return sum, nil
}

func (s *state) Accruals(_ context.Context, f loyalty.AccrualFilter) ([]loyalty.Movement, error) {
	var out []loyalty.Movement
	for _, m := range s.movements {
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- accounts ---

func (s *state) Account(_ context.Context, key loyalty.AccountKey) (loyalty.Account, error) {
	a, ok := s.accounts[key]
	if !ok {
		return loyalty.Account{}, loyalty.NotFound("account", key.String())
	}
	return a, nil
}

func (s *state) Accounts(_ context.Context, f loyalty.AccountFilter) ([]loyalty.Account, error) {
	var out []loyalty.Account
	for _, a := range s.accounts {
		if f.UserID != "" && a.Key.UserID != f.UserID {
			continue
		}
		if f.PositiveOnly && a.Balance <= 0 {
			continue
		}
		if !f.IncludeClosed && a.IsClosed() {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.UserID != out[j].Key.UserID {
			return out[i].Key.UserID < out[j].Key.UserID
		}
		return out[i].Key.CardID < out[j].Key.CardID
	})
	return out, nil
}

func (s *state) CloseAccount(_ context.Context, key loyalty.AccountKey, at time.Time) error {
	a, ok := s.accounts[key]
	if !ok {
		return loyalty.NotFound("account", key.String())
	}
	if a.IsClosed() {
		return nil
	}
	a.ClosedAt = &at
	a.UpdatedAt = at
	s.accounts[key] = a
	return nil
}

func (s *state) SetExpiringBuckets(_ context.Context, key loyalty.AccountKey, b loyalty.ExpiringBuckets) error {
	a, ok := s.accounts[key]
	if !ok {
		return loyalty.NotFound("account", key.String())
	}
	a.Expiring = b
	s.accounts[key] = a
	return nil
}

// LockAccount is a no-op: WithTx already holds the store's write lock.
func (s *state) LockAccount(context.Context, loyalty.AccountKey) error { return nil }

// --- rewards ---

func (s *state) Reward(_ context.Context, id string) (loyalty.Reward, error) {
	r, ok := s.rewards[id]
	if !ok {
		return loyalty.Reward{}, loyalty.NotFound("reward", id)
	}
	return r, nil
}

func (s *state) Rewards(_ context.Context, activeOnly bool) ([]loyalty.Reward, error) {
	var out []loyalty.Reward
	for _, r := range s.rewards {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SaveReward(_ context.Context, r loyalty.Reward) error {
	if r.ID == "" {
		return loyalty.Invalid("id", "reward id is required")
	}
	s.rewards[r.ID] = r
	return nil
}

func (s *state) DecrementStock(_ context.Context, id string) (loyalty.Reward, error) {
	r, ok := s.rewards[id]
	if !ok {
		return loyalty.Reward{}, loyalty.NotFound("reward", id)
	}
	if !r.Active || r.Stock <= 0 {
		return loyalty.Reward{}, loyalty.ErrRewardUnavailable
	}
	r.Stock--
	if r.Stock == 0 {
		r.Active = false
	}
	r.UpdatedAt = time.Now().UTC()
	s.rewards[id] = r
	return r, nil
}

func (s *state) IncrementStock(_ context.Context, id string, n int64) (loyalty.Reward, error) {
	r, ok := s.rewards[id]
	if !ok {
		return loyalty.Reward{}, loyalty.NotFound("reward", id)
	}
	r.Stock += n
	r.UpdatedAt = time.Now().UTC()
	s.rewards[id] = r
	return r, nil
}

// --- redemptions ---

func (s *state) Redemption(_ context.Context, id string) (loyalty.Redemption, error) {
	r, ok := s.redemptions[id]
	if !ok {
		return loyalty.Redemption{}, loyalty.NotFound("redemption", id)
	}
	return r, nil
}

func (s *state) SaveRedemption(_ context.Context, r loyalty.Redemption) error {
	s.redemptions[r.ID] = r
	return nil
}

func (s *state) UpdateRedemption(_ context.Context, r loyalty.Redemption, from loyalty.RedemptionStatus) error {
	cur, ok := s.redemptions[r.ID]
	if !ok {
		return loyalty.NotFound("redemption", r.ID)
	}
	if cur.Status != from {
		return &loyalty.TransitionError{RedemptionID: r.ID, From: cur.Status, To: r.Status}
	}
	s.redemptions[r.ID] = r
	return nil
}

func (s *state) Redemptions(_ context.Context, f loyalty.RedemptionFilter) ([]loyalty.Redemption, error) {
	var out []loyalty.Redemption
	for _, r := range s.redemptions {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- card transactions ---

func (s *state) Transaction(_ context.Context, id string) (loyalty.CardTransaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return loyalty.CardTransaction{}, loyalty.NotFound("transaction", id)
	}
	return tx, nil
}

func (s *state) SaveTransaction(_ context.Context, tx loyalty.CardTransaction) error {
	s.txs[tx.ID] = tx
	return nil
}

func (s *state) MarkProcessed(_ context.Context, id string, points int64, at time.Time) error {
	tx, ok := s.txs[id]
	if !ok {
		return loyalty.NotFound("transaction", id)
	}
	tx.ProcessedAt = &at
	tx.PointsGenerated = points
	s.txs[id] = tx
	return nil
}

// --- sweep runs ---

func (s *state) SaveSweepRun(_ context.Context, run loyalty.SweepRun) error {
	s.runs[run.ID] = run
	return nil
}

func (s *state) SweepRuns(_ context.Context, limit int) ([]loyalty.SweepRun, error) {
	out := make([]loyalty.SweepRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- catalog ---

func (s *state) ListRules(_ context.Context) ([]rules.ConversionRule, error) {
	out := make([]rules.ConversionRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) Rule(_ context.Context, id int64) (rules.ConversionRule, error) {
	r, ok := s.rules[id]
	if !ok {
		return rules.ConversionRule{}, loyalty.NotFound("rule", strconv.FormatInt(id, 10))
	}
	return r, nil
}

func (s *state) SaveRule(_ context.Context, r *rules.ConversionRule) error {
	if r.ID == 0 {
		s.nextRule++
		r.ID = s.nextRule
	} else if _, ok := s.rules[r.ID]; !ok {
		return loyalty.NotFound("rule", strconv.FormatInt(r.ID, 10))
	}
	s.rules[r.ID] = *r
	return nil
}

func (s *state) ListCampaigns(_ context.Context) ([]rules.BonusCampaign, error) {
	out := make([]rules.BonusCampaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) Campaign(_ context.Context, id int64) (rules.BonusCampaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return rules.BonusCampaign{}, loyalty.NotFound("campaign", strconv.FormatInt(id, 10))
	}
	return c, nil
}

func (s *state) SaveCampaign(_ context.Context, c *rules.BonusCampaign) error {
	if c.ID == 0 {
		s.nextCampaign++
		c.ID = s.nextCampaign
	} else if _, ok := s.campaigns[c.ID]; !ok {
		return loyalty.NotFound("campaign", strconv.FormatInt(c.ID, 10))
	}
	s.campaigns[c.ID] = *c
	return nil
}
