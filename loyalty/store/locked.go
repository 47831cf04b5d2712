package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/rules"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements loyalty.TxStore and rules.Repository. A single RWMutex
// serializes writers, which makes every ApplyMovement an atomic
// check-and-update on the account balance.
type Memory struct {
	mu sync.RWMutex
	st *state
}

var (
	_ loyalty.TxStore  = (*Memory)(nil)
	_ rules.Repository = (*Memory)(nil)
	_ loyalty.Store    = (*state)(nil)
)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// For the memory store this is a snapshot + restore on error. The store is
// write-locked for the duration, so fn must only use the Store it is given.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// --- movements ---

func (m *Memory) ApplyMovement(ctx context.Context, mv loyalty.Movement) (loyalty.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ApplyMovement(ctx, mv)
}

func (m *Memory) HasMovement(ctx context.Context, refID string, kind loyalty.MovementKind) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.HasMovement(ctx, refID, kind)
}

func (m *Memory) MovementsByRef(ctx context.Context, refID string, kind loyalty.MovementKind) ([]loyalty.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.MovementsByRef(ctx, refID, kind)
}

func (m *Memory) Movements(ctx context.Context, key loyalty.AccountKey) ([]loyalty.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Movements(ctx, key)
}

func (m *Memory) AccrualSum(ctx context.Context, key loyalty.AccountKey, from, to time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.AccrualSum(ctx, key, from, to)
}

func (m *Memory) Accruals(ctx context.Context, f loyalty.AccrualFilter) ([]loyalty.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Accruals(ctx, f)
}

// --- accounts ---

func (m *Memory) Account(ctx context.Context, key loyalty.AccountKey) (loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Account(ctx, key)
}

func (m *Memory) Accounts(ctx context.Context, f loyalty.AccountFilter) ([]loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Accounts(ctx, f)
}

func (m *Memory) CloseAccount(ctx context.Context, key loyalty.AccountKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CloseAccount(ctx, key, at)
}

func (m *Memory) SetExpiringBuckets(ctx context.Context, key loyalty.AccountKey, b loyalty.ExpiringBuckets) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetExpiringBuckets(ctx, key, b)
}

func (m *Memory) LockAccount(ctx context.Context, key loyalty.AccountKey) error {
	return nil
}

// --- rewards ---

func (m *Memory) Reward(ctx context.Context, id string) (loyalty.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Reward(ctx, id)
}

func (m *Memory) Rewards(ctx context.Context, activeOnly bool) ([]loyalty.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Rewards(ctx, activeOnly)
}

func (m *Memory) SaveReward(ctx context.Context, r loyalty.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveReward(ctx, r)
}

func (m *Memory) DecrementStock(ctx context.Context, id string) (loyalty.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DecrementStock(ctx, id)
}

func (m *Memory) IncrementStock(ctx context.Context, id string, n int64) (loyalty.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.IncrementStock(ctx, id, n)
}

// --- redemptions ---

func (m *Memory) Redemption(ctx context.Context, id string) (loyalty.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Redemption(ctx, id)
}

func (m *Memory) SaveRedemption(ctx context.Context, r loyalty.Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveRedemption(ctx, r)
}

func (m *Memory) UpdateRedemption(ctx context.Context, r loyalty.Redemption, from loyalty.RedemptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateRedemption(ctx, r, from)
}

func (m *Memory) Redemptions(ctx context.Context, f loyalty.RedemptionFilter) ([]loyalty.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Redemptions(ctx, f)
}

// --- card transactions ---

func (m *Memory) Transaction(ctx context.Context, id string) (loyalty.CardTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Transaction(ctx, id)
}

func (m *Memory) SaveTransaction(ctx context.Context, tx loyalty.CardTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveTransaction(ctx, tx)
}

func (m *Memory) MarkProcessed(ctx context.Context, id string, points int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.MarkProcessed(ctx, id, points, at)
}

// --- sweep runs ---

func (m *Memory) SaveSweepRun(ctx context.Context, run loyalty.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveSweepRun(ctx, run)
}

func (m *Memory) SweepRuns(ctx context.Context, limit int) ([]loyalty.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.SweepRuns(ctx, limit)
}

// --- catalog ---

func (m *Memory) ListRules(ctx context.Context) ([]rules.ConversionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListRules(ctx)
}

func (m *Memory) Rule(ctx context.Context, id int64) (rules.ConversionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Rule(ctx, id)
}

func (m *Memory) SaveRule(ctx context.Context, r *rules.ConversionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveRule(ctx, r)
}

func (m *Memory) ListCampaigns(ctx context.Context) ([]rules.BonusCampaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListCampaigns(ctx)
}

func (m *Memory) Campaign(ctx context.Context, id int64) (rules.BonusCampaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Campaign(ctx, id)
}

func (m *Memory) SaveCampaign(ctx context.Context, c *rules.BonusCampaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveCampaign(ctx, c)
}
