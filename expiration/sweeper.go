/*
Package expiration ages points out of the ledger.

TWO SWEEPS:
  Sweep (flat):   every account with a positive balance loses
                  min(perAccountCap, balance), or the whole balance when no
                  cap is set. Movements carry the batch ID but no reference,
                  so running the same batch twice expires twice. Callers
                  schedule it at most once per period.

  SweepAged:      only accruals older than the retention horizon expire,
                  and only the part of each one still held. Debits are
                  attributed to accruals oldest first (lots.go), so points
                  already spent, reversed or expired are never expired
                  again. The EXPIRATION references the origin accrual,
                  which makes the sweep idempotent per accrual.

FAILURE MODEL:
  Accounts are independent. A failure on one account is logged and counted,
  and the sweep moves on. Workers > 1 spreads accounts over goroutines; all
  debits still go through the ledger's atomic path.

SEE ALSO:
  - scheduler.go: periodic invocation
  - loyalty/ledger.go: Debit
*/
package expiration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/events"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
)

// DefaultRetentionMonths is how long accrued points live before aging out.
const DefaultRetentionMonths = 12

// Result summarizes one sweep.
type Result struct {
	BatchID  string `json:"batch_id"`
	Accounts int    `json:"accounts"` // accounts with at least one expiration written
	Points   int64  `json:"points"`
	Failures int    `json:"failures"`
}

type Sweeper struct {
	store   loyalty.Store
	ledger  *loyalty.Ledger
	events  *events.Publisher
	log     zerolog.Logger
	workers int
}

func NewSweeper(store loyalty.Store, ledger *loyalty.Ledger, pub *events.Publisher) *Sweeper {
	return &Sweeper{
		store:   store,
		ledger:  ledger,
		events:  pub,
		log:     logging.Component("expiration"),
		workers: 1,
	}
}

// WithWorkers sets how many accounts are processed concurrently.
func (s *Sweeper) WithWorkers(n int) *Sweeper {
	if n < 1 {
		n = 1
	}
	cp := *s
	cp.workers = n
	return &cp
}

// =============================================================================
// FLAT SWEEP
// =============================================================================

// Sweep expires points on every account with a positive balance. A nil
// perAccountCap expires the whole balance.
func (s *Sweeper) Sweep(ctx context.Context, asOf time.Time, batchID string, perAccountCap *int64) (Result, error) {
	if batchID == "" {
		return Result{}, loyalty.Invalid("batch_id", "This field is required")
	}
	if perAccountCap != nil && *perAccountCap <= 0 {
		return Result{}, loyalty.Invalid("per_account_cap", "Value must be greater than 0")
	}
	accounts, err := s.store.Accounts(ctx, loyalty.AccountFilter{PositiveOnly: true})
	if err != nil {
		return Result{}, fmt.Errorf("list accounts: %w", err)
	}

	log := s.log.With().Str("batch_id", batchID).Time("as_of", asOf).Logger()
	agg := &aggregate{res: Result{BatchID: batchID}}

	s.forEach(ctx, len(accounts), func(i int) {
		key := accounts[i].Key
		points, err := s.expireAccount(ctx, key, batchID, perAccountCap)
		if err != nil {
			log.Error().Err(err).Str("account", key.String()).Msg("expiration failed, continuing")
			agg.fail()
			return
		}
		if points > 0 {
			agg.add(points, true)
		}
	})

	log.Info().Int("accounts", agg.res.Accounts).Int64("points", agg.res.Points).
		Int("failures", agg.res.Failures).Msg("sweep completed")
	return agg.res, ctx.Err()
}

func (s *Sweeper) expireAccount(ctx context.Context, key loyalty.AccountKey, batchID string, perAccountCap *int64) (int64, error) {
	// Re-read: the listing may be stale by the time this worker gets here.
	acct, err := s.store.Account(ctx, key)
	if err != nil {
		return 0, err
	}
	amount := acct.Balance
	if perAccountCap != nil && *perAccountCap < amount {
		amount = *perAccountCap
	}
	if amount <= 0 {
		return 0, nil
	}
	m, err := s.ledger.Debit(ctx, key, amount, loyalty.KindExpiration, loyalty.Entry{
		BatchID: batchID,
		Note:    batchID,
	})
	if err != nil {
		return 0, err
	}
	s.events.Publish(ctx, events.Event{
		Type:    events.PointsExpired,
		Account: key,
		Points:  amount,
		BatchID: batchID,
		At:      m.CreatedAt,
	})
	return amount, nil
}

// =============================================================================
// AGE-BASED SWEEP
// =============================================================================

type AgedParams struct {
	AsOf            time.Time
	BatchID         string
	RetentionMonths int                 // 0 means DefaultRetentionMonths
	UserID          string              // optional: one user only
	Account         *loyalty.AccountKey // optional: one account only
}

// Cutoff returns the creation time before which accruals have aged out.
func (p AgedParams) Cutoff() time.Time {
	months := p.RetentionMonths
	if months <= 0 {
		months = DefaultRetentionMonths
	}
	return p.AsOf.AddDate(0, -months, 0)
}

// SweepAged expires accruals created strictly before AsOf minus the
// retention horizon, oldest first. Each loses only what the account still
// holds of it, capped by the current balance.
func (s *Sweeper) SweepAged(ctx context.Context, p AgedParams) (Result, error) {
	if p.BatchID == "" {
		return Result{}, loyalty.Invalid("batch_id", "This field is required")
	}
	cutoff := p.Cutoff()
	accruals, err := s.store.Accruals(ctx, loyalty.AccrualFilter{
		Before:  cutoff,
		UserID:  p.UserID,
		Account: p.Account,
	})
	if err != nil {
		return Result{}, fmt.Errorf("list aged accruals: %w", err)
	}

	// One goroutine per account at most: an account's accruals are consumed
	// in order against a shrinking balance.
	var (
		order  []loyalty.AccountKey
		groups = make(map[loyalty.AccountKey][]loyalty.Movement)
	)
	for _, m := range accruals {
		if _, ok := groups[m.Account]; !ok {
			order = append(order, m.Account)
		}
		groups[m.Account] = append(groups[m.Account], m)
	}

	log := s.log.With().Str("batch_id", p.BatchID).Time("cutoff", cutoff).Logger()
	agg := &aggregate{res: Result{BatchID: p.BatchID}}

	s.forEach(ctx, len(order), func(i int) {
		key := order[i]
		total, last, err := s.expireAged(ctx, key, groups[key], p.BatchID)
		if err != nil {
			log.Error().Err(err).Str("account", key.String()).Msg("aged expiration failed, continuing")
			agg.fail()
		}
		if total > 0 {
			agg.add(total, true)
			s.events.Publish(ctx, events.Event{
				Type:    events.PointsExpired,
				Account: key,
				Points:  total,
				BatchID: p.BatchID,
				At:      last,
			})
		}
	})

	log.Info().Int("accounts", agg.res.Accounts).Int64("points", agg.res.Points).
		Int("failures", agg.res.Failures).Msg("aged sweep completed")
	return agg.res, ctx.Err()
}

// expireAged expires what is left of each aged accrual of one account, in
// order. It returns the points expired and the time of the last debit; on
// error the totals cover the debits written before it.
func (s *Sweeper) expireAged(ctx context.Context, key loyalty.AccountKey, aged []loyalty.Movement, batchID string) (int64, time.Time, error) {
	history, err := s.store.Movements(ctx, key)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("load movements: %w", err)
	}
	lots := replayLots(history)

	var (
		total int64
		last  time.Time
	)
	for _, m := range aged {
		points, at, err := s.expireAccrual(ctx, m, lots.Remaining(m.ID), batchID)
		if err != nil {
			return total, last, fmt.Errorf("accrual %s: %w", m.ID, err)
		}
		if points > 0 {
			total += points
			last = at
		}
	}
	return total, last, nil
}

// expireAccrual debits up to remaining points for accrual m, capped by the
// current balance.
func (s *Sweeper) expireAccrual(ctx context.Context, m loyalty.Movement, remaining int64, batchID string) (int64, time.Time, error) {
	if remaining <= 0 {
		return 0, time.Time{}, nil
	}
	acct, err := s.store.Account(ctx, m.Account)
	if err != nil {
		return 0, time.Time{}, err
	}
	if acct.IsClosed() {
		return 0, time.Time{}, nil
	}
	amount := min(remaining, acct.Balance)
	if amount <= 0 {
		return 0, time.Time{}, nil
	}
	debit, err := s.ledger.Debit(ctx, m.Account, amount, loyalty.KindExpiration, loyalty.Entry{
		RefID:   m.ID,
		BatchID: batchID,
		Note:    batchID,
	})
	if errors.Is(err, loyalty.ErrDuplicateMovement) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return amount, debit.CreatedAt, nil
}

// =============================================================================
// EXPIRING-SOON BUCKETS
// =============================================================================

// RefreshExpiringBuckets recomputes the 30/60/90-day buckets for every open
// account and returns how many accounts were updated.
func (s *Sweeper) RefreshExpiringBuckets(ctx context.Context, asOf time.Time, retentionMonths int) (int, error) {
	if retentionMonths <= 0 {
		retentionMonths = DefaultRetentionMonths
	}
	accounts, err := s.store.Accounts(ctx, loyalty.AccountFilter{})
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	horizon := asOf.AddDate(0, 0, 90).AddDate(0, -retentionMonths, 0)

	updated := 0
	for _, a := range accounts {
		key := a.Key
		accruals, err := s.store.Accruals(ctx, loyalty.AccrualFilter{Account: &key, Before: horizon})
		if err != nil {
			s.log.Error().Err(err).Str("account", key.String()).Msg("bucket refresh failed, continuing")
			continue
		}
		if len(accruals) == 0 && a.Expiring == (loyalty.ExpiringBuckets{}) {
			continue
		}
		history, err := s.store.Movements(ctx, key)
		if err != nil {
			s.log.Error().Err(err).Str("account", key.String()).Msg("bucket refresh failed, continuing")
			continue
		}
		lots := replayLots(history)
		var b loyalty.ExpiringBuckets
		for _, m := range accruals {
			points := lots.Remaining(m.ID)
			if points <= 0 {
				continue
			}
			expiresAt := m.CreatedAt.AddDate(0, retentionMonths, 0)
			switch {
			case expiresAt.Before(asOf.AddDate(0, 0, 30)):
				b.Within30 += points
				fallthrough
			case expiresAt.Before(asOf.AddDate(0, 0, 60)):
				b.Within60 += points
				fallthrough
			default:
				b.Within90 += points
			}
		}
		b = capBuckets(b, a.Balance)
		if b == a.Expiring {
			continue
		}
		if err := s.store.SetExpiringBuckets(ctx, key, b); err != nil {
			s.log.Error().Err(err).Str("account", key.String()).Msg("bucket refresh failed, continuing")
			continue
		}
		updated++
	}
	return updated, nil
}

func capBuckets(b loyalty.ExpiringBuckets, balance int64) loyalty.ExpiringBuckets {
	if balance < 0 {
		balance = 0
	}
	b.Within30 = min(b.Within30, balance)
	b.Within60 = min(b.Within60, balance)
	b.Within90 = min(b.Within90, balance)
	return b
}

// =============================================================================
// WORKER POOL
// =============================================================================

type aggregate struct {
	mu  sync.Mutex
	res Result
}

func (a *aggregate) add(points int64, affected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.res.Points += points
	if affected {
		a.res.Accounts++
	}
}

func (a *aggregate) fail() {
	a.mu.Lock()
	a.res.Failures++
	a.mu.Unlock()
}

// forEach calls fn for 0..n-1 on up to s.workers goroutines and stops
// handing out work once ctx is done.
func (s *Sweeper) forEach(ctx context.Context, n int, fn func(i int)) {
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}
