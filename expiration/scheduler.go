/*
scheduler.go - Periodic expiration sweeps

PURPOSE:
  Runs the age-based sweep on a fixed interval and refreshes the
  expiring-soon buckets afterwards. Each run is recorded as a SweepRun for
  audit and for the admin API.

DESIGN:
  - One background goroutine driven by a ticker
  - Runs once immediately on Start
  - The batch ID is derived from the calendar day, so a second run on the
    same day is a no-op for every accrual already expired
  - RunNow lets the CLI and the admin API trigger a run on demand

USAGE:
  sched := expiration.NewScheduler(sweeper, store, expiration.SchedulerConfig{Interval: 24 * time.Hour})
  sched.Start()
  // ... later
  sched.Stop()
*/
package expiration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
)

type SchedulerConfig struct {
	Interval        time.Duration // default 24h
	Enabled         bool
	RetentionMonths int
}

type Scheduler struct {
	sweeper *Sweeper
	runs    loyalty.SweepRunStore
	cfg     SchedulerConfig
	now     func() time.Time
	log     zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

func NewScheduler(sweeper *Sweeper, runs loyalty.SweepRunStore, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.RetentionMonths <= 0 {
		cfg.RetentionMonths = DefaultRetentionMonths
	}
	return &Scheduler{
		sweeper: sweeper,
		runs:    runs,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logging.Component("scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.cfg.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop()

	s.log.Info().Dur("interval", s.cfg.Interval).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// BatchID names the daily aged-sweep batch.
func BatchID(at time.Time) string {
	return "aged-" + at.UTC().Format("2006-01-02")
}

// RunNow performs one aged sweep plus bucket refresh and records it.
// Concurrent calls are serialized.
func (s *Scheduler) RunNow(ctx context.Context) (loyalty.SweepRun, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	asOf := s.now()
	run := loyalty.SweepRun{
		ID:        uuid.NewString(),
		BatchID:   BatchID(asOf),
		Mode:      loyalty.SweepAged,
		AsOf:      asOf,
		Status:    "running",
		StartedAt: asOf,
	}
	s.save(ctx, run)

	res, err := s.sweeper.SweepAged(ctx, AgedParams{
		AsOf:            asOf,
		BatchID:         run.BatchID,
		RetentionMonths: s.cfg.RetentionMonths,
	})
	run.Accounts, run.Points, run.Failures = res.Accounts, res.Points, res.Failures
	if err == nil {
		_, err = s.sweeper.RefreshExpiringBuckets(ctx, asOf, s.cfg.RetentionMonths)
	}

	done := s.now()
	run.CompletedAt = &done
	run.Status = "completed"
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		s.log.Error().Err(err).Str("batch_id", run.BatchID).Msg("scheduled sweep failed")
	}
	s.save(ctx, run)
	return run, err
}

func (s *Scheduler) save(ctx context.Context, run loyalty.SweepRun) {
	if s.runs == nil {
		return
	}
	if err := s.runs.SaveSweepRun(context.WithoutCancel(ctx), run); err != nil {
		s.log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record sweep run")
	}
}

// RecordRun stores the outcome of a manually triggered sweep.
func RecordRun(ctx context.Context, runs loyalty.SweepRunStore, mode loyalty.SweepMode, asOf time.Time, started time.Time, res Result, err error) loyalty.SweepRun {
	done := time.Now().UTC()
	run := loyalty.SweepRun{
		ID:          uuid.NewString(),
		BatchID:     res.BatchID,
		Mode:        mode,
		AsOf:        asOf,
		Status:      "completed",
		Accounts:    res.Accounts,
		Points:      res.Points,
		Failures:    res.Failures,
		StartedAt:   started,
		CompletedAt: &done,
	}
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
	}
	if runs != nil {
		if serr := runs.SaveSweepRun(ctx, run); serr != nil {
			logging.FromContext(ctx).Warn().Err(serr).Str("run_id", run.ID).Msg("failed to record sweep run")
		}
	}
	return run
}
