package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/warp/loyalty-engine/accrual"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/events"
	"github.com/warp/loyalty-engine/expiration"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

// backend is what every store driver provides.
type backend interface {
	loyalty.TxStore
	rules.Repository
}

// app holds the wired services for one command invocation.
type app struct {
	cfg   *config.Config
	store backend
	redis *redis.Client

	ledger    *loyalty.Ledger
	processor *accrual.Processor
	workflow  *redemption.Workflow
	rewards   *redemption.Rewards
	admin     *rules.Admin
	sweeper   *expiration.Sweeper

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	a.redis, err = newRedis(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Catalog reads go through the in-process cache, then Redis when
	// configured, then the repository. Admin edits invalidate the chain.
	var source rules.Source = rules.RepositorySource{Repo: st}
	if a.redis != nil {
		a.closers = append(a.closers, a.redis.Close)
		source = cache.NewCatalogCache(a.redis, source, cfg.CatalogTTL, logging.Component("catalog-cache"))
	}
	cached := rules.NewCachedSource(source, cfg.CatalogTTL)

	sinks := events.Fanout{events.LogSink{Log: logging.Component("events")}}
	if a.redis != nil {
		sinks = append(sinks, events.NewRedisSink(a.redis, events.DefaultChannelPrefix))
	}
	pub := events.NewPublisher(sinks, logging.Component("events"))

	a.ledger = loyalty.NewLedger(st)
	a.processor = accrual.NewProcessor(st, a.ledger, rules.NewSelector(cached), pub)
	a.workflow = redemption.NewWorkflow(st, a.ledger, pub)
	a.rewards = redemption.NewRewards(st)
	a.admin = rules.NewAdmin(st, cached)
	a.sweeper = expiration.NewSweeper(st, a.ledger, pub).WithWorkers(4)
	return a, nil
}

func (a *app) handler() *api.Handler {
	return api.NewHandler(api.Deps{
		Store:           a.store,
		Ledger:          a.ledger,
		Processor:       a.processor,
		Workflow:        a.workflow,
		Rewards:         a.rewards,
		Catalog:         a.admin,
		Sweeper:         a.sweeper,
		RetentionMonths: a.cfg.RetentionMonths,
		Scenarios:       a.cfg.IsDevelopment(),
	})
}

func (a *app) scheduler() *expiration.Scheduler {
	return expiration.NewScheduler(a.sweeper, a.store, expiration.SchedulerConfig{
		Interval:        a.cfg.SweepInterval,
		Enabled:         a.cfg.SweepEnabled,
		RetentionMonths: a.cfg.RetentionMonths,
	})
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func openStore(cfg *config.Config) (backend, func() error, error) {
	opts := sqlstore.Options{QueryTimeout: cfg.QueryTimeout}
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, data is lost on exit")
		return store.NewMemory(), func() error { return nil }, nil
	case config.DriverPostgres:
		s, err := sqlstore.OpenPostgres(cfg.DatabaseURL, opts)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("connected to postgres")
		return s, s.Close, nil
	default:
		s, err := sqlstore.OpenSQLite(cfg.SQLitePath, opts)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite database")
		return s, s.Close, nil
	}
}

// newRedis returns nil when no URL is configured; Redis is optional.
func newRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		log.Info().Msg("redis not configured, catalog cache is in-process only")
		return nil, nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opt.PoolSize = 20
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	log.Info().Msg("connected to redis")
	return client, nil
}
