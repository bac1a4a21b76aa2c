// Package app wires the ledger services from configuration. It is shared by
// the HTTP server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/cyclepool/ledger-engine/internal/allocation"
	"github.com/cyclepool/ledger-engine/internal/config"
	"github.com/cyclepool/ledger-engine/internal/cycle"
	"github.com/cyclepool/ledger-engine/internal/ingest"
	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/lock"
	"github.com/cyclepool/ledger-engine/internal/participation"
	"github.com/cyclepool/ledger-engine/internal/payout"
	"github.com/cyclepool/ledger-engine/internal/reconcile"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// App holds the wired services.
type App struct {
	Store    store.Store
	Locker   lock.Locker
	Recorder *ledger.Recorder
	Cycles   *cycle.Manager
	Engine   *allocation.Engine
	Matcher  *participation.Matcher
	Payouts  *payout.Calculator
	Sweeper  *reconcile.Sweeper
	Inbox    *ingest.Inbox

	cleanup []func()
}

// New connects the backends named in cfg and builds the services. Without
// DATABASE_URL the in-memory store is used; without REDIS_URL close locks are
// process-local.
func New(ctx context.Context, cfg *config.Config, notifier cycle.Notifier) (*App, error) {
	a := &App{}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		a.Store = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		a.Locker = lock.NewRedisLocker(rdb)
		slog.Info("Redis close lock enabled")
	} else {
		a.Locker = lock.NewMemoryLocker()
	}

	a.Recorder = ledger.NewRecorder()
	a.Cycles = cycle.NewManager(a.Store, a.Locker, a.Recorder, cycle.Options{
		LockTTL:            cfg.CloseLockTTL,
		DefaultProfitShare: cfg.DefaultProfitShare,
		Notifier:           notifier,
	})
	a.Engine = allocation.NewEngine(a.Store, a.Recorder, allocation.Rates{
		SalesTax:  cfg.SalesTaxRate,
		BrokerFee: cfg.BrokerFeeRate,
	})
	a.Matcher = participation.NewMatcher(a.Store, a.Recorder)
	a.Payouts = payout.NewCalculator(a.Store, a.Recorder)
	a.Sweeper = reconcile.NewSweeper(a.Store, a.Engine, a.Matcher, cfg.ReconcileBatchSize)
	a.Inbox = ingest.NewInbox(a.Store)
	return a, nil
}

// Close releases backend connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
