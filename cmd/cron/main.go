// Command cron runs one maintenance job and exits. Intended to be invoked on
// a schedule (cron, systemd timers, k8s CronJob):
//
//	cron -job scheduled-basket-orders   execute pending pre-start basket orders
//	cron -job queued-orders             execute pre-start single orders
//	cron -job activate-participants     activate queued participants at start
//	cron -job auto-close                force-sell positions in ended competitions
//	cron -job enforce-min-symbols       disqualify below-minimum portfolios
//	cron -job lock-competitions         lock finished competitions
//	cron -job refresh-quotes            refresh quotes for held instruments
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stockwars/sim-engine/internal/config"
	"github.com/stockwars/sim-engine/internal/engine"
	"github.com/stockwars/sim-engine/internal/quotes"
	"github.com/stockwars/sim-engine/internal/snapshot"
	"github.com/stockwars/sim-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	job := flag.String("job", "", "job to run")
	includeFuture := flag.Bool("include-future", false, "scheduled-basket-orders: also execute orders for competitions that have not started")
	timeout := flag.Duration("timeout", 10*time.Minute, "job timeout")
	flag.Parse()

	if *job == "" {
		slog.Error("missing -job flag")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required for cron jobs")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	var st store.Store = store.NewPostgresStore(pool)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		st = store.NewCachedStore(st, rdb, cfg.QuoteCacheTTL)
	}

	provider := quotes.NewTwelveDataProvider(cfg.TwelveDataAPIKey, cfg.QuoteProviderBase)
	quoteSvc := quotes.NewService(st, provider)
	eng := engine.New(st, quoteSvc, snapshot.NewService(st), engine.Config{
		MaxQuoteAge:        cfg.MaxQuoteAge,
		ScheduleLockWindow: cfg.ScheduleLockWindow,
	})

	switch *job {
	case "scheduled-basket-orders":
		n, err := eng.RunScheduledBasketOrders(ctx, *includeFuture)
		exit(*job, err, "processed", n)
	case "queued-orders":
		n, err := eng.RunQueuedOrders(ctx)
		exit(*job, err, "processed", n)
	case "activate-participants":
		n, err := eng.ActivateQueuedParticipants(ctx)
		exit(*job, err, "activated", n)
	case "auto-close":
		closed, comps, err := eng.AutoClosePositions(ctx)
		if err != nil {
			slog.Error("job failed", "job", *job, "err", err)
			os.Exit(1)
		}
		slog.Info("job done", "job", *job, "positions_closed", closed, "competitions", comps)
	case "enforce-min-symbols":
		n, err := eng.EnforceMinSymbols(ctx)
		exit(*job, err, "disqualified", n)
	case "lock-competitions":
		n, err := eng.LockFinishedCompetitions(ctx)
		exit(*job, err, "locked", n)
	case "refresh-quotes":
		n, err := eng.RefreshActiveQuotes(ctx)
		exit(*job, err, "refreshed", n)
	default:
		slog.Error("unknown job", "job", *job)
		os.Exit(2)
	}
}

func exit(job string, err error, key string, n int) {
	if err != nil {
		slog.Error("job failed", "job", job, "err", err)
		os.Exit(1)
	}
	slog.Info("job done", "job", job, key, n)
}
