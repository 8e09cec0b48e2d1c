package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/ticket-reservation/internal/clock"
	"github.com/iliyamo/ticket-reservation/internal/config"
	"github.com/iliyamo/ticket-reservation/internal/database"
	"github.com/iliyamo/ticket-reservation/internal/lock"
	"github.com/iliyamo/ticket-reservation/internal/middleware"
	"github.com/iliyamo/ticket-reservation/internal/outbox"
	"github.com/iliyamo/ticket-reservation/internal/queue"
	"github.com/iliyamo/ticket-reservation/internal/repository"
	"github.com/iliyamo/ticket-reservation/internal/retry"
	"github.com/iliyamo/ticket-reservation/internal/router"
	"github.com/iliyamo/ticket-reservation/internal/service"
	"github.com/iliyamo/ticket-reservation/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(env, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(env, "prod") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTel.ServiceName, cfg.OTel.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	dsn := database.SQLiteDSN(cfg.DB.Path)
	if cfg.DB.Driver == database.DriverMySQL {
		dsn = database.MySQLDSN(cfg.DB.User, cfg.DB.Pass, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)
	}
	db, err := database.Open(cfg.DB.Driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, cfg.DB.Driver); err != nil {
		return err
	}

	// Without Redis, locks and rate limits are process-local; run a single
	// instance in that mode.
	rdb := config.NewRedisClient()
	var locker lock.Locker = lock.NewLocalLocker()
	if rdb != nil {
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb)
	} else {
		logger.Warn("redis unavailable, using in-process locks")
	}
	lockOpts := lock.Options{Wait: cfg.Lock.Wait, Lease: cfg.Lock.Lease}
	clk := clock.NewSystem()

	outboxRepo := repository.NewOutboxRepo(db)
	inventory := service.NewInventory(db, locker, lockOpts, clk, logger)
	admission := service.NewAdmission(db, locker, lockOpts, clk, service.AdmissionConfig{
		Ceiling:         cfg.Admission.Ceiling,
		ThresholdFactor: cfg.Admission.ThresholdFactor,
		ActiveTTL:       cfg.Admission.ActiveTTL,
		WaitingTTL:      cfg.Admission.WaitingTTL,
		PromoteBatch:    cfg.Admission.PromoteBatch,
	}, logger)
	reservations := service.NewReservations(db, inventory, outbox.NewRecorder(outboxRepo, clk),
		locker, lockOpts, clk, cfg.Reservation.HoldTTL, logger)
	ledger := service.NewLedger(db, locker, lockOpts, clk, cfg.Points.UpperLimit, logger)
	policy := retry.DefaultPolicy
	policy.Attempts = cfg.Payment.Attempts
	policy.InitialDelay = cfg.Payment.InitialDelay
	policy.MaxDelay = cfg.Payment.MaxDelay
	payments := service.NewPayments(db, reservations, ledger, admission, locker, lockOpts, policy, logger)
	sweeper := service.NewSweeper(admission, reservations, inventory, service.SweeperConfig{
		Interval:  cfg.Sweeper.Interval,
		BatchSize: cfg.Sweeper.BatchSize,
	}, logger)

	publisher := queue.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	defer publisher.Close()
	relay := outbox.NewRelay(outboxRepo, publisher, locker, clk, outbox.RelayConfig{
		Interval:       cfg.Outbox.Interval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxRetries:     cfg.Outbox.MaxRetries,
		PublishTimeout: cfg.Outbox.PublishTimeout,
		Retention:      cfg.Outbox.Retention,
		Backoff: retry.Policy{
			InitialDelay: cfg.Outbox.BackoffInitial,
			MaxDelay:     cfg.Outbox.BackoffMax,
			Multiplier:   2,
			Jitter:       0.2,
		},
	}, logger)

	rlCfg := config.LoadRateLimitConfig()
	var localLimits *middleware.LocalStore
	if rdb == nil {
		localLimits = middleware.NewLocalStore(rlCfg.PerSecond(), rlCfg.Capacity, rlCfg.TTL)
		localLimits.StartJanitor(ctx, time.Minute)
	}
	e := router.New(router.Deps{
		DB:           db,
		Redis:        rdb,
		RateLimit:    rlCfg,
		Cache:        config.LoadCacheConfig(),
		LocalLimits:  localLimits,
		Inventory:    inventory,
		Admission:    admission,
		Reservations: reservations,
		Payments:     payments,
		Ledger:       ledger,
		Relay:        relay,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info("listening", "addr", addr, "env", cfg.Env, "db", cfg.DB.Driver)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	if cfg.AMQP.Enabled {
		consumer := queue.NewConsumer(queue.ConsumerConfig{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
			Queue:    cfg.AMQP.Queue,
			LogDir:   cfg.AMQP.LogDir,
		}, inventory, rdb, logger)
		g.Go(func() error { return relay.Run(gctx) })
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		logger.Warn("amqp disabled, outbox records are kept undelivered")
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
