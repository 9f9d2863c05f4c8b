package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bloodbridge/internal/allocator"
	"bloodbridge/internal/compat"
	"bloodbridge/internal/eligibility"
	"bloodbridge/internal/intake"
	"bloodbridge/internal/ledger"
	"bloodbridge/internal/notify"
	"bloodbridge/internal/platform/config"
	"bloodbridge/internal/platform/httpserver"
	"bloodbridge/internal/platform/logger"
	"bloodbridge/internal/platform/metrics"
	"bloodbridge/internal/platform/postgres"
	platformredis "bloodbridge/internal/platform/redis"
	"bloodbridge/internal/txlog"
	httptransport "bloodbridge/internal/transport/http"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal services.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(cfg.PostgresURL)
	if err != nil {
		log.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	var (
		ledgerStore ledger.Store
		logStore    txlog.Store
		donorStore  eligibility.Store
	)
	if db != nil {
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			log.Error("schema bootstrap failed", "error", err)
			os.Exit(1)
		}
		ledgerStore = ledger.NewPostgresStore(db)
		logStore = txlog.NewPostgresStore(db)
		donorStore = eligibility.NewPostgresStore(db)
		log.Info("using postgres stores")
	} else {
		ledgerStore = ledger.NewInMemoryStore()
		logStore = txlog.NewInMemoryStore()
		donorStore = eligibility.NewInMemoryStore()
		log.Info("using in-memory stores")
	}

	m := metrics.New()
	inventory := ledger.New(ledgerStore, ledger.WithRetryBound(cfg.RetryBound))
	txLog := txlog.New(logStore)
	resolver := compat.New(compat.DefaultPolicy())
	filter := eligibility.New(donorStore, resolver)

	var publisher notify.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err = notify.NewKafkaPublisher(ctx, cfg.KafkaBrokers, log)
		if err != nil {
			log.Error("kafka connection failed", "error", err)
			os.Exit(1)
		}
		log.Info("publishing notifications to kafka", "brokers", cfg.KafkaBrokers)
	} else {
		publisher = notify.NewLogPublisher(log)
		log.Info("no kafka brokers configured, notifications land in the log")
	}
	defer publisher.Close()

	allocOpts := []allocator.Option{
		allocator.WithLogger(log),
		allocator.WithMetrics(m),
	}
	sweepOpts := []allocator.SweeperOption{allocator.WithSweeperLogger(log)}
	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		idx := allocator.NewRedisDeadlineIndex(redisClient.Client)
		allocOpts = append(allocOpts, allocator.WithDeadlineIndex(idx))
		sweepOpts = append(sweepOpts, allocator.WithSweeperIndex(idx))
		log.Info("reservation deadlines indexed in redis")
	}

	alloc := allocator.New(
		allocator.NewInMemoryStore(), inventory, txLog, resolver, filter,
		publisher, allocator.StaticBanks(cfg.Banks),
		allocator.Config{
			ReservationTTL:      cfg.ReservationTTL,
			RetryBound:          cfg.RetryBound,
			FullFulfillmentOnly: cfg.FullFulfillmentOnly,
		},
		allocOpts...,
	)
	if err := alloc.Rehydrate(ctx); err != nil {
		log.Error("working set rehydration failed", "error", err)
		os.Exit(1)
	}
	in := intake.New(inventory, txLog, intake.WithLogger(log), intake.WithMetrics(m))
	sweeper := allocator.NewSweeper(alloc, cfg.SweepInterval, sweepOpts...)

	handler := httptransport.NewHandler(alloc, in, inventory, txLog, log)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("starting bloodbridge", "addr", cfg.Addr, "banks", cfg.Banks)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		err := sweeper.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
