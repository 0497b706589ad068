package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-tenant-orders/internal/config"
	"github.com/ariefcatur/go-tenant-orders/internal/events"
	"github.com/ariefcatur/go-tenant-orders/internal/guard"
	kafkax "github.com/ariefcatur/go-tenant-orders/internal/kafka"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
	"github.com/ariefcatur/go-tenant-orders/internal/metrics"
	"github.com/ariefcatur/go-tenant-orders/internal/postgres"
	"github.com/ariefcatur/go-tenant-orders/internal/projection"
	"github.com/ariefcatur/go-tenant-orders/internal/redisx"
	"github.com/ariefcatur/go-tenant-orders/internal/tiers"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.ServiceName+"-worker")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	store := postgres.NewStore(db, cfg.Orders.LockTimeout, log)

	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		c := redisx.New(cfg.RedisAddr)
		if err := redisx.Ping(ctx, c); err != nil {
			log.Fatal("redis ping", zap.Error(err))
		}
		defer c.Close()
		rdb = c
	}
	_, locker := guard.New(rdb, cfg.Orders.RateLimit, cfg.Orders.RateWindow, log)

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start()
	defer prod.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	eval, err := tiers.NewEvaluator(tiers.EvaluatorDeps{
		Repo:        store,
		Locker:      locker,
		Notifier:    events.NewPublisher(events.PublisherDeps{Sink: prod, Service: cfg.ServiceName + "-worker", Logger: log}),
		Observer:    m,
		Logger:      log,
		Concurrency: cfg.Tiers.Concurrency,
		LockTTL:     cfg.Tiers.LockTTL,
	})
	if err != nil {
		log.Fatal("tier evaluator", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tiers.NewScheduler(eval, cfg.Tiers.Interval).Start(gctx)
		return nil
	})
	if rdb != nil {
		g.Go(func() error {
			cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Worker.StatusGroup, events.OrderTopics, cfg.Worker.Consumers, log)
			proj := projection.NewProjector(rdb, cfg.Worker.StatusGroup, log)
			log.Info("status projector started", zap.String("group", cfg.Worker.StatusGroup), zap.Strings("topics", events.OrderTopics))
			return cons.Start(gctx, proj.Handle)
		})
	} else {
		log.Warn("REDIS_ADDR not set, order status projector disabled")
	}
	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("worker stopped", zap.Error(err))
		return
	}
	log.Info("worker stopped")
}
