package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/config"
	"github.com/ariefcatur/go-tenant-orders/internal/events"
	"github.com/ariefcatur/go-tenant-orders/internal/guard"
	"github.com/ariefcatur/go-tenant-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-tenant-orders/internal/kafka"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
	"github.com/ariefcatur/go-tenant-orders/internal/metrics"
	"github.com/ariefcatur/go-tenant-orders/internal/orders"
	"github.com/ariefcatur/go-tenant-orders/internal/postgres"
	"github.com/ariefcatur/go-tenant-orders/internal/redisx"
	"github.com/ariefcatur/go-tenant-orders/internal/tiers"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}
	store := postgres.NewStore(db, cfg.Orders.LockTimeout, log)

	// Redis is optional; without it the limiter and locks are per process
	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		c := redisx.New(cfg.RedisAddr)
		if err := redisx.Ping(ctx, c); err != nil {
			log.Fatal("redis ping", zap.Error(err))
		}
		defer c.Close()
		rdb = c
	} else {
		log.Warn("REDIS_ADDR not set, using in-process rate limiter and locks")
	}
	limiter, locker := guard.New(rdb, cfg.Orders.RateLimit, cfg.Orders.RateWindow, log)

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start()
	publisher := events.NewPublisher(events.PublisherDeps{Sink: prod, Service: cfg.ServiceName, Logger: log})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc, err := orders.NewService(orders.ServiceDeps{
		Store:         store,
		Notifier:      publisher,
		Observer:      m,
		Logger:        log,
		MaxOpenOrders: cfg.Orders.MaxOpenOrders,
		MaxItemQty:    cfg.Orders.MaxItemQty,
	})
	if err != nil {
		log.Fatal("orders service", zap.Error(err))
	}
	eval, err := tiers.NewEvaluator(tiers.EvaluatorDeps{
		Repo:        store,
		Locker:      locker,
		Notifier:    publisher,
		Observer:    m,
		Logger:      log,
		Concurrency: cfg.Tiers.Concurrency,
		LockTTL:     cfg.Tiers.LockTTL,
	})
	if err != nil {
		log.Fatal("tier evaluator", zap.Error(err))
	}

	router := httpx.NewRouter(httpx.RouterDeps{Logger: log, Metrics: m, Gatherer: reg})
	oh := &httpx.OrdersHandler{
		Orders:  svc,
		Tiers:   eval,
		Limiter: limiter,
		Locker:  locker,
		Redis:   rdb,
		Log:     log,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	prod.Close() // flushes buffered events
	cancel()
}
