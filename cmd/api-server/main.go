package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/events"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/provider"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Must("prod", "info").Fatalw("config load error", "error", err)
	}

	log := logger.Must(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	log.Infow("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "facility_tz", cfg.FacilityTZ.String())

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns:         cfg.PostgresMaxConn,
		StatementTimeout: cfg.TxTimeout,
		ApplicationName:  "api-server",
	})
	cancelPg()
	if err != nil {
		log.Fatalw("postgres connection error", "error", err)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	// Redis is optional: without it commits serialize on the database
	// advisory lock alone and the cache and rate limit are off.
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Warnw("redis unavailable, continuing without it", "addr", cfg.RedisAddr, "error", err)
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warnw("error closing redis", "error", err)
			}
		}()
		log.Info("connected to Redis")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bookingMetrics := metrics.NewBookingMetrics(reg)

	hub := events.NewHub(64)
	hub.OnDrop(func(events.ChangeEvent) { bookingMetrics.ObserveDroppedEvent() })

	var (
		directory provider.Directory = provider.NewPgDirectory(pgPool)
		locker    redisclient.Locker
		limiter   api.RateLimiter
	)
	if rdb != nil {
		directory = provider.NewCachedDirectory(directory, rdb, cfg.AvailabilityTTL, log)
		locker = redisclient.NewRedisProviderDayLocker(rdb, cfg.LockTTL, cfg.LockWait)
		if cfg.RateLimit > 0 {
			limiter = redisclient.NewFixedWindowLimiter(rdb, cfg.RateLimit, cfg.RateWindow)
		}
	}

	repo := appointment.NewPgRepository(pgPool, cfg.TxTimeout, cfg.FacilityTZ)
	svc := appointment.NewService(repo, directory, locker, hub, cfg,
		appointment.WithLogger(log),
		appointment.WithMetrics(bookingMetrics),
	)

	router := api.NewRouter(api.RouterConfig{
		Service:  svc,
		Hub:      hub,
		Health:   api.NewHealthHandler(pgPool, rdb, cfg.Env, version),
		Limiter:  limiter,
		Metrics:  bookingMetrics,
		Gatherer: reg,
		Logger:   log,
		Location: cfg.FacilityTZ,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Errorw("http server failed", "error", err)
		}
	}

	log.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("graceful shutdown incomplete", "error", err)
	}
}
