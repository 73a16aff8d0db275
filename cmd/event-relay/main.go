package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/events"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Must("prod", "info").Fatalw("config load error", "error", err)
	}

	log := logger.Must(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	log.Infow("event-relay starting up", "env", cfg.Env, "interval", cfg.RelayInterval, "topic", cfg.KafkaTopic)

	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns:        2,
		ApplicationName: "event-relay",
	})
	cancelPg()
	if err != nil {
		log.Fatalw("postgres connection error", "error", err)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		log.Fatalw("kafka producer error", "brokers", cfg.KafkaBrokers, "error", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warnw("error closing kafka producer", "error", err)
		}
	}()
	log.Infow("connected to Kafka", "brokers", cfg.KafkaBrokers)

	relay := events.NewRelay(pgPool, publisher, log).WithBatchSize(cfg.RelayBatchSize)

	// Run once at startup
	drain(rootCtx, relay, cfg.RelayBatchSize, log)

	ticker := time.NewTicker(cfg.RelayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping event relay")
			return
		case <-ticker.C:
			drain(rootCtx, relay, cfg.RelayBatchSize, log)
		}
	}
}

// drain keeps running batches while they come back full.
func drain(ctx context.Context, relay *events.Relay, batchSize int, log *zap.SugaredLogger) {
	start := time.Now()
	total := 0
	for ctx.Err() == nil {
		runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		n, err := relay.RunOnce(runCtx)
		cancel()
		if err != nil {
			log.Errorw("relay run error", "error", err)
			return
		}
		total += n
		if n < batchSize {
			break
		}
	}
	if total > 0 {
		log.Infow("relay run complete", "published", total, "duration", time.Since(start))
	}
}
