package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ak3tsm7/qos-inference-router/internal/backend/sim"
	"github.com/ak3tsm7/qos-inference-router/internal/config"
	"github.com/ak3tsm7/qos-inference-router/internal/metrics"
	redisq "github.com/ak3tsm7/qos-inference-router/internal/redis"
	"github.com/ak3tsm7/qos-inference-router/internal/router"
	"github.com/ak3tsm7/qos-inference-router/internal/server"
	"github.com/ak3tsm7/qos-inference-router/internal/telemetry"
)

const (
	promoteInterval = 1 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(flag.CommandLine)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("router exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	fleet, err := sim.NewFleet(cfg.Engines, cfg.Seed, true)
	if err != nil {
		return fmt.Errorf("engine fleet: %w", err)
	}
	engines := make([]router.Engine, 0, len(fleet.Backends()))
	for _, b := range fleet.Backends() {
		engines = append(engines, router.Engine{Info: b.Info(), Backend: b})
	}

	pol, err := cfg.NewPolicy()
	if err != nil {
		return err
	}
	sampler := telemetry.New(cfg.TelemetryConfig(), telemetry.WithLogger(logger.Named("telemetry")))

	r, err := router.New(router.Options{
		Policy:            pol,
		Engines:           engines,
		Budget:            cfg.Budget,
		SLO:               cfg.SLO,
		HistoryMaxSamples: cfg.HistoryMaxSamples,
		Telemetry:         sampler,
		Meter:             fleet,
		Logger:            logger.Named("router"),
	})
	if err != nil {
		return err
	}

	warmStart(ctx, rdb, r, cfg.HistoryMaxSamples, logger)

	srv := server.New(ctx, r, logger.Named("http"))
	go func() {
		if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		promoteRetries(ctx, rdb, logger)
	}()
	for i := 0; i < cfg.Workers; i++ {
		w := newWorker(rdb, r, cfg.MaxRetries, cfg.HistoryMaxSamples, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// warmStart seeds the router with the arm history persisted by earlier runs.
func warmStart(ctx context.Context, rdb *redis.Client, r *router.Router, maxSamples int, logger *zap.Logger) {
	hist, err := redisq.LoadHistory(ctx, rdb, int64(maxSamples))
	if err != nil {
		logger.Warn("warm start skipped", zap.Error(err))
		return
	}
	for cfg, samples := range hist {
		if err := r.SeedHistory(cfg, samples); err != nil {
			logger.Debug("ignoring persisted arm",
				zap.String("arm", cfg.String()), zap.Error(err))
			continue
		}
		logger.Info("seeded arm history",
			zap.String("arm", cfg.String()), zap.Int("samples", len(samples)))
	}
}

// promoteRetries moves due retries back into the queue and keeps the queue
// gauge current.
func promoteRetries(ctx context.Context, rdb *redis.Client, logger *zap.Logger) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := redisq.PromoteDueRetries(ctx, rdb, 100)
			if err != nil {
				logger.Warn("retry promotion failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("promoted retries", zap.Int("count", n))
			}
			if length, err := redisq.QueueLength(ctx, rdb); err == nil {
				metrics.QueueLength.Set(float64(length))
			}
		}
	}
}
