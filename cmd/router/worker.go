package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ak3tsm7/qos-inference-router/internal/metrics"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
	redisq "github.com/ak3tsm7/qos-inference-router/internal/redis"
	"github.com/ak3tsm7/qos-inference-router/internal/router"
)

const (
	idleWait      = 1 * time.Second
	cancelPoll    = 500 * time.Millisecond
	resultTTL     = 24 * time.Hour
	budgetBackoff = 2 * time.Second
)

// scheduler is the slice of the router a worker drives.
type scheduler interface {
	Schedule(ctx context.Context, spec models.TaskSpec) (models.TaskResult, error)
}

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeDeferred  outcome = "deferred"
	outcomeRetried   outcome = "retried"
	outcomeDead      outcome = "dead_lettered"
	outcomeCancelled outcome = "cancelled"
	outcomeRequeued  outcome = "requeued"
)

type worker struct {
	id         string
	rdb        *redis.Client
	router     scheduler
	maxRetries int
	maxSamples int64
	logger     *zap.Logger
}

func newWorker(rdb *redis.Client, r scheduler, maxRetries, maxSamples int, logger *zap.Logger) *worker {
	id := "router-" + uuid.NewString()[:8]
	return &worker{
		id:         id,
		rdb:        rdb,
		router:     r,
		maxRetries: maxRetries,
		maxSamples: int64(maxSamples),
		logger:     logger.With(zap.String("worker", id)),
	}
}

// run claims and processes tasks until ctx ends.
func (w *worker) run(ctx context.Context) {
	if err := redisq.RegisterWorker(ctx, w.rdb, w.id); err != nil {
		w.logger.Warn("worker registration failed", zap.Error(err))
	}
	w.logger.Info("worker started")

	for ctx.Err() == nil {
		spec, err := redisq.FetchAndClaimTask(ctx, w.rdb, w.id)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("fetch failed", zap.Error(err))
			}
			sleep(ctx, idleWait)
			continue
		}
		if spec == nil {
			sleep(ctx, idleWait)
			continue
		}
		w.process(ctx, *spec)
	}
	w.logger.Info("worker stopped")
}

// process runs one claimed task and settles it in Redis.
func (w *worker) process(ctx context.Context, spec models.TaskSpec) outcome {
	log := w.logger.With(zap.String("task_id", spec.ID), zap.String("model_id", spec.ModelID))
	// Settling must survive shutdown of the run context.
	settleCtx := context.WithoutCancel(ctx)
	defer func() {
		_ = redisq.ReleaseClaim(settleCtx, w.rdb, w.id, spec.ID)
	}()

	if redisq.IsCancelled(ctx, w.rdb, spec.ID) {
		log.Info("task cancelled before start")
		_ = redisq.MarkCancelled(settleCtx, w.rdb, spec.ID)
		return outcomeCancelled
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	stop := make(chan struct{})
	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		redisq.RunHeartbeat(execCtx, w.rdb, w.id, stop, log)
	}()
	go func() {
		defer bg.Done()
		w.watchCancel(execCtx, spec.ID, cancelExec)
	}()

	res, err := w.router.Schedule(execCtx, spec)
	close(stop)
	cancelExec()
	bg.Wait()
	_ = redisq.ClearHeartbeat(settleCtx, w.rdb, w.id)

	if err != nil {
		// Invalid requests never get better.
		log.Warn("task rejected", zap.Error(err))
		spec.ErrorMessage = err.Error()
		if err := redisq.MoveToDLQ(settleCtx, w.rdb, spec, w.maxRetries); err != nil {
			log.Error("dead-letter failed", zap.Error(err))
		}
		return outcomeDead
	}

	if res.Success {
		if err := redisq.RecordArmMetrics(settleCtx, w.rdb, res.Config, res.Metrics, w.maxSamples); err != nil {
			log.Warn("failed to persist arm metrics", zap.Error(err))
		}
		if err := redisq.StoreResult(settleCtx, w.rdb, res, resultTTL); err != nil {
			log.Warn("failed to store result", zap.Error(err))
		}
		return outcomeCompleted
	}

	switch {
	case errors.Is(res.Err, router.ErrCancelled) && redisq.IsCancelled(settleCtx, w.rdb, spec.ID):
		_ = redisq.MarkCancelled(settleCtx, w.rdb, spec.ID)
		return outcomeCancelled
	case errors.Is(res.Err, router.ErrCancelled), errors.Is(res.Err, router.ErrRouterClosed):
		// Interrupted by shutdown: hand it to the next worker untouched.
		if err := redisq.Requeue(settleCtx, w.rdb, spec); err != nil {
			log.Error("requeue failed", zap.Error(err))
		}
		metrics.TasksRequeuedTotal.Inc()
		return outcomeRequeued
	case router.Recoverable(res.Err):
		if err := redisq.DeferTask(settleCtx, w.rdb, spec, budgetBackoff, res.Err); err != nil {
			log.Error("defer failed", zap.Error(err))
		}
		metrics.TasksRequeuedTotal.Inc()
		return outcomeDeferred
	}

	dead, err := redisq.HandleTaskFailure(settleCtx, w.rdb, spec, res.Err, w.maxRetries)
	if err != nil {
		log.Error("failed to record task failure", zap.Error(err))
	}
	if dead {
		if err := redisq.StoreResult(settleCtx, w.rdb, res, resultTTL); err != nil {
			log.Warn("failed to store result", zap.Error(err))
		}
		return outcomeDead
	}
	metrics.TasksRequeuedTotal.Inc()
	return outcomeRetried
}

// watchCancel aborts the execution when the task is cancelled in Redis.
func (w *worker) watchCancel(ctx context.Context, taskID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if redisq.IsCancelled(ctx, w.rdb, taskID) {
				cancel()
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
