package redisq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// HeartbeatInterval is how often a busy worker refreshes its heartbeat.
const HeartbeatInterval = 3 * time.Second

// HeartbeatTimeout is the heartbeat age at which a worker counts as stale.
const HeartbeatTimeout = 10 * time.Second

const heartbeatTTL = 15 * time.Second

// RegisterWorker announces a worker.
func RegisterWorker(ctx context.Context, rdb *redis.Client, workerID string) error {
	return rdb.ZAdd(ctx, workersActiveKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: workerID,
	}).Err()
}

// Heartbeat refreshes the worker's liveness markers.
func Heartbeat(ctx context.Context, rdb *redis.Client, workerID string) error {
	now := time.Now().Unix()
	pipe := rdb.Pipeline()
	pipe.Set(ctx, heartbeatKey(workerID), now, heartbeatTTL)
	pipe.ZAdd(ctx, workersActiveKey, redis.Z{Score: float64(now), Member: workerID})
	_, err := pipe.Exec(ctx)
	return err
}

// ClearHeartbeat drops the heartbeat once the worker is idle.
func ClearHeartbeat(ctx context.Context, rdb *redis.Client, workerID string) error {
	return rdb.Del(ctx, heartbeatKey(workerID)).Err()
}

// RunHeartbeat refreshes the heartbeat every HeartbeatInterval until stop
// is closed or ctx ends.
func RunHeartbeat(ctx context.Context, rdb *redis.Client, workerID string, stop <-chan struct{}, logger *zap.Logger) {
	beat := func() {
		if err := Heartbeat(ctx, rdb, workerID); err != nil && ctx.Err() == nil {
			logger.Warn("heartbeat failed", zap.String("worker", workerID), zap.Error(err))
		}
	}
	beat()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			beat()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Requeue puts a claimed task back into the queue.
func Requeue(ctx context.Context, rdb *redis.Client, spec models.TaskSpec) error {
	pipe := rdb.Pipeline()
	pipe.ZAdd(ctx, QueueKey, redis.Z{Score: float64(spec.Priority), Member: spec.ID})
	pipe.HSet(ctx, taskKey(spec.ID), "status", StatusQueued)
	_, err := pipe.Exec(ctx)
	return err
}

// CancelTask flags a task so workers skip or discard it.
func CancelTask(ctx context.Context, rdb *redis.Client, taskID string, ttl time.Duration) error {
	return rdb.Set(ctx, cancelledKey(taskID), time.Now().Unix(), ttl).Err()
}

// IsCancelled reports whether CancelTask was called for taskID.
func IsCancelled(ctx context.Context, rdb *redis.Client, taskID string) bool {
	n, err := rdb.Exists(ctx, cancelledKey(taskID)).Result()
	return err == nil && n > 0
}

// MarkCancelled records the cancelled status of a task.
func MarkCancelled(ctx context.Context, rdb *redis.Client, taskID string) error {
	return rdb.HSet(ctx, taskKey(taskID), map[string]interface{}{
		"status": StatusCancelled,
		"error":  "task cancelled",
	}).Err()
}

// RecoverStuckTasks requeues the running tasks of workers whose heartbeat
// is missing or older than timeout, and forgets those workers. It returns
// the number of tasks requeued.
func RecoverStuckTasks(ctx context.Context, rdb *redis.Client, timeout time.Duration, logger *zap.Logger) (int, error) {
	if timeout <= 0 {
		timeout = HeartbeatTimeout
	}
	keys, err := rdb.Keys(ctx, runningKey("*")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan running tasks: %w", err)
	}

	recovered := 0
	now := time.Now().Unix()
	for _, key := range keys {
		workerID := strings.TrimPrefix(key, "running:")

		lastHB, err := rdb.Get(ctx, heartbeatKey(workerID)).Int64()
		switch {
		case err == redis.Nil:
			logger.Warn("worker has no heartbeat", zap.String("worker", workerID))
		case err != nil:
			logger.Warn("failed to read heartbeat", zap.String("worker", workerID), zap.Error(err))
			continue
		case now-lastHB > int64(timeout.Seconds()):
			logger.Warn("worker heartbeat stale",
				zap.String("worker", workerID),
				zap.Int64("age_s", now-lastHB))
		default:
			continue
		}

		taskIDs, err := rdb.HKeys(ctx, key).Result()
		if err != nil {
			logger.Warn("failed to list running tasks", zap.String("worker", workerID), zap.Error(err))
			continue
		}
		for _, taskID := range taskIDs {
			priority := float64(models.MaxPriority)
			if p, err := rdb.HGet(ctx, taskKey(taskID), "payload").Result(); err == nil {
				if spec, err := decodeSpec(p); err == nil {
					priority = float64(spec.Priority)
				}
			}
			pipe := rdb.Pipeline()
			pipe.ZAdd(ctx, QueueKey, redis.Z{Score: priority, Member: taskID})
			pipe.HSet(ctx, taskKey(taskID), "status", StatusQueued)
			if _, err := pipe.Exec(ctx); err != nil {
				logger.Warn("failed to requeue task", zap.String("task_id", taskID), zap.Error(err))
				continue
			}
			logger.Info("recovered task", zap.String("task_id", taskID), zap.String("worker", workerID))
			recovered++
		}

		pipe := rdb.Pipeline()
		pipe.Del(ctx, key)
		pipe.Del(ctx, heartbeatKey(workerID))
		pipe.ZRem(ctx, workersActiveKey, workerID)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Warn("failed to clean up worker", zap.String("worker", workerID), zap.Error(err))
		}
	}
	return recovered, nil
}
