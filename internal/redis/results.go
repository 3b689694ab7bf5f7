package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// StoreResult records the outcome of a finished task and marks the task
// completed. ttl <= 0 keeps the record forever.
func StoreResult(ctx context.Context, rdb *redis.Client, res models.TaskResult, ttl time.Duration) error {
	fields := map[string]interface{}{
		"task_id":     res.TaskID,
		"engine":      string(res.Config.Engine),
		"precision":   string(res.Config.Precision),
		"success":     res.Success,
		"latency_ms":  res.Metrics.LatencyMs,
		"energy_j":    res.Metrics.EnergyJ,
		"power_w":     res.Metrics.PowerW,
		"thermal":     res.Metrics.Thermal.String(),
		"finished_at": res.Metrics.Timestamp.Unix(),
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}

	status := StatusCompleted
	if !res.Success {
		status = StatusFailed
	}

	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, resultKey(res.TaskID), fields)
	if ttl > 0 {
		pipe.Expire(ctx, resultKey(res.TaskID), ttl)
	}
	pipe.HSet(ctx, taskKey(res.TaskID), "status", status)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// GetResult returns the stored result fields of a task.
func GetResult(ctx context.Context, rdb *redis.Client, taskID string) (map[string]string, error) {
	data, err := rdb.HGetAll(ctx, resultKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no result for task %s", taskID)
	}
	return data, nil
}

// TaskStatus returns the status field of task:<id>.
func TaskStatus(ctx context.Context, rdb *redis.Client, taskID string) (string, error) {
	return rdb.HGet(ctx, taskKey(taskID), "status").Result()
}
