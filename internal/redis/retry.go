package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// DefaultMaxRetries applies when a task doesn't set its own limit.
const DefaultMaxRetries = 3

func maxRetries(spec models.TaskSpec, fallback int) int {
	if spec.MaxRetries > 0 {
		return spec.MaxRetries
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxRetries
}

// BackoffDuration is the delay before the next attempt of spec.
func BackoffDuration(spec models.TaskSpec) time.Duration {
	const base = 1 * time.Second
	const max = 1 * time.Minute

	attempt := spec.RetryCount
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	if strings.ToLower(spec.RetryBackoff) == "linear" {
		d = time.Duration(attempt) * base
	} else {
		// exponential, also for unknown strategies
		d = time.Duration(math.Pow(2, float64(attempt-1))) * base
	}
	if d > max {
		return max
	}
	return d
}

// HandleTaskFailure bumps the retry state and either schedules a retry or
// moves the task to the DLQ. It reports whether the task was dead-lettered.
// fallbackMax is used when the task carries no MaxRetries.
func HandleTaskFailure(ctx context.Context, rdb *redis.Client, spec models.TaskSpec, taskErr error, fallbackMax int) (bool, error) {
	if taskErr == nil {
		taskErr = errors.New("task failed")
	}

	now := time.Now()
	spec.RetryCount++
	spec.FailedAt = now
	spec.ErrorMessage = taskErr.Error()

	limit := maxRetries(spec, fallbackMax)
	if spec.RetryCount > limit {
		return true, MoveToDLQ(ctx, rdb, spec, limit)
	}

	return false, scheduleRetry(ctx, rdb, spec, limit, now.Add(BackoffDuration(spec)))
}

// DeferTask schedules another attempt after delay without counting it
// against the task's retry limit. Used for transient refusals such as an
// exhausted energy budget.
func DeferTask(ctx context.Context, rdb *redis.Client, spec models.TaskSpec, delay time.Duration, reason error) error {
	if reason != nil {
		spec.ErrorMessage = reason.Error()
	}
	return scheduleRetry(ctx, rdb, spec, maxRetries(spec, 0), time.Now().Add(delay))
}

func scheduleRetry(ctx context.Context, rdb *redis.Client, spec models.TaskSpec, limit int, at time.Time) error {
	payloadJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal task for retry update: %w", err)
	}

	availableAt := at.Unix()
	pipe := rdb.Pipeline()
	pipe.HSet(ctx, taskKey(spec.ID), map[string]interface{}{
		"payload":      string(payloadJSON),
		"status":       StatusRetryScheduled,
		"failed_at":    time.Now().Unix(),
		"error":        spec.ErrorMessage,
		"retry_count":  spec.RetryCount,
		"max_retries":  limit,
		"available_at": availableAt,
	})
	pipe.ZAdd(ctx, retryScheduledKey, redis.Z{Score: float64(availableAt), Member: spec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

// MoveToDLQ parks a task that will not be retried. Tasks that fail
// validation go here directly.
func MoveToDLQ(ctx context.Context, rdb *redis.Client, spec models.TaskSpec, limit int) error {
	now := time.Now()
	if spec.FailedAt.IsZero() {
		spec.FailedAt = now
	}
	payloadJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal task for DLQ: %w", err)
	}

	pipe := rdb.Pipeline()
	pipe.HSet(ctx, taskKey(spec.ID), map[string]interface{}{
		"payload":     string(payloadJSON),
		"status":      StatusFailed,
		"failed_at":   now.Unix(),
		"error":       spec.ErrorMessage,
		"retry_count": spec.RetryCount,
		"max_retries": limit,
	})
	pipe.ZAdd(ctx, dlqFailedKey, redis.Z{Score: float64(now.Unix()), Member: spec.ID})
	pipe.HSet(ctx, dlqTaskKey(spec.ID), map[string]interface{}{
		"task_id":          spec.ID,
		"model_id":         spec.ModelID,
		"precision":        string(spec.Precision),
		"preferred_engine": string(spec.PreferredEngine),
		"priority":         spec.Priority,
		"retry_count":      spec.RetryCount,
		"max_retries":      limit,
		"retry_backoff":    spec.RetryBackoff,
		"failed_at":        now.Unix(),
		"error_message":    spec.ErrorMessage,
	})
	pipe.ZRem(ctx, retryScheduledKey, spec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write DLQ entries: %w", err)
	}
	return nil
}

// PromoteDueRetries moves tasks whose backoff expired back into the queue.
func PromoteDueRetries(ctx context.Context, rdb *redis.Client, limit int64) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	now := time.Now().Unix()
	due, err := rdb.ZRangeByScore(ctx, retryScheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: limit,
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to fetch due retries: %w", err)
	}

	promoted := 0
	for _, taskID := range due {
		// Remove first so a crashing loop can't promote twice.
		removed, err := rdb.ZRem(ctx, retryScheduledKey, taskID).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to remove due retry %s: %w", taskID, err)
		}
		if removed == 0 {
			continue
		}

		raw, err := rdb.HGet(ctx, taskKey(taskID), "payload").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return promoted, fmt.Errorf("failed to read task payload for %s: %w", taskID, err)
		}

		var spec models.TaskSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			_ = MoveToDLQInvalidPayload(ctx, rdb, taskID, raw, err)
			continue
		}

		pipe := rdb.Pipeline()
		pipe.ZAdd(ctx, QueueKey, redis.Z{Score: float64(spec.Priority), Member: spec.ID})
		pipe.HSet(ctx, taskKey(spec.ID), "status", StatusQueued)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("failed to promote retry task %s: %w", taskID, err)
		}
		promoted++
	}
	return promoted, nil
}

// MoveToDLQInvalidPayload parks a task whose stored payload can't be decoded.
func MoveToDLQInvalidPayload(ctx context.Context, rdb *redis.Client, taskID string, rawPayload string, parseErr error) error {
	now := time.Now()

	errMsg := "invalid task payload"
	if parseErr != nil {
		errMsg = fmt.Sprintf("invalid task payload: %v", parseErr)
	}

	pipe := rdb.Pipeline()
	pipe.HSet(ctx, taskKey(taskID), map[string]interface{}{
		"payload":   rawPayload,
		"status":    StatusInvalid,
		"failed_at": now.Unix(),
		"error":     errMsg,
	})
	pipe.ZAdd(ctx, dlqFailedKey, redis.Z{Score: float64(now.Unix()), Member: taskID})
	pipe.HSet(ctx, dlqTaskKey(taskID), map[string]interface{}{
		"task_id":       taskID,
		"failed_at":     now.Unix(),
		"error_message": errMsg,
	})
	pipe.ZRem(ctx, retryScheduledKey, taskID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move invalid payload task to DLQ: %w", err)
	}
	return nil
}

// DLQLength returns the number of dead-lettered tasks.
func DLQLength(ctx context.Context, rdb *redis.Client) (int64, error) {
	return rdb.ZCard(ctx, dlqFailedKey).Result()
}
