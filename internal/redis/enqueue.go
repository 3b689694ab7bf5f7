package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// EnqueueTask stores the task payload and queues it by priority. A missing
// id is generated; the stored spec is returned.
func EnqueueTask(ctx context.Context, rdb *redis.Client, spec models.TaskSpec) (models.TaskSpec, error) {
	spec = spec.WithID()
	if err := spec.Validate(); err != nil {
		return spec, err
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return spec, fmt.Errorf("failed to marshal task: %w", err)
	}
	metadataJSON, err := json.Marshal(spec.Metadata)
	if err != nil {
		return spec, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(spec.ID), map[string]interface{}{
		"payload":    string(data),
		"metadata":   string(metadataJSON),
		"status":     StatusQueued,
		"created_at": time.Now().Unix(),
	})
	// ZPopMax hands out the highest priority first.
	pipe.ZAdd(ctx, QueueKey, redis.Z{
		Score:  float64(spec.Priority),
		Member: spec.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return spec, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return spec, nil
}

// QueueLength returns the number of tasks waiting in the queue.
func QueueLength(ctx context.Context, rdb *redis.Client) (int64, error) {
	return rdb.ZCard(ctx, QueueKey).Result()
}
