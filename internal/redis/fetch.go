package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// FetchAndClaimTask pops the highest priority task and marks it running on
// workerID. It returns nil, nil when the queue is empty.
func FetchAndClaimTask(ctx context.Context, rdb *redis.Client, workerID string) (*models.TaskSpec, error) {
	zres, err := rdb.ZPopMax(ctx, QueueKey, 1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to pop from queue %s: %w", QueueKey, err)
	}
	if len(zres) == 0 {
		return nil, nil
	}
	taskID, _ := zres[0].Member.(string)
	priority := zres[0].Score

	raw, err := rdb.HGet(ctx, taskKey(taskID), "payload").Result()
	if err == redis.Nil || (err == nil && raw == "") {
		_ = MoveToDLQInvalidPayload(ctx, rdb, taskID, raw, fmt.Errorf("missing payload"))
		return nil, fmt.Errorf("task %s payload missing", taskID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch task data: %w", err)
	}

	spec, err := decodeSpec(raw)
	if err != nil {
		// Corrupt payload: park it so workers don't loop on it.
		_ = MoveToDLQInvalidPayload(ctx, rdb, taskID, raw, err)
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	err = rdb.HSet(ctx, runningKey(workerID), spec.ID, time.Now().Unix()).Err()
	if err != nil {
		// Can't track it as running, so put it back.
		rdb.ZAdd(ctx, QueueKey, redis.Z{Score: priority, Member: spec.ID})
		return nil, fmt.Errorf("failed to mark task as running: %w", err)
	}
	rdb.HSet(ctx, taskKey(spec.ID), "status", StatusRunning)

	return &spec, nil
}

// ReleaseClaim removes the running marker once a worker is done with a task.
func ReleaseClaim(ctx context.Context, rdb *redis.Client, workerID, taskID string) error {
	return rdb.HDel(ctx, runningKey(workerID), taskID).Err()
}

func decodeSpec(raw string) (models.TaskSpec, error) {
	var spec models.TaskSpec
	err := json.Unmarshal([]byte(raw), &spec)
	return spec, err
}
