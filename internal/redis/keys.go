// Package redisq is the Redis front-end of the router: a priority task
// queue with retries and a dead-letter set, per-arm history persistence,
// result records and stale-worker recovery.
package redisq

import (
	"fmt"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// Redis keys used:
// - queue:tasks (zset)            score=priority, member=task_id
// - task:<id> (hash)              payload, metadata, status, timestamps
// - retry:scheduled (zset)        score=available_at_unix, member=task_id
// - dlq:failed (zset)             score=failed_at_unix, member=task_id
// - dlq:task:<id> (hash)          failure metadata
// - running:<worker> (hash)       task_id -> claimed_at_unix
// - heartbeat:<worker> (string)   last heartbeat unix, with TTL
// - workers:active (zset)         score=last_seen_unix, member=worker_id
// - arm:<engine>:<precision>      (hash) EMA latency/energy, runs
// - arms:score (zset)             score=EMA cost, member=<engine>:<precision>
// - history:<engine>:<precision>  (list) JSON ExecutionMetrics, newest last
// - result:<id> (hash)            outcome of a finished task
// - cancelled:<id> (string)       cancellation flag
const (
	QueueKey          = "queue:tasks"
	retryScheduledKey = "retry:scheduled"
	dlqFailedKey      = "dlq:failed"
	workersActiveKey  = "workers:active"
	armsScoreKey      = "arms:score"
)

func taskKey(id string) string { return fmt.Sprintf("task:%s", id) }
func dlqTaskKey(id string) string { return fmt.Sprintf("dlq:task:%s", id) }
func runningKey(w string) string { return fmt.Sprintf("running:%s", w) }
func heartbeatKey(w string) string { return fmt.Sprintf("heartbeat:%s", w) }
func resultKey(id string) string { return fmt.Sprintf("result:%s", id) }
func cancelledKey(id string) string { return fmt.Sprintf("cancelled:%s", id) }
func armKey(cfg models.BackendConfig) string {
	return "arm:" + cfg.String()
}
func historyKey(cfg models.BackendConfig) string {
	return "history:" + cfg.String()
}

// Task statuses stored in task:<id>.
const (
	StatusQueued         = "queued"
	StatusRunning        = "running"
	StatusRetryScheduled = "retry_scheduled"
	StatusFailed         = "failed"
	StatusInvalid        = "invalid_payload"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
)
