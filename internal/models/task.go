package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MinPriority = 0
	MaxPriority = 10
)

// ErrInvalidTask is wrapped by every TaskSpec validation failure.
var ErrInvalidTask = errors.New("invalid task spec")

// QoSConstraints bound a single request. Nil fields are unconstrained.
type QoSConstraints struct {
	MaxLatencyMs      *float64   `json:"max_latency_ms,omitempty"`
	MaxEnergyJ        *float64   `json:"max_energy_j,omitempty"`
	MinAccuracy       *float64   `json:"min_accuracy,omitempty"`
	ThrottlingAllowed bool       `json:"throttling_allowed"`
	Deadline          *time.Time `json:"deadline,omitempty"` // advisory, never enforced as a timeout
}

// TaskSpec describes one inference request. It is treated as immutable once
// handed to the router.
type TaskSpec struct {
	ID              string            `json:"task_id"`
	ModelID         string            `json:"model_id"`
	InputShapes     [][]int           `json:"input_shapes"`
	Precision       Precision         `json:"precision"`
	PreferredEngine Engine            `json:"preferred_engine,omitempty"`
	BatchSize       int               `json:"batch_size"`
	QoS             QoSConstraints    `json:"qos"`
	Priority        int               `json:"priority"` // 0..10
	EnableWarmup    bool              `json:"enable_warmup"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	RetryCount   int       `json:"retry_count,omitempty"`
	MaxRetries   int       `json:"max_retries,omitempty"`
	RetryBackoff string    `json:"retry_backoff,omitempty"` // "exponential" or "linear"
	FailedAt     time.Time `json:"failed_at,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// NewTaskID returns a fresh unique task id.
func NewTaskID() string {
	return uuid.New().String()
}

// WithID returns a copy of the task that carries an id, generating one if needed.
func (s TaskSpec) WithID() TaskSpec {
	if strings.TrimSpace(s.ID) == "" {
		s.ID = NewTaskID()
	}
	return s
}

// Validate checks the task and returns the first problem found, wrapped in
// ErrInvalidTask.
func (s TaskSpec) Validate() error {
	if strings.TrimSpace(s.ModelID) == "" {
		return fmt.Errorf("%w: model id is blank", ErrInvalidTask)
	}
	if len(s.InputShapes) == 0 {
		return fmt.Errorf("%w: input shapes are empty", ErrInvalidTask)
	}
	for i, shape := range s.InputShapes {
		if len(shape) == 0 {
			return fmt.Errorf("%w: input shape %d is empty", ErrInvalidTask, i)
		}
		for _, dim := range shape {
			if dim <= 0 {
				return fmt.Errorf("%w: input shape %d has non-positive dimension %d", ErrInvalidTask, i, dim)
			}
		}
	}
	if !s.Precision.Valid() {
		return fmt.Errorf("%w: unknown precision %q", ErrInvalidTask, s.Precision)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidTask, s.BatchSize)
	}
	if s.Priority < MinPriority || s.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d, %d]", ErrInvalidTask, s.Priority, MinPriority, MaxPriority)
	}
	return s.QoS.Validate()
}

func (q QoSConstraints) Validate() error {
	if q.MaxLatencyMs != nil && !(*q.MaxLatencyMs > 0) {
		return fmt.Errorf("%w: max latency must be positive, got %v", ErrInvalidTask, *q.MaxLatencyMs)
	}
	if q.MaxEnergyJ != nil && !(*q.MaxEnergyJ > 0) {
		return fmt.Errorf("%w: max energy must be positive, got %v", ErrInvalidTask, *q.MaxEnergyJ)
	}
	if q.MinAccuracy != nil && !(*q.MinAccuracy >= 0 && *q.MinAccuracy <= 1) {
		return fmt.Errorf("%w: min accuracy %v outside [0, 1]", ErrInvalidTask, *q.MinAccuracy)
	}
	if q.Deadline != nil && q.Deadline.IsZero() {
		return fmt.Errorf("%w: deadline is set but zero", ErrInvalidTask)
	}
	return nil
}
