package router

import (
	"context"
	"errors"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// InferenceBackend wraps one execution engine. Implementations should honor
// ctx cancellation; the router abandons the call when ctx is done either way.
type InferenceBackend interface {
	Infer(ctx context.Context, spec models.TaskSpec) (any, error)
	Warmup(ctx context.Context, spec models.TaskSpec) error
	Release() error
}

// EnergyMeter exposes a monotonically increasing energy counter in joules.
// Task energy is the counter delta across the execution.
type EnergyMeter interface {
	EnergyJoules() float64
}

// EnergyReport is implemented by backend outputs that carry the energy of
// the call itself. It takes precedence over the meter delta, which also
// counts tasks running concurrently on other engines.
type EnergyReport interface {
	EnergyJoules() float64
}

var (
	ErrEnergyBudgetExhausted = errors.New("energy budget exhausted")
	ErrEngineUnavailable     = errors.New("engine unavailable")
	ErrBackend               = errors.New("backend execution failed")
	ErrCancelled             = errors.New("task cancelled")
	ErrRouterClosed          = errors.New("router is shut down")
)

// Recoverable reports whether a failed result is worth retrying later
// without changing the request.
func Recoverable(err error) bool {
	return errors.Is(err, ErrEnergyBudgetExhausted)
}

// failureReason maps a failure onto a metric label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrEnergyBudgetExhausted):
		return "budget"
	case errors.Is(err, ErrEngineUnavailable):
		return "engine_unavailable"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrRouterClosed):
		return "closed"
	default:
		return "backend"
	}
}
