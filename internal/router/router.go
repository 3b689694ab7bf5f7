// Package router schedules inference tasks onto the (engine, precision) arm
// chosen by a routing policy and feeds every outcome back into the policy's
// history, the energy budget and the latency SLO tracker.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/ak3tsm7/qos-inference-router/internal/budget"
	"github.com/ak3tsm7/qos-inference-router/internal/history"
	"github.com/ak3tsm7/qos-inference-router/internal/metrics"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
	"github.com/ak3tsm7/qos-inference-router/internal/policy"
	"github.com/ak3tsm7/qos-inference-router/internal/slo"
	"github.com/ak3tsm7/qos-inference-router/internal/telemetry"
)

// Engine pairs an engine description with the backend that runs it.
type Engine struct {
	Info    models.EngineInfo
	Backend InferenceBackend
}

type Options struct {
	Policy            policy.RoutingPolicy
	Engines           []Engine
	Budget            budget.Config
	SLO               slo.Config
	HistoryMaxSamples int

	// Telemetry, when set, is run by the router until Shutdown and also
	// serves as the energy meter unless Meter is given.
	Telemetry *telemetry.Sampler
	Meter     EnergyMeter

	Logger *zap.Logger
	Clock  clock.PassiveClock
}

type Router struct {
	policy  policy.RoutingPolicy
	history *history.Store
	budget  *budget.EnergyBudget
	slo     *slo.Tracker
	sampler *telemetry.Sampler
	meter   EnergyMeter
	logger  *zap.Logger
	clock   clock.PassiveClock

	mu       sync.RWMutex
	engines  []models.EngineInfo
	backends map[models.Engine]InferenceBackend
	closed   bool
	inflight sync.WaitGroup

	stateMu   sync.Mutex
	state     models.RouterState
	listeners []func(models.RouterState)

	stopTelemetry context.CancelFunc
	telemetryDone chan struct{}
	shutdownOnce  sync.Once
	shutdownErr   error
}

func New(opts Options) (*Router, error) {
	if opts.Policy == nil {
		opts.Policy = policy.NewGreedy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.SLO == (slo.Config{}) {
		opts.SLO = slo.DefaultConfig()
	}
	if opts.Budget == (budget.Config{}) {
		opts.Budget = budget.DefaultConfig()
	}

	eb, err := budget.New(opts.Budget, budget.WithClock(opts.Clock))
	if err != nil {
		return nil, fmt.Errorf("energy budget: %w", err)
	}
	tracker, err := slo.New(opts.SLO)
	if err != nil {
		return nil, fmt.Errorf("latency slo: %w", err)
	}

	r := &Router{
		policy:   opts.Policy,
		history:  history.New(opts.HistoryMaxSamples),
		budget:   eb,
		slo:      tracker,
		sampler:  opts.Telemetry,
		meter:    opts.Meter,
		logger:   opts.Logger,
		clock:    opts.Clock,
		backends: make(map[models.Engine]InferenceBackend),
		state: models.RouterState{
			BatteryLevel:  eb.BatteryLevel(),
			EnergyBudgetJ: eb.Current(),
			UpdatedAt:     opts.Clock.Now(),
		},
	}
	if r.meter == nil && r.sampler != nil {
		r.meter = r.sampler
	}
	for _, e := range opts.Engines {
		if err := r.Register(e.Info, e.Backend); err != nil {
			return nil, err
		}
	}
	metrics.EnergyBudgetJoules.Set(eb.Current())

	if r.sampler != nil {
		r.sampler.Subscribe(r.applySample)
		ctx, cancel := context.WithCancel(context.Background())
		r.stopTelemetry = cancel
		r.telemetryDone = make(chan struct{})
		go func() {
			defer close(r.telemetryDone)
			r.sampler.Run(ctx)
		}()
	}

	r.logger.Info("router started",
		zap.String("policy", r.policy.Name()),
		zap.Int("engines", len(r.engines)),
		zap.Float64("budget_j", eb.Current()),
		zap.Float64("refill_j_per_s", eb.RefillRate()),
	)
	return r, nil
}

// Register adds an engine. Registering the same engine twice is an error.
func (r *Router) Register(info models.EngineInfo, b InferenceBackend) error {
	if info.Engine == "" {
		return errors.New("engine name is empty")
	}
	if b == nil {
		return fmt.Errorf("engine %s: backend is nil", info.Engine)
	}
	for _, p := range info.Precisions {
		if !p.Valid() {
			return fmt.Errorf("engine %s: unknown precision %q", info.Engine, p)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	if _, dup := r.backends[info.Engine]; dup {
		r.mu.Unlock()
		return fmt.Errorf("engine %s already registered", info.Engine)
	}
	r.backends[info.Engine] = b
	r.engines = append(r.engines, info)
	engines := r.engineSnapshotLocked()
	r.mu.Unlock()

	r.updateState(func(s *models.RouterState) { s.AvailableEngines = engines })
	return nil
}

func (r *Router) engineSnapshotLocked() []models.EngineInfo {
	out := make([]models.EngineInfo, len(r.engines))
	for i, e := range r.engines {
		out[i] = models.EngineInfo{Engine: e.Engine, Precisions: append([]models.Precision(nil), e.Precisions...)}
	}
	return out
}

// Engines returns the registered engines in registration order.
func (r *Router) Engines() []models.EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engineSnapshotLocked()
}

// Schedule validates spec, picks an arm, runs it and records the outcome.
// The returned error is non-nil only when spec is invalid; every other
// failure is reported through TaskResult.Success and TaskResult.Err.
func (r *Router) Schedule(ctx context.Context, spec models.TaskSpec) (models.TaskResult, error) {
	if err := spec.Validate(); err != nil {
		return models.TaskResult{TaskID: spec.ID}, err
	}
	spec = spec.WithID()
	log := r.logger.With(zap.String("task_id", spec.ID), zap.String("model_id", spec.ModelID))

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return r.fail(log, spec, models.BackendConfig{}, models.ExecutionMetrics{}, ErrRouterClosed), nil
	}
	r.inflight.Add(1)
	engines := r.engineSnapshotLocked()
	r.mu.RUnlock()
	defer r.inflight.Done()

	if spec.QoS.MaxEnergyJ != nil && !r.budget.CanAfford(*spec.QoS.MaxEnergyJ) {
		err := fmt.Errorf("%w: need %.3fJ, have %.3fJ", ErrEnergyBudgetExhausted, *spec.QoS.MaxEnergyJ, r.budget.Current())
		return r.fail(log, spec, models.BackendConfig{}, models.ExecutionMetrics{}, err), nil
	}

	cfg, err := r.policy.Select(spec, engines, r.history, r.State())
	if err != nil {
		return r.fail(log, spec, cfg, models.ExecutionMetrics{}, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)), nil
	}
	log = log.With(zap.String("engine", string(cfg.Engine)), zap.String("precision", string(cfg.Precision)))

	r.mu.RLock()
	backend, ok := r.backends[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return r.fail(log, spec, cfg, models.ExecutionMetrics{}, fmt.Errorf("%w: %s", ErrEngineUnavailable, cfg.Engine)), nil
	}

	if err := ctx.Err(); err != nil {
		return r.fail(log, spec, cfg, models.ExecutionMetrics{}, fmt.Errorf("%w: %w", ErrCancelled, err)), nil
	}

	// Backends run at the chosen precision.
	spec.Precision = cfg.Precision

	if spec.EnableWarmup {
		_, err := r.call(ctx, func(ctx context.Context) (any, error) { return nil, backend.Warmup(ctx, spec) })
		if err != nil {
			return r.fail(log, spec, cfg, models.ExecutionMetrics{}, r.classify(ctx, err, "warmup")), nil
		}
	}

	preEnergy := r.energy()
	start := r.clock.Now()
	outputs, err := r.call(ctx, func(ctx context.Context) (any, error) { return backend.Infer(ctx, spec) })
	latency := r.clock.Since(start)
	energyJ := math.Max(0, r.energy()-preEnergy)
	if rep, ok := outputs.(EnergyReport); ok && err == nil {
		energyJ = rep.EnergyJoules()
	}
	m := r.measure(latency, energyJ)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		err = r.classify(ctx, err, "infer")
		if obs, ok := r.policy.(policy.Observer); ok && !errors.Is(err, ErrCancelled) {
			obs.Observe(cfg, m, false)
		}
		metrics.TasksScheduledTotal.WithLabelValues(string(cfg.Engine), string(cfg.Precision), "false").Inc()
		return r.fail(log, spec, cfg, m, err), nil
	}

	r.record(log, spec, cfg, m)
	return models.TaskResult{
		TaskID:  spec.ID,
		Outputs: outputs,
		Metrics: m,
		Config:  cfg,
		Success: true,
	}, nil
}

// call runs fn in its own goroutine so a backend that ignores ctx cannot
// hold the caller past cancellation. Panics become backend errors.
func (r *Router) call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := fn(ctx)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) classify(ctx context.Context, err error, stage string) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w during %s: %w", ErrCancelled, stage, err)
	}
	return fmt.Errorf("%w during %s: %w", ErrBackend, stage, err)
}

func (r *Router) energy() float64 {
	if r.meter == nil {
		return 0
	}
	return r.meter.EnergyJoules()
}

func (r *Router) measure(latency time.Duration, energyJ float64) models.ExecutionMetrics {
	m := models.ExecutionMetrics{
		LatencyMs: float64(latency) / float64(time.Millisecond),
		EnergyJ:   energyJ,
		Timestamp: r.clock.Now(),
	}
	if m.LatencyMs > 0 {
		m.PowerW = m.EnergyJ / (m.LatencyMs / 1000)
	}
	if r.sampler != nil {
		if s, ok := r.sampler.Latest(); ok {
			m.CPUUtilization = s.CPUUtilization
			m.GPUUtilization = s.GPUUtilization
			m.Thermal = s.Thermal
		}
	}
	return m
}

// record folds a successful execution into history, SLO, budget, policy and state.
func (r *Router) record(log *zap.Logger, spec models.TaskSpec, cfg models.BackendConfig, m models.ExecutionMetrics) {
	r.history.Record(cfg, m)

	r.slo.RecordLatency(m.LatencyMs)
	sloCfg := r.slo.Config()
	if m.LatencyMs > sloCfg.P95TargetMs {
		metrics.SLOViolationsTotal.WithLabelValues("p95").Inc()
	}
	if m.LatencyMs > sloCfg.P99TargetMs {
		metrics.SLOViolationsTotal.WithLabelValues("p99").Inc()
	}

	if !r.budget.ConsumeEnergy(m.EnergyJ) {
		metrics.BudgetOverdrawTotal.Inc()
		log.Warn("execution energy exceeds remaining budget",
			zap.Float64("energy_j", m.EnergyJ),
			zap.Float64("budget_j", r.budget.Current()),
		)
	}

	if obs, ok := r.policy.(policy.Observer); ok {
		obs.Observe(cfg, m, true)
	}

	engine, precision := string(cfg.Engine), string(cfg.Precision)
	metrics.TasksScheduledTotal.WithLabelValues(engine, precision, "true").Inc()
	metrics.TaskLatencySeconds.WithLabelValues(engine, precision).Observe(m.LatencyMs / 1000)
	metrics.TaskEnergyJoules.WithLabelValues(engine, precision).Observe(m.EnergyJ)
	metrics.EnergyBudgetJoules.Set(r.budget.Current())

	stats := r.slo.Stats()
	r.updateState(func(s *models.RouterState) {
		s.TasksCompleted++
		s.AvgLatencyMs = stats.MeanMs
		s.P99LatencyMs = stats.P99Ms
		s.CumulativeEnergy += m.EnergyJ
		s.EnergyBudgetJ = r.budget.Current()
	})

	if spec.QoS.MaxLatencyMs != nil && m.LatencyMs > *spec.QoS.MaxLatencyMs {
		log.Debug("latency ceiling exceeded", zap.Float64("latency_ms", m.LatencyMs), zap.Float64("max_latency_ms", *spec.QoS.MaxLatencyMs))
	}
	if spec.QoS.Deadline != nil && m.Timestamp.After(*spec.QoS.Deadline) {
		log.Debug("advisory deadline missed", zap.Time("deadline", *spec.QoS.Deadline))
	}
	log.Debug("task completed",
		zap.Float64("latency_ms", m.LatencyMs),
		zap.Float64("energy_j", m.EnergyJ),
		zap.Int("priority", spec.Priority),
	)
}

func (r *Router) fail(log *zap.Logger, spec models.TaskSpec, cfg models.BackendConfig, m models.ExecutionMetrics, err error) models.TaskResult {
	reason := failureReason(err)
	metrics.TaskFailuresTotal.WithLabelValues(reason).Inc()
	r.updateState(func(s *models.RouterState) { s.TasksFailed++ })
	log.Info("task failed", zap.String("reason", reason), zap.Error(err))
	return models.TaskResult{
		TaskID:  spec.ID,
		Metrics: m,
		Config:  cfg,
		Success: false,
		Err:     err,
	}
}

// SeedHistory loads previously persisted samples for a registered engine,
// e.g. on warm start.
func (r *Router) SeedHistory(cfg models.BackendConfig, samples []models.ExecutionMetrics) error {
	r.mu.RLock()
	_, ok := r.backends[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, cfg.Engine)
	}
	obs, _ := r.policy.(policy.Observer)
	for _, m := range samples {
		r.history.Record(cfg, m)
		if obs != nil {
			obs.Observe(cfg, m, true)
		}
	}
	return nil
}

// UpdateBatteryState forwards a battery reading to the energy budget.
func (r *Router) UpdateBatteryState(level float64, lowPowerMode bool) {
	r.budget.UpdateBatteryState(level, lowPowerMode)
	r.updateState(func(s *models.RouterState) {
		s.BatteryLevel = r.budget.BatteryLevel()
		s.LowPowerMode = lowPowerMode
	})
}

func (r *Router) applySample(sample telemetry.Sample) {
	if sample.Battery != nil {
		r.budget.UpdateBatteryState(sample.Battery.Level, sample.Battery.LowPowerMode)
	}
	r.budget.Refill()

	metrics.CPUUtilizationPercent.Set(sample.CPUUtilization)
	metrics.ThermalState.Set(float64(sample.Thermal))
	metrics.EnergyBudgetJoules.Set(r.budget.Current())
	for component, w := range map[string]float64{
		"cpu":    sample.Power.CPUW,
		"gpu":    sample.Power.GPUW,
		"dram":   sample.Power.DRAMW,
		"system": sample.Power.SystemW,
		"total":  sample.Power.TotalW,
	} {
		metrics.PowerWatts.WithLabelValues(component).Set(w)
	}

	r.updateState(func(s *models.RouterState) {
		s.CPUUtilization = sample.CPUUtilization
		s.GPUUtilization = sample.GPUUtilization
		s.CurrentPowerW = sample.Power.TotalW
		s.Thermal = sample.Thermal
		s.EnergyBudgetJ = r.budget.Current()
		s.BatteryLevel = r.budget.BatteryLevel()
		s.LowPowerMode = r.budget.LowPowerMode()
	})
}

// OnStateChange registers fn to receive a snapshot after every update.
// fn runs on the updating goroutine and must not block.
func (r *Router) OnStateChange(fn func(models.RouterState)) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Router) updateState(mutate func(*models.RouterState)) {
	r.stateMu.Lock()
	mutate(&r.state)
	r.state.UpdatedAt = r.clock.Now()
	snapshot := r.state.Clone()
	listeners := r.listeners
	r.stateMu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// State returns a snapshot of the router state.
func (r *Router) State() models.RouterState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state.Clone()
}

func (r *Router) History() *history.Store { return r.history }

func (r *Router) Budget() *budget.EnergyBudget { return r.budget }

func (r *Router) SLO() *slo.Tracker { return r.slo }

func (r *Router) Policy() policy.RoutingPolicy { return r.policy }

// Shutdown stops accepting tasks, waits for in-flight tasks until ctx is
// done, stops the telemetry loop and releases every backend. It is safe to
// call more than once.
func (r *Router) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			r.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			r.logger.Warn("shutdown deadline reached with tasks in flight")
		}

		if r.stopTelemetry != nil {
			r.stopTelemetry()
			<-r.telemetryDone
		}

		r.mu.RLock()
		registered := make([]Engine, 0, len(r.engines))
		for _, info := range r.engines {
			registered = append(registered, Engine{Info: info, Backend: r.backends[info.Engine]})
		}
		r.mu.RUnlock()

		var errs []error
		for _, e := range registered {
			if err := e.Backend.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", e.Info.Engine, err))
			}
		}
		r.shutdownErr = errors.Join(errs...)
		r.logger.Info("router stopped", zap.Int64("tasks_completed", r.State().TasksCompleted))
	})
	return r.shutdownErr
}
