// Package sim provides synthetic inference backends with configurable
// latency, power and failure profiles. The fleet accounts for the energy
// its backends draw, so it doubles as an exact energy meter.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

var (
	ErrReleased        = errors.New("backend released")
	ErrInjectedFailure = errors.New("injected backend failure")
)

// Relative cost of each precision against fp32.
var (
	latencyFactor = map[models.Precision]float64{
		models.PrecisionFP32: 1.0,
		models.PrecisionFP16: 0.6,
		models.PrecisionINT8: 0.4,
		models.PrecisionINT4: 0.3,
	}
	powerFactor = map[models.Precision]float64{
		models.PrecisionFP32: 1.0,
		models.PrecisionFP16: 0.8,
		models.PrecisionINT8: 0.6,
		models.PrecisionINT4: 0.5,
	}
)

const coldStartPenalty = 1.25

// Profile describes one simulated engine.
type Profile struct {
	Engine        models.Engine      `yaml:"name"`
	Precisions    []models.Precision `yaml:"precisions"`
	BaseLatencyMs float64            `yaml:"base_latency_ms"`
	PowerW        float64            `yaml:"power_w"`
	Jitter        float64            `yaml:"jitter"`       // ± fraction of latency
	FailureRate   float64            `yaml:"failure_rate"` // probability in [0, 1]
}

func (p Profile) Validate() error {
	if p.Engine == "" {
		return errors.New("engine name is empty")
	}
	if !(p.BaseLatencyMs > 0) {
		return fmt.Errorf("engine %s: base latency must be positive", p.Engine)
	}
	if p.PowerW < 0 {
		return fmt.Errorf("engine %s: power must be non-negative", p.Engine)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("engine %s: jitter %v outside [0, 1)", p.Engine, p.Jitter)
	}
	if p.FailureRate < 0 || p.FailureRate > 1 {
		return fmt.Errorf("engine %s: failure rate %v outside [0, 1]", p.Engine, p.FailureRate)
	}
	for _, prec := range p.Precisions {
		if !prec.Valid() {
			return fmt.Errorf("engine %s: unknown precision %q", p.Engine, prec)
		}
	}
	return nil
}

func (p Profile) Info() models.EngineInfo {
	return models.EngineInfo{Engine: p.Engine, Precisions: append([]models.Precision(nil), p.Precisions...)}
}

// DefaultProfiles is a small phone-like fleet.
func DefaultProfiles() []Profile {
	return []Profile{
		{Engine: models.EngineCPU, Precisions: []models.Precision{models.PrecisionFP32, models.PrecisionINT8}, BaseLatencyMs: 40, PowerW: 2.5, Jitter: 0.1},
		{Engine: models.EngineGPU, Precisions: []models.Precision{models.PrecisionFP32, models.PrecisionFP16}, BaseLatencyMs: 15, PowerW: 4.0, Jitter: 0.15},
		{Engine: models.EngineNPU, Precisions: []models.Precision{models.PrecisionINT8, models.PrecisionINT4}, BaseLatencyMs: 12, PowerW: 1.5, Jitter: 0.05, FailureRate: 0.01},
	}
}

// Output is what a simulated backend returns.
type Output struct {
	ModelID   string
	Engine    models.Engine
	Precision models.Precision
	Shapes    [][]int
	EnergyJ   float64
}

// EnergyJoules is the energy drawn by the call that produced o.
func (o Output) EnergyJoules() float64 { return o.EnergyJ }

// Fleet owns a set of simulated backends sharing one energy counter.
type Fleet struct {
	backends []*Backend
	energy   atomic.Uint64 // float64 bits, joules
}

// NewFleet builds one backend per profile. Sleep controls whether Infer
// actually waits for the simulated latency.
func NewFleet(profiles []Profile, seed uint64, sleep bool) (*Fleet, error) {
	f := &Fleet{}
	seen := make(map[models.Engine]bool)
	for i, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Engine] {
			return nil, fmt.Errorf("duplicate engine %s", p.Engine)
		}
		seen[p.Engine] = true
		f.backends = append(f.backends, &Backend{
			profile: p,
			fleet:   f,
			sleep:   sleep,
			rng:     rand.New(rand.NewPCG(seed, uint64(i)+1)),
			warm:    make(map[string]bool),
		})
	}
	return f, nil
}

func (f *Fleet) Backends() []*Backend {
	return append([]*Backend(nil), f.backends...)
}

// EnergyJoules is the total energy drawn by every backend of the fleet.
func (f *Fleet) EnergyJoules() float64 {
	return math.Float64frombits(f.energy.Load())
}

func (f *Fleet) addEnergy(j float64) {
	for {
		old := f.energy.Load()
		if f.energy.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+j)) {
			return
		}
	}
}

// Backend is a simulated InferenceBackend.
type Backend struct {
	profile  Profile
	fleet    *Fleet
	sleep    bool
	released atomic.Bool
	calls    atomic.Int64

	mu   sync.Mutex
	rng  *rand.Rand
	warm map[string]bool
}

func (b *Backend) Profile() Profile { return b.profile }

func (b *Backend) Info() models.EngineInfo { return b.profile.Info() }

// Calls returns how many Infer calls reached this backend.
func (b *Backend) Calls() int64 { return b.calls.Load() }

func (b *Backend) Released() bool { return b.released.Load() }

func (b *Backend) Warmup(ctx context.Context, spec models.TaskSpec) error {
	if b.released.Load() {
		return ErrReleased
	}
	if err := b.wait(ctx, time.Duration(b.profile.BaseLatencyMs*float64(time.Millisecond))); err != nil {
		return err
	}
	b.mu.Lock()
	b.warm[warmKey(spec)] = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) Infer(ctx context.Context, spec models.TaskSpec) (any, error) {
	if b.released.Load() {
		return nil, ErrReleased
	}
	b.calls.Add(1)

	b.mu.Lock()
	latencyMs := b.latencyLocked(spec)
	fail := b.rng.Float64() < b.profile.FailureRate
	b.mu.Unlock()

	latency := time.Duration(latencyMs * float64(time.Millisecond))
	if err := b.wait(ctx, latency); err != nil {
		return nil, err
	}
	energyJ := b.powerW(spec.Precision) * latency.Seconds()
	b.fleet.addEnergy(energyJ)
	if fail {
		return nil, fmt.Errorf("%s/%s: %w", b.profile.Engine, spec.Precision, ErrInjectedFailure)
	}
	return Output{
		ModelID:   spec.ModelID,
		Engine:    b.profile.Engine,
		Precision: spec.Precision,
		Shapes:    spec.InputShapes,
		EnergyJ:   energyJ,
	}, nil
}

func (b *Backend) Release() error {
	b.released.Store(true)
	return nil
}

// latencyLocked is the simulated latency in ms. Caller holds mu.
func (b *Backend) latencyLocked(spec models.TaskSpec) float64 {
	lat := b.profile.BaseLatencyMs * factor(latencyFactor, spec.Precision) * float64(max(spec.BatchSize, 1))
	if b.profile.Jitter > 0 {
		lat *= 1 + b.profile.Jitter*(2*b.rng.Float64()-1)
	}
	key := warmKey(spec)
	if !b.warm[key] {
		lat *= coldStartPenalty
		b.warm[key] = true
	}
	return lat
}

func (b *Backend) powerW(p models.Precision) float64 {
	return b.profile.PowerW * factor(powerFactor, p)
}

func (b *Backend) wait(ctx context.Context, d time.Duration) error {
	if !b.sleep {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func factor(table map[models.Precision]float64, p models.Precision) float64 {
	if f, ok := table[p]; ok {
		return f
	}
	return 1
}

func warmKey(spec models.TaskSpec) string {
	return spec.ModelID + "/" + string(spec.Precision)
}
