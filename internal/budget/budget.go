// Package budget implements the battery-aware energy token bucket that gates
// energy-constrained inference requests.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

const (
	microJoulesPerJoule = 1_000_000

	// MinRefillInterval throttles refill passes.
	MinRefillInterval = 100 * time.Millisecond

	lowPowerScale = 0.2
)

const (
	DefaultInitialJ      = 50
	DefaultMaxJ          = 100
	DefaultRefillJPerSec = 1
)

// Config holds the bucket parameters, all in joules.
type Config struct {
	InitialJ      float64
	MaxJ          float64
	RefillJPerSec float64
}

// DefaultConfig returns a half-full 100 J bucket refilled at 1 J/s.
func DefaultConfig() Config {
	return Config{
		InitialJ:      DefaultInitialJ,
		MaxJ:          DefaultMaxJ,
		RefillJPerSec: DefaultRefillJPerSec,
	}
}

func (c Config) Validate() error {
	if !(c.MaxJ > 0) {
		return fmt.Errorf("max budget must be positive, got %v", c.MaxJ)
	}
	if c.InitialJ < 0 || c.InitialJ > c.MaxJ {
		return fmt.Errorf("initial budget %v outside [0, %v]", c.InitialJ, c.MaxJ)
	}
	if c.RefillJPerSec < 0 || math.IsNaN(c.RefillJPerSec) {
		return errors.New("refill rate must be non-negative")
	}
	return nil
}

// EnergyBudget is a lock-free token bucket. The budget is held in integer
// micro-joules and every mutation is a compare-and-swap retry loop, so
// concurrent refills and consumptions never push it outside [0, max].
type EnergyBudget struct {
	current    atomic.Int64 // µJ
	max        int64        // µJ
	refillRate float64      // J/s
	lastRefill atomic.Int64 // unix nanos of the last refill pass
	battery    atomic.Uint64
	lowPower   atomic.Bool
	clock      clock.PassiveClock
}

type Option func(*EnergyBudget)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(b *EnergyBudget) { b.clock = c }
}

func New(cfg Config, opts ...Option) (*EnergyBudget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &EnergyBudget{
		max:        toMicro(cfg.MaxJ),
		refillRate: cfg.RefillJPerSec,
		clock:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.current.Store(toMicro(cfg.InitialJ))
	b.lastRefill.Store(b.clock.Now().UnixNano())
	b.battery.Store(math.Float64bits(100))
	return b, nil
}

// CanAfford runs a refill pass and reports whether energyJ is available.
func (b *EnergyBudget) CanAfford(energyJ float64) bool {
	b.Refill()
	return b.current.Load() >= toMicro(energyJ)
}

// ConsumeEnergy removes energyJ from the budget. It returns false, leaving
// the budget untouched, if not enough energy is available.
func (b *EnergyBudget) ConsumeEnergy(energyJ float64) bool {
	if energyJ < 0 || math.IsNaN(energyJ) {
		return false
	}
	want := toMicro(energyJ)
	for {
		cur := b.current.Load()
		if cur < want {
			return false
		}
		if b.current.CompareAndSwap(cur, cur-want) {
			return true
		}
	}
}

// Refill credits the energy accrued since the previous pass. Passes closer
// than MinRefillInterval apart are skipped, and only one of several racing
// callers claims a given interval.
func (b *EnergyBudget) Refill() {
	now := b.clock.Now().UnixNano()
	last := b.lastRefill.Load()
	elapsed := time.Duration(now - last)
	if elapsed < MinRefillInterval {
		return
	}
	if !b.lastRefill.CompareAndSwap(last, now) {
		return
	}

	amount := toMicro(b.refillRate * elapsed.Seconds() * b.BatteryScale())
	if amount <= 0 {
		return
	}
	for {
		cur := b.current.Load()
		next := cur + amount
		if next > b.max || next < cur {
			next = b.max
		}
		if next == cur || b.current.CompareAndSwap(cur, next) {
			return
		}
	}
}

// UpdateBatteryState is called by the battery monitor; level is a percentage.
func (b *EnergyBudget) UpdateBatteryState(level float64, lowPowerMode bool) {
	level = math.Max(0, math.Min(100, level))
	b.battery.Store(math.Float64bits(level))
	b.lowPower.Store(lowPowerMode)
}

// BatteryScale is the multiplier applied to the refill rate.
func (b *EnergyBudget) BatteryScale() float64 {
	if b.lowPower.Load() {
		return lowPowerScale
	}
	return ScaleForLevel(b.BatteryLevel())
}

// ScaleForLevel maps a battery percentage to its refill multiplier.
func ScaleForLevel(level float64) float64 {
	switch {
	case level >= 80:
		return 1.0
	case level >= 50:
		return 0.8
	case level >= 20:
		return 0.5
	default:
		return 0.3
	}
}

func (b *EnergyBudget) BatteryLevel() float64 {
	return math.Float64frombits(b.battery.Load())
}

func (b *EnergyBudget) LowPowerMode() bool {
	return b.lowPower.Load()
}

// Current returns the remaining budget in joules.
func (b *EnergyBudget) Current() float64 {
	return fromMicro(b.current.Load())
}

// Max returns the budget cap in joules.
func (b *EnergyBudget) Max() float64 {
	return fromMicro(b.max)
}

func (b *EnergyBudget) RefillRate() float64 {
	return b.refillRate
}

func toMicro(j float64) int64 {
	if math.IsNaN(j) || j <= 0 {
		return 0
	}
	if j >= math.MaxInt64/microJoulesPerJoule {
		return math.MaxInt64
	}
	return int64(math.Round(j * microJoulesPerJoule))
}

func fromMicro(uj int64) float64 {
	return float64(uj) / microJoulesPerJoule
}
