// Package telemetry samples device utilization, power and thermal state on a
// fixed period and integrates power into a cumulative energy counter.
package telemetry

import (
	"context"
	"io/fs"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const DefaultInterval = 100 * time.Millisecond

// Config locates the generic telemetry files inside FS. Paths are relative
// to the FS root (no leading slash).
type Config struct {
	Interval         time.Duration
	FS               fs.FS
	StatPath         string
	GPUBusyPaths     []string
	ThermalPaths     []string
	BatteryDir       string
	LowPowerModePath string
	// RailSources are tried in order before the battery estimate.
	RailSources []PowerSource
}

// DefaultConfig reads from the host root with common Linux/Android paths.
func DefaultConfig() Config {
	return ConfigForRoot(os.DirFS("/"))
}

func ConfigForRoot(fsys fs.FS) Config {
	return Config{
		Interval: DefaultInterval,
		FS:       fsys,
		StatPath: "proc/stat",
		GPUBusyPaths: []string{
			"sys/class/kgsl/kgsl-3d0/gpu_busy_percentage",
			"sys/class/drm/card0/device/gpu_busy_percent",
		},
		ThermalPaths: []string{
			"sys/class/thermal/thermal_zone0/temp",
			"sys/class/thermal/thermal_zone1/temp",
		},
		BatteryDir: "sys/class/power_supply/battery",
		RailSources: []PowerSource{
			RailSource{
				SourceName: "hwmon",
				FS:         fsys,
				CPUPath:    "sys/class/hwmon/hwmon0/power1_input",
				GPUPath:    "sys/class/hwmon/hwmon0/power2_input",
				DRAMPath:   "sys/class/hwmon/hwmon0/power3_input",
				SystemPath: "sys/class/hwmon/hwmon0/power4_input",
			},
		},
	}
}

// Sampler is the TelemetrySampler. Readers only touch atomics, so the
// sampling loop never blocks scheduling calls.
type Sampler struct {
	cfg    Config
	clock  clock.WithTicker
	logger *zap.Logger

	sampleMu  sync.Mutex
	cpu       cpuTracker
	lastTick  time.Time
	warned    map[string]bool
	sources   []PowerSource
	callbacks []func(Sample)

	latest atomic.Pointer[Sample]
	energy atomic.Uint64 // float64 bits, joules
}

type Option func(*Sampler)

func WithClock(c clock.WithTicker) Option {
	return func(s *Sampler) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sampler) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(cfg Config, opts ...Option) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FS == nil {
		cfg.FS = os.DirFS("/")
	}
	s := &Sampler{
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: zap.NewNop(),
		warned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sources = append(append([]PowerSource(nil), cfg.RailSources...),
		BatteryEstimateSource{FS: cfg.FS, Dir: cfg.BatteryDir})
	return s
}

// Subscribe registers fn to receive every sample. Call before Run.
func (s *Sampler) Subscribe(fn func(Sample)) {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// Run samples every Interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.SampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.SampleOnce()
		}
	}
}

// SampleOnce takes one sample, folds its power into the energy counter,
// publishes it and returns it. Read failures degrade the sample, never
// abort it.
func (s *Sampler) SampleOnce() Sample {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()

	now := s.clock.Now()
	sample := Sample{Timestamp: now}

	if counters, err := readCPUCounters(s.cfg.FS, s.cfg.StatPath); err != nil {
		s.warnOnce("cpu", err)
	} else {
		sample.CPUUtilization = s.cpu.next(counters)
	}

	if gpu, err := readGPUBusy(s.cfg.FS, s.cfg.GPUBusyPaths); err != nil {
		s.warnOnce("gpu", err)
	} else {
		sample.GPUUtilization = gpu
	}

	if thermal, err := readThermal(s.cfg.FS, s.cfg.ThermalPaths); err != nil {
		s.warnOnce("thermal", err)
	} else {
		sample.Thermal = thermal
	}

	if s.cfg.BatteryDir != "" {
		if battery, err := readBattery(s.cfg.FS, s.cfg.BatteryDir, s.cfg.LowPowerModePath); err != nil {
			s.warnOnce("battery", err)
		} else {
			sample.Battery = battery
		}
	}

	if rails, name, err := readPowerChain(s.sources); err != nil {
		s.warnOnce("power", err)
		sample.PowerSource = "none"
	} else {
		sample.Power = rails
		sample.PowerSource = name
	}

	if !s.lastTick.IsZero() {
		if dt := now.Sub(s.lastTick).Seconds(); dt > 0 {
			s.addEnergy(sample.Power.TotalW * dt)
		}
	}
	s.lastTick = now

	s.latest.Store(&sample)
	for _, fn := range s.callbacks {
		fn(sample)
	}
	return sample
}

func (s *Sampler) warnOnce(source string, err error) {
	if s.warned[source] {
		return
	}
	s.warned[source] = true
	s.logger.Debug("telemetry source unavailable, degrading", zap.String("source", source), zap.Error(err))
}

func (s *Sampler) addEnergy(j float64) {
	for {
		old := s.energy.Load()
		next := math.Float64bits(math.Float64frombits(old) + j)
		if s.energy.CompareAndSwap(old, next) {
			return
		}
	}
}

// Latest returns the most recent sample, if any has been taken.
func (s *Sampler) Latest() (Sample, bool) {
	p := s.latest.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, true
}

// EnergyJoules is the energy integrated from total power since start.
func (s *Sampler) EnergyJoules() float64 {
	return math.Float64frombits(s.energy.Load())
}
