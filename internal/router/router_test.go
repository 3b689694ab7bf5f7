package router

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/ak3tsm7/qos-inference-router/internal/budget"
	"github.com/ak3tsm7/qos-inference-router/internal/history"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
	"github.com/ak3tsm7/qos-inference-router/internal/policy"
	"github.com/ak3tsm7/qos-inference-router/internal/slo"
	"github.com/ak3tsm7/qos-inference-router/internal/telemetry"
)

type meter struct{ bits atomic.Uint64 }

func (m *meter) add(j float64) {
	for {
		old := m.bits.Load()
		if m.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+j)) {
			return
		}
	}
}

func (m *meter) EnergyJoules() float64 { return math.Float64frombits(m.bits.Load()) }

// fakeBackend advances the fake clock by latency and the meter by energy on
// every Infer.
type fakeBackend struct {
	clock   *clocktesting.FakeClock
	meter   *meter
	latency time.Duration
	energyJ float64
	err     error
	panics  bool
	block   chan struct{} // when set, Infer ignores ctx and waits on it

	calls    atomic.Int64
	warmups  atomic.Int64
	released atomic.Bool
}

func (b *fakeBackend) Infer(ctx context.Context, spec models.TaskSpec) (any, error) {
	b.calls.Add(1)
	if b.block != nil {
		<-b.block
	}
	if b.panics {
		panic("kernel exploded")
	}
	if b.clock != nil {
		b.clock.Step(b.latency)
	}
	if b.meter != nil {
		b.meter.add(b.energyJ)
	}
	if b.err != nil {
		return nil, b.err
	}
	return "out:" + spec.ModelID, nil
}

func (b *fakeBackend) Warmup(context.Context, models.TaskSpec) error {
	b.warmups.Add(1)
	return nil
}

func (b *fakeBackend) Release() error {
	b.released.Store(true)
	return nil
}

type fixture struct {
	router *Router
	clock  *clocktesting.FakeClock
	meter  *meter
	gpu    *fakeBackend
	cpu    *fakeBackend
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	fc := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	m := &meter{}
	gpu := &fakeBackend{clock: fc, meter: m, latency: 20 * time.Millisecond, energyJ: 0.5}
	cpu := &fakeBackend{clock: fc, meter: m, latency: 40 * time.Millisecond, energyJ: 1}

	if opts.Engines == nil {
		opts.Engines = []Engine{
			{Info: models.EngineInfo{Engine: models.EngineGPU, Precisions: []models.Precision{models.PrecisionFP16}}, Backend: gpu},
			{Info: models.EngineInfo{Engine: models.EngineCPU, Precisions: []models.Precision{models.PrecisionFP32}}, Backend: cpu},
		}
	}
	if opts.Budget == (budget.Config{}) {
		opts.Budget = budget.Config{InitialJ: 10, MaxJ: 10}
	}
	opts.Clock = fc
	opts.Meter = m
	opts.Logger = zaptest.NewLogger(t)

	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return &fixture{router: r, clock: fc, meter: m, gpu: gpu, cpu: cpu}
}

func validTask() models.TaskSpec {
	return models.TaskSpec{
		ModelID:     "mobilenet",
		InputShapes: [][]int{{1, 224, 224, 3}},
		Precision:   models.PrecisionFP16,
		BatchSize:   1,
		Priority:    3,
	}
}

func TestScheduleSuccessUpdatesFeedback(t *testing.T) {
	f := newFixture(t, Options{})
	task := validTask()
	task.PreferredEngine = models.EngineGPU

	res, err := f.router.Schedule(context.Background(), task)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error())
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, "out:mobilenet", res.Outputs)
	assert.Equal(t, models.BackendConfig{Engine: models.EngineGPU, Precision: models.PrecisionFP16}, res.Config)
	assert.InDelta(t, 20.0, res.Metrics.LatencyMs, 1e-9)
	assert.InDelta(t, 0.5, res.Metrics.EnergyJ, 1e-9)
	assert.InDelta(t, 25.0, res.Metrics.PowerW, 1e-9)

	assert.Equal(t, 1, f.router.History().Stats(res.Config).Count)
	assert.Equal(t, []float64{20}, f.router.SLO().Samples())
	assert.InDelta(t, 9.5, f.router.Budget().Current(), 1e-6)

	st := f.router.State()
	assert.Equal(t, int64(1), st.TasksCompleted)
	assert.InDelta(t, 20.0, st.P99LatencyMs, 1e-9)
	assert.InDelta(t, 0.5, st.CumulativeEnergy, 1e-9)
	assert.Len(t, st.AvailableEngines, 2)
}

func TestScheduleRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t, Options{})
	task := validTask()
	task.BatchSize = 0

	_, err := f.router.Schedule(context.Background(), task)
	require.ErrorIs(t, err, models.ErrInvalidTask)
	assert.Zero(t, f.gpu.calls.Load()+f.cpu.calls.Load())
	assert.Zero(t, f.router.State().TasksFailed)
}

func TestScheduleEnergyBudgetExhausted(t *testing.T) {
	f := newFixture(t, Options{Budget: budget.Config{InitialJ: 1, MaxJ: 10}})
	task := validTask()
	task.QoS.MaxEnergyJ = ptr.To(5.0)

	res, err := f.router.Schedule(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrEnergyBudgetExhausted)
	assert.True(t, Recoverable(res.Err))
	assert.Zero(t, f.gpu.calls.Load()+f.cpu.calls.Load())
	assert.InDelta(t, 1.0, f.router.Budget().Current(), 1e-9)
}

func TestScheduleWithinEnergyCeiling(t *testing.T) {
	f := newFixture(t, Options{})
	task := validTask()
	task.QoS.MaxEnergyJ = ptr.To(2.0)
	res, err := f.router.Schedule(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error())
}

type fixedPolicy struct{ cfg models.BackendConfig }

func (fixedPolicy) Name() string { return "fixed" }

func (p fixedPolicy) Select(models.TaskSpec, []models.EngineInfo, history.Reader, models.RouterState) (models.BackendConfig, error) {
	return p.cfg, nil
}

// statePolicy records the state each decision was made against.
type statePolicy struct {
	policy.RoutingPolicy
	seen []models.RouterState
}

func (p *statePolicy) Select(spec models.TaskSpec, available []models.EngineInfo, h history.Reader, st models.RouterState) (models.BackendConfig, error) {
	p.seen = append(p.seen, st)
	return p.RoutingPolicy.Select(spec, available, h, st)
}

func TestStateListsRegisteredEngines(t *testing.T) {
	pol := &statePolicy{RoutingPolicy: policy.NewGreedy()}
	f := newFixture(t, Options{Policy: pol})

	st := f.router.State()
	require.Len(t, st.AvailableEngines, 2)
	assert.Equal(t, models.EngineGPU, st.AvailableEngines[0].Engine)
	assert.Equal(t, models.EngineCPU, st.AvailableEngines[1].Engine)
	assert.InDelta(t, 10.0, st.EnergyBudgetJ, 1e-9)

	_, err := f.router.Schedule(context.Background(), validTask())
	require.NoError(t, err)
	require.Len(t, pol.seen, 1)
	assert.Len(t, pol.seen[0].AvailableEngines, 2)
}

func TestNewDefaultsZeroBudget(t *testing.T) {
	r, err := New(Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	assert.InDelta(t, budget.DefaultInitialJ, r.Budget().Current(), 1e-9)
	assert.InDelta(t, budget.DefaultMaxJ, r.Budget().Max(), 1e-9)
	assert.InDelta(t, budget.DefaultInitialJ, r.State().EnergyBudgetJ, 1e-9)
}

func TestGreedyRoutesToEngineRunningRequestedPrecision(t *testing.T) {
	cpu := &fakeBackend{latency: 10 * time.Millisecond}
	gpu := &fakeBackend{latency: 10 * time.Millisecond}
	f := newFixture(t, Options{Engines: []Engine{
		{Info: models.EngineInfo{Engine: models.EngineCPU, Precisions: []models.Precision{models.PrecisionFP32}}, Backend: cpu},
		{Info: models.EngineInfo{Engine: models.EngineGPU, Precisions: []models.Precision{models.PrecisionFP16}}, Backend: gpu},
	}})
	cpu.clock, gpu.clock = f.clock, f.clock

	want := models.BackendConfig{Engine: models.EngineGPU, Precision: models.PrecisionFP16}
	for i := 0; i < 3; i++ {
		res, err := f.router.Schedule(context.Background(), validTask())
		require.NoError(t, err)
		require.True(t, res.Success, res.Error())
		assert.Equal(t, want, res.Config)
	}
	assert.Equal(t, []models.BackendConfig{want}, f.router.History().Arms())
	assert.Zero(t, cpu.calls.Load())
	assert.Equal(t, int64(3), gpu.calls.Load())
}

type reportedEnergy float64

func (e reportedEnergy) EnergyJoules() float64 { return float64(e) }

// reportingBackend reports its own share while the shared meter also sees
// energy drawn elsewhere.
type reportingBackend struct {
	*fakeBackend
	ownJ float64
}

func (b reportingBackend) Infer(ctx context.Context, spec models.TaskSpec) (any, error) {
	if _, err := b.fakeBackend.Infer(ctx, spec); err != nil {
		return nil, err
	}
	return reportedEnergy(b.ownJ), nil
}

func TestScheduleUsesEnergyReportedByBackend(t *testing.T) {
	gpu := &fakeBackend{latency: 20 * time.Millisecond, energyJ: 3}
	f := newFixture(t, Options{Engines: []Engine{
		{Info: models.EngineInfo{Engine: models.EngineGPU, Precisions: []models.Precision{models.PrecisionFP16}}, Backend: reportingBackend{fakeBackend: gpu, ownJ: 0.5}},
	}})
	gpu.clock, gpu.meter = f.clock, f.meter

	res, err := f.router.Schedule(context.Background(), validTask())
	require.NoError(t, err)
	require.True(t, res.Success, res.Error())
	assert.InDelta(t, 0.5, res.Metrics.EnergyJ, 1e-9)
	assert.InDelta(t, 3.0, f.meter.EnergyJoules(), 1e-9)
	assert.InDelta(t, 9.5, f.router.Budget().Current(), 1e-6)
}

func TestScheduleUnknownEngine(t *testing.T) {
	f := newFixture(t, Options{Policy: fixedPolicy{cfg: models.BackendConfig{Engine: models.EngineDSP, Precision: models.PrecisionINT8}}})
	res, err := f.router.Schedule(context.Background(), validTask())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrEngineUnavailable)
	assert.Empty(t, f.router.History().Arms())
}

func TestScheduleNoEngines(t *testing.T) {
	f := newFixture(t, Options{Engines: []Engine{}})
	res, err := f.router.Schedule(context.Background(), validTask())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrEngineUnavailable)
	assert.ErrorIs(t, res.Err, policy.ErrNoCandidates)
}

func TestScheduleBackendErrorLeavesStateConsistent(t *testing.T) {
	f := newFixture(t, Options{})
	f.gpu.err = errors.New("delegate crashed")
	task := validTask()
	task.PreferredEngine = models.EngineGPU

	res, err := f.router.Schedule(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrBackend)
	assert.ErrorContains(t, res.Err, "delegate crashed")
	assert.Empty(t, f.router.History().Arms())
	assert.Empty(t, f.router.SLO().Samples())
	assert.InDelta(t, 10.0, f.router.Budget().Current(), 1e-9)
	assert.Equal(t, int64(1), f.router.State().TasksFailed)

	// router stays usable
	f.gpu.err = nil
	res, err = f.router.Schedule(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error())
}

func TestScheduleRecoversBackendPanic(t *testing.T) {
	f := newFixture(t, Options{})
	f.gpu.panics = true
	task := validTask()
	task.PreferredEngine = models.EngineGPU

	res, err := f.router.Schedule(context.Background(), task)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrBackend)
	assert.ErrorContains(t, res.Err, "kernel exploded")
}

func TestScheduleCancelledBeforeExecution(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.router.Schedule(ctx, validTask())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Zero(t, f.gpu.calls.Load()+f.cpu.calls.Load())
}

func TestScheduleCancelledDuringExecution(t *testing.T) {
	f := newFixture(t, Options{})
	f.gpu.block = make(chan struct{})
	defer close(f.gpu.block)
	task := validTask()
	task.PreferredEngine = models.EngineGPU

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return f.gpu.calls.Load() == 1 }, time.Second, time.Millisecond)
		cancel()
	}()

	res, err := f.router.Schedule(ctx, task)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Empty(t, f.router.History().Arms())
	assert.InDelta(t, 10.0, f.router.Budget().Current(), 1e-9)
}

func TestScheduleRunsWarmup(t *testing.T) {
	f := newFixture(t, Options{})
	task := validTask()
	task.PreferredEngine = models.EngineCPU
	task.EnableWarmup = true

	res, err := f.router.Schedule(context.Background(), task)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error())
	assert.Equal(t, int64(1), f.cpu.warmups.Load())
	assert.Zero(t, f.gpu.warmups.Load())
}

func TestScheduleFeedsThompsonPosterior(t *testing.T) {
	ts := policy.NewThompson(policy.NewSource(5))
	f := newFixture(t, Options{Policy: ts})

	res, err := f.router.Schedule(context.Background(), validTask())
	require.NoError(t, err)
	require.True(t, res.Success, res.Error())
	post := ts.Posterior(res.Config)
	assert.InDelta(t, 3.0, post.Alpha+post.Beta, 1e-9)
}

func TestConcurrentSchedule(t *testing.T) {
	f := newFixture(t, Options{Budget: budget.Config{InitialJ: 1000, MaxJ: 1000}})
	const n = 64

	var wg sync.WaitGroup
	var ok atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.router.Schedule(context.Background(), validTask())
			if err == nil && res.Success {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), ok.Load())
	assert.Equal(t, n, f.router.History().Len())
	assert.Equal(t, int64(n), f.router.State().TasksCompleted)
	assert.LessOrEqual(t, f.router.Budget().Current(), f.router.Budget().Max())
}

func TestStateListenersReceiveSnapshots(t *testing.T) {
	f := newFixture(t, Options{})
	var got []models.RouterState
	var mu sync.Mutex
	f.router.OnStateChange(func(s models.RouterState) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	_, err := f.router.Schedule(context.Background(), validTask())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	assert.Equal(t, int64(1), got[len(got)-1].TasksCompleted)
}

func TestSeedHistory(t *testing.T) {
	f := newFixture(t, Options{})
	arm := models.BackendConfig{Engine: models.EngineGPU, Precision: models.PrecisionFP16}
	require.NoError(t, f.router.SeedHistory(arm, []models.ExecutionMetrics{{LatencyMs: 5}, {LatencyMs: 7}}))
	assert.Equal(t, 2, f.router.History().Stats(arm).Count)

	err := f.router.SeedHistory(models.BackendConfig{Engine: "tpu", Precision: models.PrecisionINT8}, nil)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.router.Register(models.EngineInfo{Engine: models.EngineGPU}, &fakeBackend{})
	assert.Error(t, err)
	assert.Error(t, f.router.Register(models.EngineInfo{Engine: models.EngineNPU}, nil))
	require.NoError(t, f.router.Register(models.EngineInfo{Engine: models.EngineNPU}, &fakeBackend{}))
	assert.Len(t, f.router.Engines(), 3)
}

func TestShutdownReleasesAndRejects(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.router.Shutdown(context.Background()))
	require.NoError(t, f.router.Shutdown(context.Background()))
	assert.True(t, f.gpu.released.Load())
	assert.True(t, f.cpu.released.Load())

	res, err := f.router.Schedule(context.Background(), validTask())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrRouterClosed)
}

func TestTelemetryDrivesBatteryAndState(t *testing.T) {
	fsys := fstest.MapFS{
		"sys/class/power_supply/battery/capacity":  {Data: []byte("30\n")},
		"sys/class/power_supply/battery/power_now": {Data: []byte("2000000\n")},
		"sys/class/thermal/thermal_zone0/temp":     {Data: []byte("70000\n")},
	}
	cfg := telemetry.ConfigForRoot(fsys)
	cfg.Interval = time.Hour
	sampler := telemetry.New(cfg, telemetry.WithClock(clock.RealClock{}))

	r, err := New(Options{
		Budget:    budget.Config{InitialJ: 1, MaxJ: 10, RefillJPerSec: 1},
		SLO:       slo.DefaultConfig(),
		Telemetry: sampler,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.State().BatteryLevel == 30 }, time.Second, time.Millisecond)
	st := r.State()
	assert.Equal(t, models.ThermalSevere, st.Thermal)
	assert.InDelta(t, 2.0, st.CurrentPowerW, 1e-9)
	assert.Equal(t, 0.5, r.Budget().BatteryScale())

	r.UpdateBatteryState(90, true)
	assert.Equal(t, 0.2, r.Budget().BatteryScale())
	assert.True(t, r.State().LowPowerMode)

	require.NoError(t, r.Shutdown(context.Background()))
}
