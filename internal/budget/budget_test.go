package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func newTestBudget(t *testing.T, cfg Config) (*EnergyBudget, *clocktesting.FakeClock) {
	t.Helper()
	fc := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	b, err := New(cfg, WithClock(fc))
	require.NoError(t, err)
	return b, fc
}

func TestConsumeRefillScenario(t *testing.T) {
	b, fc := newTestBudget(t, Config{InitialJ: 10, MaxJ: 50, RefillJPerSec: 1})

	require.True(t, b.ConsumeEnergy(8))
	assert.InDelta(t, 2.0, b.Current(), 1e-6)
	assert.False(t, b.CanAfford(5))

	fc.Step(5 * time.Second)
	b.Refill()
	assert.InDelta(t, 7.0, b.Current(), 1e-6)
	assert.True(t, b.CanAfford(5))
}

func TestCanAffordThenConsumeSucceeds(t *testing.T) {
	b, _ := newTestBudget(t, Config{InitialJ: 3.5, MaxJ: 10, RefillJPerSec: 0})
	require.True(t, b.CanAfford(3.5))
	assert.True(t, b.ConsumeEnergy(3.5))
	assert.Zero(t, b.Current())
}

func TestConsumeInsufficientLeavesBudget(t *testing.T) {
	b, _ := newTestBudget(t, Config{InitialJ: 1, MaxJ: 10})
	assert.False(t, b.ConsumeEnergy(1.5))
	assert.InDelta(t, 1.0, b.Current(), 1e-9)
	assert.False(t, b.ConsumeEnergy(-1))
}

func TestRefillCappedAtMax(t *testing.T) {
	b, fc := newTestBudget(t, Config{InitialJ: 45, MaxJ: 50, RefillJPerSec: 10})
	fc.Step(time.Hour)
	b.Refill()
	assert.Equal(t, 50.0, b.Current())
}

func TestRefillThrottled(t *testing.T) {
	b, fc := newTestBudget(t, Config{InitialJ: 0, MaxJ: 50, RefillJPerSec: 10})
	fc.Step(50 * time.Millisecond)
	b.Refill()
	assert.Zero(t, b.Current())

	// the skipped pass did not reset the interval start
	fc.Step(50 * time.Millisecond)
	b.Refill()
	assert.InDelta(t, 1.0, b.Current(), 1e-6)
}

func TestBatteryScaling(t *testing.T) {
	cases := []struct {
		level    float64
		lowPower bool
		want     float64
	}{
		{100, false, 1.0},
		{80, false, 1.0},
		{79.9, false, 0.8},
		{50, false, 0.8},
		{49, false, 0.5},
		{20, false, 0.5},
		{19, false, 0.3},
		{0, false, 0.3},
		{100, true, 0.2},
		{10, true, 0.2},
	}
	for _, tc := range cases {
		b, fc := newTestBudget(t, Config{InitialJ: 0, MaxJ: 100, RefillJPerSec: 1})
		b.UpdateBatteryState(tc.level, tc.lowPower)
		assert.Equal(t, tc.want, b.BatteryScale(), "level=%v low=%v", tc.level, tc.lowPower)

		fc.Step(10 * time.Second)
		b.Refill()
		assert.InDelta(t, 10*tc.want, b.Current(), 1e-6)
	}
}

func TestInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{InitialJ: 1, MaxJ: 0},
		{InitialJ: 11, MaxJ: 10},
		{InitialJ: -1, MaxJ: 10},
		{InitialJ: 1, MaxJ: 10, RefillJPerSec: -1},
	} {
		_, err := New(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	b, _ := newTestBudget(t, cfg)
	assert.InDelta(t, 50.0, b.Current(), 1e-6)
	assert.InDelta(t, 100.0, b.Max(), 1e-6)
	assert.Equal(t, 1.0, b.RefillRate())
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	b, fc := newTestBudget(t, Config{InitialJ: 100, MaxJ: 100, RefillJPerSec: 5})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		consumed int
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if b.ConsumeEnergy(1) {
					mu.Lock()
					consumed++
					mu.Unlock()
				}
				b.Refill()
			}
		}()
	}
	wg.Wait()

	// no time passed, so nothing was refilled
	assert.Equal(t, 100, consumed)
	assert.Zero(t, b.Current())

	fc.Step(time.Second)
	b.Refill()
	assert.InDelta(t, 5.0, b.Current(), 1e-6)
	assert.LessOrEqual(t, b.Current(), b.Max())
}
