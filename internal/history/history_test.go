package history

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

var armA = models.BackendConfig{Engine: models.EngineGPU, Precision: models.PrecisionFP16}

func TestRecordAndStats(t *testing.T) {
	s := New(0)
	s.Record(armA, models.ExecutionMetrics{LatencyMs: 10, EnergyJ: 1})
	s.Record(armA, models.ExecutionMetrics{LatencyMs: 30, EnergyJ: 3})

	st := s.Stats(armA)
	assert.Equal(t, 2, st.Count)
	assert.InDelta(t, 20.0, st.MeanLatencyMs, 1e-9)
	assert.InDelta(t, 2.0, st.MeanEnergyJ, 1e-9)

	empty := s.Stats(models.BackendConfig{Engine: models.EngineCPU, Precision: models.PrecisionFP32})
	assert.Zero(t, empty.Count)
	assert.Equal(t, []models.BackendConfig{armA}, s.Arms())
}

func TestRecordEvictsOldestPerArm(t *testing.T) {
	s := New(3)
	for i := 1; i <= 5; i++ {
		s.Record(armA, models.ExecutionMetrics{LatencyMs: float64(i)})
	}
	samples := s.Samples(armA)
	require.Len(t, samples, 3)
	assert.Equal(t, 3.0, samples[0].LatencyMs)
	assert.Equal(t, 5.0, samples[2].LatencyMs)
}

func TestSamplesReturnsCopy(t *testing.T) {
	s := New(10)
	s.Record(armA, models.ExecutionMetrics{LatencyMs: 1})
	samples := s.Samples(armA)
	samples[0].LatencyMs = 99
	assert.Equal(t, 1.0, s.Samples(armA)[0].LatencyMs)
}

func TestConcurrentRecord(t *testing.T) {
	s := New(10000)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				s.Record(armA, models.ExecutionMetrics{LatencyMs: 1})
				_ = s.Stats(armA)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2000, s.Len())
}
