// Package history keeps the execution metrics observed for every
// (engine, precision) arm.
package history

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// DefaultMaxSamples bounds the samples kept per arm.
const DefaultMaxSamples = 1000

// Reader is the read side used by routing policies.
type Reader interface {
	Samples(cfg models.BackendConfig) []models.ExecutionMetrics
	Stats(cfg models.BackendConfig) Stats
}

// Stats summarises the samples of one arm.
type Stats struct {
	Count         int
	MeanLatencyMs float64
	MeanEnergyJ   float64
}

// Store is a concurrent PerformanceHistory. Each arm keeps at most
// maxSamples entries; the oldest is evicted first.
type Store struct {
	mu         sync.RWMutex
	arms       map[models.BackendConfig][]models.ExecutionMetrics
	maxSamples int
}

// New creates a Store. maxSamples <= 0 selects DefaultMaxSamples.
func New(maxSamples int) *Store {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Store{
		arms:       make(map[models.BackendConfig][]models.ExecutionMetrics),
		maxSamples: maxSamples,
	}
}

// Record appends m to the samples for cfg.
func (s *Store) Record(cfg models.BackendConfig, m models.ExecutionMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := append(s.arms[cfg], m)
	if over := len(samples) - s.maxSamples; over > 0 {
		samples = append(samples[:0:0], samples[over:]...)
	}
	s.arms[cfg] = samples
}

// Samples returns a copy of the samples recorded for cfg, oldest first.
func (s *Store) Samples(cfg models.BackendConfig) []models.ExecutionMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.arms[cfg]
	if len(samples) == 0 {
		return nil
	}
	return append([]models.ExecutionMetrics(nil), samples...)
}

func (s *Store) Stats(cfg models.BackendConfig) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.arms[cfg]
	if len(samples) == 0 {
		return Stats{}
	}
	latencies := make([]float64, len(samples))
	energies := make([]float64, len(samples))
	for i, m := range samples {
		latencies[i] = m.LatencyMs
		energies[i] = m.EnergyJ
	}
	return Stats{
		Count:         len(samples),
		MeanLatencyMs: stat.Mean(latencies, nil),
		MeanEnergyJ:   stat.Mean(energies, nil),
	}
}

// Arms lists every arm with at least one sample, sorted by name.
func (s *Store) Arms() []models.BackendConfig {
	s.mu.RLock()
	out := make([]models.BackendConfig, 0, len(s.arms))
	for cfg, samples := range s.arms {
		if len(samples) > 0 {
			out = append(out, cfg)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the total number of samples across all arms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, samples := range s.arms {
		n += len(samples)
	}
	return n
}
