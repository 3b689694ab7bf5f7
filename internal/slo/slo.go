// Package slo tracks recent inference latencies against p95/p99 targets.
package slo

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

const (
	DefaultWindowSize  = 100
	DefaultP95TargetMs = 50
	DefaultP99TargetMs = 100

	deadlineHeadroom = 1.2
)

type Config struct {
	WindowSize  int
	P95TargetMs float64
	P99TargetMs float64
}

// DefaultConfig returns the reference window and targets.
func DefaultConfig() Config {
	return Config{
		WindowSize:  DefaultWindowSize,
		P95TargetMs: DefaultP95TargetMs,
		P99TargetMs: DefaultP99TargetMs,
	}
}

func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	}
	if !(c.P95TargetMs > 0) || !(c.P99TargetMs > 0) {
		return fmt.Errorf("latency targets must be positive, got p95=%v p99=%v", c.P95TargetMs, c.P99TargetMs)
	}
	return nil
}

// Bucket is one histogram bin covering [Lower, Upper); the last bin also
// includes Upper.
type Bucket struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// Stats is a consistent view of the window and counters.
type Stats struct {
	Count         int     `json:"count"`
	MinMs         float64 `json:"min_ms"`
	MaxMs         float64 `json:"max_ms"`
	MeanMs        float64 `json:"mean_ms"`
	P50Ms         float64 `json:"p50_ms"`
	P95Ms         float64 `json:"p95_ms"`
	P99Ms         float64 `json:"p99_ms"`
	P95Violations int64   `json:"p95_violations"`
	P99Violations int64   `json:"p99_violations"`
	TotalSamples  int64   `json:"total_samples"`
	SLOMet        bool    `json:"slo_met"`
}

// Tracker is a LatencySLO: a bounded FIFO window of latency samples.
type Tracker struct {
	cfg Config

	mu            sync.Mutex
	buf           []float64
	start         int
	size          int
	p95Violations int64
	p99Violations int64
	total         int64
}

func New(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{cfg: cfg, buf: make([]float64, cfg.WindowSize)}, nil
}

func (t *Tracker) Config() Config { return t.cfg }

// RecordLatency appends a sample, evicting the oldest once the window is full.
func (t *Tracker) RecordLatency(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size < len(t.buf) {
		t.buf[(t.start+t.size)%len(t.buf)] = ms
		t.size++
	} else {
		t.buf[t.start] = ms
		t.start = (t.start + 1) % len(t.buf)
	}
	t.total++
	if ms > t.cfg.P95TargetMs {
		t.p95Violations++
	}
	if ms > t.cfg.P99TargetMs {
		t.p99Violations++
	}
}

// Samples returns the window contents, oldest first.
func (t *Tracker) Samples() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samplesLocked()
}

func (t *Tracker) samplesLocked() []float64 {
	out := make([]float64, t.size)
	for i := 0; i < t.size; i++ {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}

// Percentile returns the nearest-rank percentile of the window, or 0 when empty.
func (t *Tracker) Percentile(p float64) float64 {
	samples := t.Samples()
	sort.Float64s(samples)
	return nearestRank(samples, p)
}

func (t *Tracker) P50() float64 { return t.Percentile(50) }
func (t *Tracker) P95() float64 { return t.Percentile(95) }
func (t *Tracker) P99() float64 { return t.Percentile(99) }

// nearestRank expects sorted input.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// IsSLOMet reports whether both p95 and p99 are within target.
func (t *Tracker) IsSLOMet() bool {
	samples := t.Samples()
	sort.Float64s(samples)
	return t.met(samples)
}

func (t *Tracker) met(sorted []float64) bool {
	return nearestRank(sorted, 95) <= t.cfg.P95TargetMs && nearestRank(sorted, 99) <= t.cfg.P99TargetMs
}

// RecommendedDeadline is the current p99 with 20% headroom.
func (t *Tracker) RecommendedDeadline() float64 {
	return t.P99() * deadlineHeadroom
}

func (t *Tracker) P95Violations() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p95Violations
}

func (t *Tracker) P99Violations() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p99Violations
}

func (t *Tracker) TotalSamples() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Histogram splits [min, max] of the window into bucketCount equal-width bins.
func (t *Tracker) Histogram(bucketCount int) []Bucket {
	samples := t.Samples()
	if len(samples) == 0 || bucketCount <= 0 {
		return nil
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	width := (hi - lo) / float64(bucketCount)
	buckets := make([]Bucket, bucketCount)
	for i := range buckets {
		buckets[i].Lower = lo + float64(i)*width
		buckets[i].Upper = lo + float64(i+1)*width
	}
	buckets[bucketCount-1].Upper = hi

	for _, v := range samples {
		idx := bucketCount - 1
		if width > 0 {
			idx = int((v - lo) / width)
			if idx >= bucketCount {
				idx = bucketCount - 1
			}
		}
		buckets[idx].Count++
	}
	return buckets
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	samples := t.samplesLocked()
	st := Stats{
		Count:         len(samples),
		P95Violations: t.p95Violations,
		P99Violations: t.p99Violations,
		TotalSamples:  t.total,
	}
	t.mu.Unlock()

	sort.Float64s(samples)
	st.SLOMet = t.met(samples)
	if len(samples) == 0 {
		return st
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	st.MinMs = samples[0]
	st.MaxMs = samples[len(samples)-1]
	st.MeanMs = sum / float64(len(samples))
	st.P50Ms = nearestRank(samples, 50)
	st.P95Ms = nearestRank(samples, 95)
	st.P99Ms = nearestRank(samples, 99)
	return st
}

// Reset clears the window and all counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start, t.size = 0, 0
	t.p95Violations, t.p99Violations, t.total = 0, 0, 0
}
