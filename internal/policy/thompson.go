package policy

import (
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ak3tsm7/qos-inference-router/internal/history"
	"github.com/ak3tsm7/qos-inference-router/internal/metrics"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// emaAlpha smooths the fleet-wide latency and energy references.
const emaAlpha = 0.2

// BetaParams is the posterior of one arm.
type BetaParams struct {
	Alpha float64
	Beta  float64
}

// Thompson samples each arm's Beta posterior and picks the highest draw.
//
// Rewards are in [0, 1]: an execution that costs exactly the fleet-wide
// moving average earns 0.5, one that is twice as expensive earns 0, and a
// free one earns 1. A reward r adds r to Alpha and 1-r to Beta; a failed
// execution adds 1 to Beta.
type Thompson struct {
	mu        sync.Mutex
	rng       rand.Source
	posterior map[models.BackendConfig]*BetaParams
	refLatMs  float64
	refEnergy float64
	observed  bool
}

func NewThompson(src rand.Source) *Thompson {
	return &Thompson{
		rng:       src,
		posterior: make(map[models.BackendConfig]*BetaParams),
	}
}

func (*Thompson) Name() string { return NameThompson }

func (t *Thompson) Select(_ models.TaskSpec, available []models.EngineInfo, _ history.Reader, _ models.RouterState) (models.BackendConfig, error) {
	candidates := models.Candidates(available)
	if len(candidates) == 0 {
		return models.BackendConfig{}, ErrNoCandidates
	}

	t.mu.Lock()
	best := candidates[0]
	bestDraw := math.Inf(-1)
	for _, cand := range candidates {
		p := t.params(cand)
		draw := distuv.Beta{Alpha: p.Alpha, Beta: p.Beta, Src: t.rng}.Rand()
		if draw > bestDraw {
			best, bestDraw = cand, draw
		}
	}
	t.mu.Unlock()

	metrics.PolicyDecisionsTotal.WithLabelValues(NameThompson, modeSample).Inc()
	return best, nil
}

// params returns the posterior for cfg, creating the Beta(1,1) prior. Caller holds mu.
func (t *Thompson) params(cfg models.BackendConfig) *BetaParams {
	p, ok := t.posterior[cfg]
	if !ok {
		p = &BetaParams{Alpha: 1, Beta: 1}
		t.posterior[cfg] = p
	}
	return p
}

func (t *Thompson) Observe(cfg models.BackendConfig, m models.ExecutionMetrics, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.params(cfg)
	if !success {
		p.Beta++
		return
	}
	if !t.observed {
		t.refLatMs, t.refEnergy, t.observed = m.LatencyMs, m.EnergyJ, true
	}
	r := Reward(m, t.refLatMs, t.refEnergy)
	p.Alpha += r
	p.Beta += 1 - r

	t.refLatMs = emaAlpha*m.LatencyMs + (1-emaAlpha)*t.refLatMs
	t.refEnergy = emaAlpha*m.EnergyJ + (1-emaAlpha)*t.refEnergy
}

// Posterior returns a copy of the current posterior for cfg.
func (t *Thompson) Posterior(cfg models.BackendConfig) BetaParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.posterior[cfg]; ok {
		return *p
	}
	return BetaParams{Alpha: 1, Beta: 1}
}

// Reward maps an execution onto [0, 1] against reference latency and energy.
func Reward(m models.ExecutionMetrics, refLatMs, refEnergyJ float64) float64 {
	cost := latencyWeight*ratio(m.LatencyMs, refLatMs) + energyWeight*ratio(m.EnergyJ, refEnergyJ)
	return math.Max(0, math.Min(1, 1-cost/2))
}

// ratio treats a missing reference as neutral.
func ratio(v, ref float64) float64 {
	if ref <= 0 {
		if v <= 0 {
			return 1
		}
		return 2
	}
	return v / ref
}
