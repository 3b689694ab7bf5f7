package policy

import (
	"math"

	"github.com/ak3tsm7/qos-inference-router/internal/history"
	"github.com/ak3tsm7/qos-inference-router/internal/metrics"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

const (
	latencyWeight = 0.6
	energyWeight  = 0.4
)

// Score is the weighted cost of an arm; lower is better. Arms without
// history cost +Inf.
func Score(st history.Stats) float64 {
	if st.Count == 0 {
		return math.Inf(1)
	}
	return latencyWeight*st.MeanLatencyMs + energyWeight*st.MeanEnergyJ
}

// Greedy always exploits the arm with the lowest mean cost.
type Greedy struct{}

func NewGreedy() *Greedy { return &Greedy{} }

func (*Greedy) Name() string { return NameGreedy }

func (g *Greedy) Select(spec models.TaskSpec, available []models.EngineInfo, hist history.Reader, _ models.RouterState) (models.BackendConfig, error) {
	cfg, mode, err := g.choose(spec, available, hist)
	if err == nil {
		metrics.PolicyDecisionsTotal.WithLabelValues(NameGreedy, mode).Inc()
	}
	return cfg, err
}

func (*Greedy) choose(spec models.TaskSpec, available []models.EngineInfo, hist history.Reader) (models.BackendConfig, string, error) {
	if len(available) == 0 {
		return models.BackendConfig{}, "", ErrNoCandidates
	}
	if spec.PreferredEngine != "" {
		for _, e := range available {
			if e.Engine == spec.PreferredEngine && e.Supports(spec.Precision) {
				return models.BackendConfig{Engine: e.Engine, Precision: spec.Precision}, modePreferred, nil
			}
		}
	}

	candidates := models.Candidates(available)
	best := models.BackendConfig{}
	bestScore := math.Inf(1)
	for _, cand := range candidates {
		if s := Score(hist.Stats(cand)); s < bestScore {
			best, bestScore = cand, s
		}
	}
	if !math.IsInf(bestScore, 1) {
		return best, modeExploit, nil
	}
	return fallback(spec, available, candidates), modeNoHistory, nil
}

// fallback picks the first engine that runs the requested precision, or the
// first declared arm when none does.
func fallback(spec models.TaskSpec, available []models.EngineInfo, candidates []models.BackendConfig) models.BackendConfig {
	for _, e := range available {
		if e.Supports(spec.Precision) {
			return models.BackendConfig{Engine: e.Engine, Precision: spec.Precision}
		}
	}
	return candidates[0]
}
