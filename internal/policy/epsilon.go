package policy

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/ak3tsm7/qos-inference-router/internal/history"
	"github.com/ak3tsm7/qos-inference-router/internal/metrics"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// EpsilonGreedy explores a uniformly random arm with probability epsilon and
// otherwise defers to Greedy.
type EpsilonGreedy struct {
	epsilon float64
	greedy  *Greedy

	mu  sync.Mutex
	rng *rand.Rand
}

func NewEpsilonGreedy(epsilon float64, src rand.Source) (*EpsilonGreedy, error) {
	if epsilon < 0 || epsilon > 1 {
		return nil, fmt.Errorf("epsilon %v outside [0, 1]", epsilon)
	}
	return &EpsilonGreedy{epsilon: epsilon, greedy: NewGreedy(), rng: rand.New(src)}, nil
}

func (*EpsilonGreedy) Name() string { return NameEpsilonGreedy }

func (p *EpsilonGreedy) Epsilon() float64 { return p.epsilon }

func (p *EpsilonGreedy) Select(spec models.TaskSpec, available []models.EngineInfo, hist history.Reader, _ models.RouterState) (models.BackendConfig, error) {
	candidates := models.Candidates(available)
	if len(candidates) == 0 {
		return models.BackendConfig{}, ErrNoCandidates
	}

	p.mu.Lock()
	explore := p.rng.Float64() < p.epsilon
	var pick int
	if explore {
		pick = p.rng.IntN(len(candidates))
	}
	p.mu.Unlock()

	if explore {
		metrics.PolicyDecisionsTotal.WithLabelValues(NameEpsilonGreedy, modeExplore).Inc()
		return candidates[pick], nil
	}
	cfg, mode, err := p.greedy.choose(spec, available, hist)
	if err == nil {
		metrics.PolicyDecisionsTotal.WithLabelValues(NameEpsilonGreedy, mode).Inc()
	}
	return cfg, err
}
