// Package policy holds the arm-selection strategies consulted by the router.
package policy

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/ak3tsm7/qos-inference-router/internal/history"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

const (
	NameGreedy        = "greedy"
	NameEpsilonGreedy = "epsilon-greedy"
	NameThompson      = "thompson"

	DefaultEpsilon = 0.1
)

// decision modes, used as metric labels
const (
	modeExploit   = "exploit"
	modeExplore   = "explore"
	modePreferred = "preferred"
	modeNoHistory = "no_history"
	modeSample    = "sample"
)

// ErrNoCandidates is returned when no engine is available to choose from.
var ErrNoCandidates = errors.New("no candidate engines")

// RoutingPolicy picks the arm for a task. Implementations must be safe for
// concurrent use.
type RoutingPolicy interface {
	Name() string
	Select(spec models.TaskSpec, available []models.EngineInfo, hist history.Reader, state models.RouterState) (models.BackendConfig, error)
}

// Observer is implemented by policies that learn from execution outcomes.
type Observer interface {
	Observe(cfg models.BackendConfig, m models.ExecutionMetrics, success bool)
}

// New builds a policy by name. seed 0 draws a random seed.
func New(name string, epsilon float64, seed uint64) (RoutingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameGreedy, "":
		return NewGreedy(), nil
	case NameEpsilonGreedy, "epsilon", "egreedy":
		return NewEpsilonGreedy(epsilon, NewSource(seed))
	case NameThompson, "thompson-sampling", "ts":
		return NewThompson(NewSource(seed)), nil
	default:
		return nil, fmt.Errorf("unknown routing policy %q", name)
	}
}

// NewSource returns a seedable random source; seed 0 picks one at random.
func NewSource(seed uint64) rand.Source {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}
