package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/qos-inference-router/internal/backend/sim"
	"github.com/ak3tsm7/qos-inference-router/internal/policy"
)

func TestBuildWorkloadIsDeterministicAndValid(t *testing.T) {
	a := buildWorkload(50, 9)
	b := buildWorkload(50, 9)
	assert.Equal(t, a, b)
	for _, spec := range a {
		require.NoError(t, spec.Validate())
	}
}

func TestRunPolicyAccountsForEveryTask(t *testing.T) {
	cfg := benchConfig{
		tasks:       40,
		concurrency: 4,
		seed:        3,
		epsilon:     0.2,
		budgetJ:     100,
		refillJ:     1,
	}
	for _, name := range []string{policy.NameGreedy, policy.NameEpsilonGreedy, policy.NameThompson} {
		rep, err := runPolicy(context.Background(), cfg, name, sim.DefaultProfiles())
		require.NoError(t, err, name)
		assert.EqualValues(t, cfg.tasks, rep.succeeded+rep.failed, name)

		used := 0
		for _, n := range rep.arms {
			used += n
		}
		assert.EqualValues(t, rep.succeeded, used, name)
		assert.Greater(t, rep.energyJ, 0.0, name)
	}
}
