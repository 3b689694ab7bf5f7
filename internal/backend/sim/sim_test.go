package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

func task(p models.Precision) models.TaskSpec {
	return models.TaskSpec{ModelID: "m", InputShapes: [][]int{{1, 8}}, Precision: p, BatchSize: 1}
}

func TestInferAccountsEnergy(t *testing.T) {
	f, err := NewFleet([]Profile{{Engine: "gpu", BaseLatencyMs: 100, PowerW: 2}}, 1, false)
	require.NoError(t, err)
	b := f.Backends()[0]

	// warm first so the cold-start penalty does not apply
	require.NoError(t, b.Warmup(context.Background(), task(models.PrecisionFP32)))
	out, err := b.Infer(context.Background(), task(models.PrecisionFP32))
	require.NoError(t, err)
	assert.Equal(t, models.Engine("gpu"), out.(Output).Engine)
	// 2W for 100ms
	assert.InDelta(t, 0.2, f.EnergyJoules(), 1e-9)
	assert.InDelta(t, 0.2, out.(Output).EnergyJoules(), 1e-9)

	_, err = b.Infer(context.Background(), task(models.PrecisionINT8))
	require.NoError(t, err)
	// int8: 0.4x latency * 1.25 cold start, 0.6x power
	assert.InDelta(t, 0.2+2*0.6*0.1*0.4*1.25, f.EnergyJoules(), 1e-9)
	assert.Equal(t, int64(2), b.Calls())
}

func TestInferFailureInjection(t *testing.T) {
	f, err := NewFleet([]Profile{{Engine: "npu", BaseLatencyMs: 1, FailureRate: 1}}, 1, false)
	require.NoError(t, err)
	_, err = f.Backends()[0].Infer(context.Background(), task(models.PrecisionINT8))
	assert.True(t, errors.Is(err, ErrInjectedFailure))
}

func TestInferHonorsCancellation(t *testing.T) {
	f, err := NewFleet([]Profile{{Engine: "cpu", BaseLatencyMs: 10_000}}, 1, true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Backends()[0].Infer(ctx, task(models.PrecisionFP32))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.EnergyJoules())
}

func TestReleasedBackendRejects(t *testing.T) {
	f, err := NewFleet(DefaultProfiles(), 1, false)
	require.NoError(t, err)
	b := f.Backends()[0]
	require.NoError(t, b.Release())
	_, err = b.Infer(context.Background(), task(models.PrecisionFP32))
	assert.ErrorIs(t, err, ErrReleased)
	assert.True(t, b.Released())
}

func TestProfileValidation(t *testing.T) {
	bad := []Profile{
		{BaseLatencyMs: 1},
		{Engine: "x"},
		{Engine: "x", BaseLatencyMs: 1, PowerW: -1},
		{Engine: "x", BaseLatencyMs: 1, Jitter: 1},
		{Engine: "x", BaseLatencyMs: 1, FailureRate: 2},
		{Engine: "x", BaseLatencyMs: 1, Precisions: []models.Precision{"bf16"}},
	}
	for _, p := range bad {
		assert.Error(t, p.Validate(), "%+v", p)
	}

	_, err := NewFleet([]Profile{{Engine: "x", BaseLatencyMs: 1}, {Engine: "x", BaseLatencyMs: 2}}, 1, false)
	assert.Error(t, err)
}
