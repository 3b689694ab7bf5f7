package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/qos-inference-router/internal/backend/sim"
	"github.com/ak3tsm7/qos-inference-router/internal/budget"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
	"github.com/ak3tsm7/qos-inference-router/internal/policy"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, policy.NameGreedy, cfg.Policy)
	assert.Equal(t, 0.1, cfg.Epsilon)
	assert.Equal(t, budget.Config{InitialJ: 50, MaxJ: 100, RefillJPerSec: 1}, cfg.Budget)
	assert.Equal(t, 100, cfg.SLO.WindowSize)
	assert.Equal(t, 50.0, cfg.SLO.P95TargetMs)
	assert.Equal(t, 100.0, cfg.SLO.P99TargetMs)
	assert.Equal(t, 100*time.Millisecond, cfg.TelemetryInterval)
	assert.Equal(t, 1000, cfg.HistoryMaxSamples)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, ":2113", cfg.HTTPAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Len(t, cfg.Engines, len(sim.DefaultProfiles()))
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("POLICY", "thompson")
	t.Setenv("EPSILON", "0.3")
	t.Setenv("ENERGY_MAX_J", "200")
	t.Setenv("TELEMETRY_INTERVAL", "250ms")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--policy=epsilon-greedy", "--workers=8"}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	// flag beats env
	assert.Equal(t, policy.NameEpsilonGreedy, cfg.Policy)
	// env beats default, unset flags don't shadow env
	assert.Equal(t, 0.3, cfg.Epsilon)
	assert.Equal(t, 200.0, cfg.Budget.MaxJ)
	assert.Equal(t, 250*time.Millisecond, cfg.TelemetryInterval)
	assert.Equal(t, 8, cfg.Workers)

	p, err := cfg.NewPolicy()
	require.NoError(t, err)
	assert.Equal(t, policy.NameEpsilonGreedy, p.Name())
}

func TestLoadFailsFast(t *testing.T) {
	tests := map[string][2]string{
		"unknown policy":   {"POLICY", "random"},
		"bad epsilon":      {"EPSILON", "1.5"},
		"initial over max": {"ENERGY_INITIAL_J", "500"},
		"no workers":       {"WORKERS", "0"},
		"bad slo window":   {"SLO_WINDOW", "0"},
		"missing engines":  {"ENGINES_FILE", "/does/not/exist.yaml"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load(nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadEnginesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.yaml")
	doc := `
engines:
  - name: gpu
    precisions: [fp16, int8]
    base_latency_ms: 8
    power_w: 3.5
    jitter: 0.1
  - name: dsp
    base_latency_ms: 20
    power_w: 0.8
    failure_rate: 0.05
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("ENGINES_FILE", path)

	cfg, err := Load(nil)
	require.NoError(t, err)

	want := []sim.Profile{
		{Engine: models.EngineGPU, Precisions: []models.Precision{models.PrecisionFP16, models.PrecisionINT8}, BaseLatencyMs: 8, PowerW: 3.5, Jitter: 0.1},
		{Engine: models.EngineDSP, BaseLatencyMs: 20, PowerW: 0.8, FailureRate: 0.05},
	}
	if diff := cmp.Diff(want, cfg.Engines); diff != "" {
		t.Errorf("engines mismatch (-want +got):\n%s", diff)
	}
}

func TestParseEnginesRejects(t *testing.T) {
	tests := map[string]string{
		"empty":          "engines: []",
		"not yaml":       "engines: [",
		"bad precision":  "engines: [{name: cpu, precisions: [fp64], base_latency_ms: 1}]",
		"no latency":     "engines: [{name: cpu}]",
		"duplicate":      "engines: [{name: cpu, base_latency_ms: 1}, {name: cpu, base_latency_ms: 2}]",
		"failure rate>1": "engines: [{name: cpu, base_latency_ms: 1, failure_rate: 2}]",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEngines([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	cfg.TelemetryRoot = t.TempDir()
	cfg.TelemetryInterval = time.Second

	tc := cfg.TelemetryConfig()
	assert.Equal(t, time.Second, tc.Interval)
	assert.Equal(t, "proc/stat", tc.StatPath)
	require.NotNil(t, tc.FS)
}
