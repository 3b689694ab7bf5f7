// Package config resolves router settings from flags, environment and
// defaults, and loads the engine profile file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ak3tsm7/qos-inference-router/internal/backend/sim"
	"github.com/ak3tsm7/qos-inference-router/internal/budget"
	"github.com/ak3tsm7/qos-inference-router/internal/history"
	"github.com/ak3tsm7/qos-inference-router/internal/policy"
	redisq "github.com/ak3tsm7/qos-inference-router/internal/redis"
	"github.com/ak3tsm7/qos-inference-router/internal/slo"
	"github.com/ak3tsm7/qos-inference-router/internal/telemetry"
)

// Config is the resolved router configuration.
type Config struct {
	Policy  string
	Epsilon float64
	Seed    uint64

	EnginesFile string
	Engines     []sim.Profile

	Budget budget.Config
	SLO    slo.Config

	TelemetryInterval time.Duration
	TelemetryRoot     string

	HistoryMaxSamples int
	MaxRetries        int

	RedisAddr      string
	HTTPAddr       string
	Workers        int
	LogDevelopment bool
}

// flagBindings maps viper keys (= env var names) to pflag names.
var flagBindings = map[string]string{
	"POLICY":                "policy",
	"EPSILON":               "epsilon",
	"SEED":                  "seed",
	"ENGINES_FILE":          "engines-file",
	"ENERGY_INITIAL_J":      "energy-initial-j",
	"ENERGY_MAX_J":          "energy-max-j",
	"ENERGY_REFILL_J_PER_S": "energy-refill-j-per-s",
	"SLO_WINDOW":            "slo-window",
	"SLO_P95_MS":            "slo-p95-ms",
	"SLO_P99_MS":            "slo-p99-ms",
	"TELEMETRY_INTERVAL":    "telemetry-interval",
	"TELEMETRY_ROOT":        "telemetry-root",
	"HISTORY_MAX_SAMPLES":   "history-max-samples",
	"MAX_RETRIES":           "max-retries",
	"REDIS_ADDR":            "redis-addr",
	"HTTP_ADDR":             "http-addr",
	"WORKERS":               "workers",
	"LOG_DEVELOPMENT":       "log-development",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("POLICY", policy.NameGreedy)
	v.SetDefault("EPSILON", policy.DefaultEpsilon)
	v.SetDefault("SEED", 0)
	v.SetDefault("ENGINES_FILE", "")
	v.SetDefault("ENERGY_INITIAL_J", budget.DefaultInitialJ)
	v.SetDefault("ENERGY_MAX_J", budget.DefaultMaxJ)
	v.SetDefault("ENERGY_REFILL_J_PER_S", budget.DefaultRefillJPerSec)
	v.SetDefault("SLO_WINDOW", slo.DefaultWindowSize)
	v.SetDefault("SLO_P95_MS", slo.DefaultP95TargetMs)
	v.SetDefault("SLO_P99_MS", slo.DefaultP99TargetMs)
	v.SetDefault("TELEMETRY_INTERVAL", telemetry.DefaultInterval)
	v.SetDefault("TELEMETRY_ROOT", "/")
	v.SetDefault("HISTORY_MAX_SAMPLES", history.DefaultMaxSamples)
	v.SetDefault("MAX_RETRIES", redisq.DefaultMaxRetries)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("HTTP_ADDR", ":2113")
	v.SetDefault("WORKERS", 4)
	v.SetDefault("LOG_DEVELOPMENT", false)
}

// RegisterFlags adds the router flags to fs. Unset flags don't override
// the environment.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("policy", policy.NameGreedy, "routing policy: greedy, epsilon-greedy or thompson")
	fs.Float64("epsilon", policy.DefaultEpsilon, "exploration rate for epsilon-greedy")
	fs.Uint64("seed", 0, "random seed for exploring policies (0 = random)")
	fs.String("engines-file", "", "YAML file describing the simulated engines")
	fs.Float64("energy-initial-j", budget.DefaultInitialJ, "initial energy budget in joules")
	fs.Float64("energy-max-j", budget.DefaultMaxJ, "energy budget capacity in joules")
	fs.Float64("energy-refill-j-per-s", budget.DefaultRefillJPerSec, "energy budget refill rate in joules per second")
	fs.Int("slo-window", slo.DefaultWindowSize, "latency SLO window size")
	fs.Float64("slo-p95-ms", slo.DefaultP95TargetMs, "p95 latency target in ms")
	fs.Float64("slo-p99-ms", slo.DefaultP99TargetMs, "p99 latency target in ms")
	fs.Duration("telemetry-interval", telemetry.DefaultInterval, "telemetry sampling interval")
	fs.String("telemetry-root", "/", "filesystem root for /proc and /sys telemetry")
	fs.Int("history-max-samples", history.DefaultMaxSamples, "samples kept per arm (0 = default)")
	fs.Int("max-retries", redisq.DefaultMaxRetries, "retries before a task is dead-lettered")
	fs.String("redis-addr", "localhost:6379", "Redis address")
	fs.String("http-addr", ":2113", "HTTP listen address")
	fs.Int("workers", 4, "number of concurrent task workers")
	fs.Bool("log-development", false, "human-readable debug logging")
}

// Load resolves configuration with precedence flags > env > defaults and
// validates it. flagSet may be nil.
func Load(flagSet *flag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if flagSet != nil {
		for key, name := range flagBindings {
			f := flagSet.Lookup(name)
			// Only explicitly set flags win over the environment.
			if f != nil && f.Changed {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	cfg := &Config{
		Policy:      strings.ToLower(strings.TrimSpace(v.GetString("POLICY"))),
		Epsilon:     v.GetFloat64("EPSILON"),
		Seed:        v.GetUint64("SEED"),
		EnginesFile: strings.TrimSpace(v.GetString("ENGINES_FILE")),
		Budget: budget.Config{
			InitialJ:      v.GetFloat64("ENERGY_INITIAL_J"),
			MaxJ:          v.GetFloat64("ENERGY_MAX_J"),
			RefillJPerSec: v.GetFloat64("ENERGY_REFILL_J_PER_S"),
		},
		SLO: slo.Config{
			WindowSize:  v.GetInt("SLO_WINDOW"),
			P95TargetMs: v.GetFloat64("SLO_P95_MS"),
			P99TargetMs: v.GetFloat64("SLO_P99_MS"),
		},
		TelemetryInterval: v.GetDuration("TELEMETRY_INTERVAL"),
		TelemetryRoot:     v.GetString("TELEMETRY_ROOT"),
		HistoryMaxSamples: v.GetInt("HISTORY_MAX_SAMPLES"),
		MaxRetries:        v.GetInt("MAX_RETRIES"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		Workers:           v.GetInt("WORKERS"),
		LogDevelopment:    v.GetBool("LOG_DEVELOPMENT"),
	}

	engines, err := LoadEngines(cfg.EnginesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Engines = engines

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the resolved configuration.
func Validate(cfg *Config) error {
	var errs []error
	if _, err := policy.New(cfg.Policy, cfg.Epsilon, cfg.Seed); err != nil {
		errs = append(errs, err)
	}
	if cfg.Epsilon < 0 || cfg.Epsilon > 1 {
		errs = append(errs, fmt.Errorf("EPSILON must be in [0, 1], got %v", cfg.Epsilon))
	}
	if err := cfg.Budget.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.SLO.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.TelemetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("TELEMETRY_INTERVAL must be positive, got %s", cfg.TelemetryInterval))
	}
	if cfg.HistoryMaxSamples < 0 {
		errs = append(errs, fmt.Errorf("HISTORY_MAX_SAMPLES must be >= 0, got %d", cfg.HistoryMaxSamples))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be >= 0, got %d", cfg.MaxRetries))
	}
	if cfg.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be >= 1, got %d", cfg.Workers))
	}
	if len(cfg.Engines) == 0 {
		errs = append(errs, errors.New("at least one engine is required"))
	}
	return errors.Join(errs...)
}

// NewPolicy builds the configured routing policy.
func (c *Config) NewPolicy() (policy.RoutingPolicy, error) {
	return policy.New(c.Policy, c.Epsilon, c.Seed)
}

// TelemetryConfig returns sampler settings rooted at TelemetryRoot.
func (c *Config) TelemetryConfig() telemetry.Config {
	root := c.TelemetryRoot
	if root == "" {
		root = "/"
	}
	tc := telemetry.ConfigForRoot(os.DirFS(root))
	tc.Interval = c.TelemetryInterval
	return tc
}

// NewLogger builds the process logger.
func (c *Config) NewLogger() (*zap.Logger, error) {
	if c.LogDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
