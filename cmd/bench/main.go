package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ak3tsm7/qos-inference-router/internal/backend/sim"
	"github.com/ak3tsm7/qos-inference-router/internal/budget"
	"github.com/ak3tsm7/qos-inference-router/internal/config"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
	"github.com/ak3tsm7/qos-inference-router/internal/policy"
	"github.com/ak3tsm7/qos-inference-router/internal/router"
	"github.com/ak3tsm7/qos-inference-router/internal/slo"
)

type benchConfig struct {
	policies    []string
	tasks       int
	concurrency int
	seed        uint64
	epsilon     float64
	enginesFile string
	budgetJ     float64
	refillJ     float64
	sleep       bool
}

type report struct {
	policy    string
	succeeded int64
	failed    int64
	elapsed   time.Duration
	energyJ   float64
	latency   slo.Stats
	arms      map[models.BackendConfig]int
}

func main() {
	cfg := parseFlags()

	profiles, err := config.LoadEngines(cfg.enginesFile)
	if err != nil {
		log.Fatalf("engines: %v", err)
	}

	log.Printf("Starting benchmark: policies=%s tasks=%d concurrency=%d seed=%d",
		strings.Join(cfg.policies, ","), cfg.tasks, cfg.concurrency, cfg.seed)

	var reports []report
	for _, name := range cfg.policies {
		rep, err := runPolicy(context.Background(), cfg, name, profiles)
		if err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		reports = append(reports, rep)
	}
	printReports(reports)
}

func parseFlags() benchConfig {
	cfg := benchConfig{}
	flag.StringSliceVar(&cfg.policies, "policies", []string{policy.NameGreedy, policy.NameEpsilonGreedy, policy.NameThompson}, "policies to compare")
	flag.IntVar(&cfg.tasks, "tasks", 200, "tasks per policy")
	flag.IntVar(&cfg.concurrency, "concurrency", 8, "concurrent schedulers")
	flag.Uint64Var(&cfg.seed, "seed", 42, "seed for policies, fleet and workload")
	flag.Float64Var(&cfg.epsilon, "epsilon", policy.DefaultEpsilon, "epsilon-greedy exploration rate")
	flag.StringVar(&cfg.enginesFile, "engines-file", os.Getenv("ENGINES_FILE"), "YAML engine profiles")
	flag.Float64Var(&cfg.budgetJ, "budget-j", 100, "energy budget capacity (starts full)")
	flag.Float64Var(&cfg.refillJ, "refill-j-per-s", 1, "energy budget refill rate")
	flag.BoolVar(&cfg.sleep, "sleep", true, "simulate latency in wall-clock time")
	flag.Parse()

	if cfg.tasks < 1 || cfg.concurrency < 1 {
		log.Fatalf("tasks and concurrency must be positive")
	}
	return cfg
}

func runPolicy(ctx context.Context, cfg benchConfig, name string, profiles []sim.Profile) (report, error) {
	pol, err := policy.New(name, cfg.epsilon, cfg.seed)
	if err != nil {
		return report{}, err
	}
	fleet, err := sim.NewFleet(profiles, cfg.seed, cfg.sleep)
	if err != nil {
		return report{}, err
	}
	engines := make([]router.Engine, 0, len(profiles))
	for _, b := range fleet.Backends() {
		engines = append(engines, router.Engine{Info: b.Info(), Backend: b})
	}
	r, err := router.New(router.Options{
		Policy:            pol,
		Engines:           engines,
		Budget:            budget.Config{InitialJ: cfg.budgetJ, MaxJ: cfg.budgetJ, RefillJPerSec: cfg.refillJ},
		SLO:               slo.DefaultConfig(),
		HistoryMaxSamples: cfg.tasks,
		Meter:             fleet,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		return report{}, err
	}

	workload := buildWorkload(cfg.tasks, cfg.seed)
	workCh := make(chan models.TaskSpec)
	var succeeded, failed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(cfg.concurrency)

	start := time.Now()
	for i := 0; i < cfg.concurrency; i++ {
		go func() {
			defer wg.Done()
			for spec := range workCh {
				res, err := r.Schedule(ctx, spec)
				if err != nil || !res.Success {
					failed.Add(1)
					continue
				}
				succeeded.Add(1)
			}
		}()
	}
	for _, spec := range workload {
		workCh <- spec
	}
	close(workCh)
	wg.Wait()
	elapsed := time.Since(start)

	rep := report{
		policy:    pol.Name(),
		succeeded: succeeded.Load(),
		failed:    failed.Load(),
		elapsed:   elapsed,
		energyJ:   fleet.EnergyJoules(),
		latency:   r.SLO().Stats(),
		arms:      make(map[models.BackendConfig]int),
	}
	for _, arm := range r.History().Arms() {
		rep.arms[arm] = r.History().Stats(arm).Count
	}
	return rep, r.Shutdown(ctx)
}

// buildWorkload mixes precisions and energy ceilings so every arm has
// something to win.
func buildWorkload(n int, seed uint64) []models.TaskSpec {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	precisions := []models.Precision{models.PrecisionFP32, models.PrecisionFP16, models.PrecisionINT8}
	out := make([]models.TaskSpec, n)
	for i := range out {
		spec := models.TaskSpec{
			ID:          fmt.Sprintf("bench-%d", i),
			ModelID:     "bench-model",
			InputShapes: [][]int{{1, 224, 224, 3}},
			Precision:   precisions[rng.IntN(len(precisions))],
			BatchSize:   1 + rng.IntN(2),
			Priority:    rng.IntN(models.MaxPriority + 1),
		}
		if rng.Float64() < 0.25 {
			ceiling := 0.05 + rng.Float64()*0.2
			spec.QoS.MaxEnergyJ = &ceiling
		}
		out[i] = spec
	}
	return out
}

func printReports(reports []report) {
	fmt.Printf("\n%-16s %8s %8s %10s %9s %9s %9s %9s %7s\n",
		"policy", "ok", "failed", "elapsed", "p50(ms)", "p95(ms)", "p99(ms)", "energy(J)", "slo")
	for _, rep := range reports {
		fmt.Printf("%-16s %8d %8d %10s %9.2f %9.2f %9.2f %9.3f %7v\n",
			rep.policy, rep.succeeded, rep.failed, rep.elapsed.Round(time.Millisecond),
			rep.latency.P50Ms, rep.latency.P95Ms, rep.latency.P99Ms, rep.energyJ, rep.latency.SLOMet)
	}
	for _, rep := range reports {
		fmt.Printf("\n%s arm usage:\n", rep.policy)
		for arm, n := range rep.arms {
			fmt.Printf("  %-12s %d\n", arm, n)
		}
	}
}
