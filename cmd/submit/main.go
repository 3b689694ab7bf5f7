package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"k8s.io/utils/ptr"

	"github.com/ak3tsm7/qos-inference-router/internal/metrics"
	"github.com/ak3tsm7/qos-inference-router/internal/models"
	redisq "github.com/ak3tsm7/qos-inference-router/internal/redis"
)

type submitConfig struct {
	addr        string
	count       int
	recoverOnly bool
	cancel      []string
	timeout     time.Duration
}

func main() {
	cfg := parseFlags()
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.addr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}

	// Recover first so stuck tasks go back ahead of new ones.
	n, err := redisq.RecoverStuckTasks(ctx, rdb, cfg.timeout, logger)
	if err != nil {
		logger.Error("recovery scan failed", zap.Error(err))
	}
	metrics.RecoveryEventsTotal.Add(float64(n))
	logger.Info("recovery scan complete", zap.Int("recovered", n))

	for _, id := range cfg.cancel {
		if err := redisq.CancelTask(ctx, rdb, id, time.Hour); err != nil {
			logger.Error("cancel failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		logger.Info("task cancelled", zap.String("task_id", id))
	}

	if !cfg.recoverOnly {
		for _, spec := range sampleTasks(cfg.count) {
			stored, err := redisq.EnqueueTask(ctx, rdb, spec)
			if err != nil {
				logger.Error("enqueue failed", zap.String("model_id", spec.ModelID), zap.Error(err))
				continue
			}
			logger.Info("task enqueued",
				zap.String("task_id", stored.ID),
				zap.String("model_id", stored.ModelID),
				zap.String("precision", string(stored.Precision)),
				zap.Int("priority", stored.Priority))
		}
	}

	printStatus(ctx, rdb)
}

func parseFlags() submitConfig {
	cfg := submitConfig{}
	flag.StringVar(&cfg.addr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	flag.IntVar(&cfg.count, "count", 6, "number of sample tasks to enqueue")
	flag.BoolVar(&cfg.recoverOnly, "recover-only", false, "only run the stuck-task recovery scan")
	flag.StringSliceVar(&cfg.cancel, "cancel", nil, "task ids to cancel")
	flag.DurationVar(&cfg.timeout, "heartbeat-timeout", redisq.HeartbeatTimeout, "heartbeat age at which a worker is stale")
	flag.Parse()
	return cfg
}

// sampleTasks cycles through a few representative workloads.
func sampleTasks(n int) []models.TaskSpec {
	templates := []models.TaskSpec{
		{
			ModelID:         "mobilenet-v3",
			InputShapes:     [][]int{{1, 224, 224, 3}},
			Precision:       models.PrecisionINT8,
			PreferredEngine: models.EngineNPU,
			BatchSize:       1,
			Priority:        8,
			QoS:             models.QoSConstraints{MaxLatencyMs: ptr.To(30.0), ThrottlingAllowed: true},
			Metadata:        map[string]string{"source": "camera"},
		},
		{
			ModelID:      "whisper-tiny",
			InputShapes:  [][]int{{1, 80, 3000}},
			Precision:    models.PrecisionFP16,
			BatchSize:    1,
			Priority:     5,
			QoS:          models.QoSConstraints{MaxEnergyJ: ptr.To(2.0)},
			EnableWarmup: true,
			Metadata:     map[string]string{"source": "mic"},
		},
		{
			ModelID:      "resnet50",
			InputShapes:  [][]int{{4, 3, 224, 224}},
			Precision:    models.PrecisionFP32,
			BatchSize:    4,
			Priority:     2,
			QoS:          models.QoSConstraints{MinAccuracy: ptr.To(0.9)},
			MaxRetries:   2,
			RetryBackoff: "linear",
			Metadata:     map[string]string{"source": "batch"},
		},
	}
	out := make([]models.TaskSpec, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, templates[i%len(templates)])
	}
	return out
}

func printStatus(ctx context.Context, rdb *redis.Client) {
	fmt.Println("\nArm rankings (cheapest first):")
	arms, err := redisq.GetTopArms(ctx, rdb, 10)
	if err != nil || len(arms) == 0 {
		fmt.Println("  no arm history yet")
	}
	for i, a := range arms {
		fmt.Printf("  %d. %-10s latency=%.2fms energy=%.3fJ runs=%d\n",
			i+1, a.Config, a.AvgLatencyMs, a.AvgEnergyJ, a.Runs)
	}

	queued, _ := redisq.QueueLength(ctx, rdb)
	dead, _ := redisq.DLQLength(ctx, rdb)
	fmt.Printf("\nQueue: %d tasks waiting, %d dead-lettered\n", queued, dead)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
