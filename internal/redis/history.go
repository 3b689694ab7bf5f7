package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

const emaAlpha = 0.2 // Exponential moving average smoothing factor

// ArmCost weights latency and energy the same way the greedy policy does.
func ArmCost(latencyMs, energyJ float64) float64 {
	return 0.6*latencyMs + 0.4*energyJ
}

// ema folds current into a stored average. A missing or unparsable
// average is reset to current.
func ema(existing interface{}, current float64) float64 {
	str, ok := existing.(string)
	if !ok {
		return current
	}
	old, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return current
	}
	return emaAlpha*current + (1-emaAlpha)*old
}

// RecordArmMetrics folds a successful execution into the arm's running
// averages and appends it to the arm's capped sample list.
func RecordArmMetrics(ctx context.Context, rdb *redis.Client, cfg models.BackendConfig, m models.ExecutionMetrics, maxSamples int64) error {
	key := armKey(cfg)

	existing, err := rdb.HMGet(ctx, key, "avg_latency_ms", "avg_energy_j").Result()
	if err != nil {
		return fmt.Errorf("failed to get existing arm metrics: %w", err)
	}
	avgLat := ema(existing[0], m.LatencyMs)
	avgEnergy := ema(existing[1], m.EnergyJ)

	sample, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"avg_latency_ms", fmt.Sprintf("%.4f", avgLat),
		"avg_energy_j", fmt.Sprintf("%.6f", avgEnergy),
		"last_updated", time.Now().Unix(),
	)
	pipe.HIncrBy(ctx, key, "runs", 1)
	// Lower cost ranks first.
	pipe.ZAdd(ctx, armsScoreKey, redis.Z{
		Score:  ArmCost(avgLat, avgEnergy),
		Member: cfg.String(),
	})
	pipe.RPush(ctx, historyKey(cfg), sample)
	if maxSamples > 0 {
		pipe.LTrim(ctx, historyKey(cfg), -maxSamples, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update arm metrics: %w", err)
	}
	return nil
}

// GetArmMetrics returns the running summary of one arm.
func GetArmMetrics(ctx context.Context, rdb *redis.Client, cfg models.BackendConfig) (*models.ArmMetrics, error) {
	data, err := rdb.HGetAll(ctx, armKey(cfg)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get arm metrics: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no metrics found for arm %s", cfg)
	}

	avgLatency, _ := strconv.ParseFloat(data["avg_latency_ms"], 64)
	avgEnergy, _ := strconv.ParseFloat(data["avg_energy_j"], 64)
	runs, _ := strconv.ParseInt(data["runs"], 10, 64)

	return &models.ArmMetrics{
		Config:       cfg,
		AvgLatencyMs: avgLatency,
		AvgEnergyJ:   avgEnergy,
		Runs:         runs,
	}, nil
}

// GetTopArms returns up to limit arms, cheapest first.
func GetTopArms(ctx context.Context, rdb *redis.Client, limit int64) ([]models.ArmMetrics, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := rdb.ZRange(ctx, armsScoreKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get top arms: %w", err)
	}

	result := make([]models.ArmMetrics, 0, len(members))
	for _, member := range members {
		cfg, err := models.ParseBackendConfig(member)
		if err != nil {
			continue
		}
		if m, err := GetArmMetrics(ctx, rdb, cfg); err == nil {
			result = append(result, *m)
		}
	}
	return result, nil
}

// LoadHistory returns the persisted samples of every known arm, oldest
// first, for warm-starting a router.
func LoadHistory(ctx context.Context, rdb *redis.Client, maxSamples int64) (map[models.BackendConfig][]models.ExecutionMetrics, error) {
	members, err := rdb.ZRange(ctx, armsScoreKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list arms: %w", err)
	}

	start := int64(0)
	if maxSamples > 0 {
		start = -maxSamples
	}

	out := make(map[models.BackendConfig][]models.ExecutionMetrics, len(members))
	for _, member := range members {
		cfg, err := models.ParseBackendConfig(member)
		if err != nil {
			continue
		}
		raws, err := rdb.LRange(ctx, historyKey(cfg), start, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read history for %s: %w", cfg, err)
		}
		samples := make([]models.ExecutionMetrics, 0, len(raws))
		for _, raw := range raws {
			var m models.ExecutionMetrics
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				continue
			}
			samples = append(samples, m)
		}
		if len(samples) > 0 {
			out[cfg] = samples
		}
	}
	return out, nil
}
