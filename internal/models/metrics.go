package models

import "time"

// ExecutionMetrics is the measured outcome of one completed execution.
type ExecutionMetrics struct {
	LatencyMs      float64      `json:"latency_ms"`
	EnergyJ        float64      `json:"energy_j"`
	PowerW         float64      `json:"power_w"`
	CPUUtilization float64      `json:"cpu_utilization"`
	GPUUtilization *float64     `json:"gpu_utilization,omitempty"` // nil when the device exposes no GPU counter
	Thermal        ThermalState `json:"thermal"`
	Timestamp      time.Time    `json:"timestamp"`
}

// ArmMetrics is the persisted running summary of one arm.
type ArmMetrics struct {
	Config       BackendConfig
	AvgLatencyMs float64 // exponential moving average
	AvgEnergyJ   float64 // exponential moving average
	Runs         int64
}
