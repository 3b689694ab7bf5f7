package telemetry

import (
	"time"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// Fixed shares of total draw used when no rail source is readable.
const (
	CPUPowerFraction    = 0.40
	GPUPowerFraction    = 0.20
	DRAMPowerFraction   = 0.15
	SystemPowerFraction = 0.25
)

// PowerRails is the per-component power draw in watts.
type PowerRails struct {
	CPUW    float64 `json:"cpu_w"`
	GPUW    float64 `json:"gpu_w"`
	DRAMW   float64 `json:"dram_w"`
	SystemW float64 `json:"system_w"`
	TotalW  float64 `json:"total_w"`
}

// EstimateRails splits a total draw using the fixed component fractions.
func EstimateRails(totalW float64) PowerRails {
	return PowerRails{
		CPUW:    totalW * CPUPowerFraction,
		GPUW:    totalW * GPUPowerFraction,
		DRAMW:   totalW * DRAMPowerFraction,
		SystemW: totalW * SystemPowerFraction,
		TotalW:  totalW,
	}
}

// BatteryState is the battery view at sample time.
type BatteryState struct {
	Level        float64 `json:"level"` // percent
	LowPowerMode bool    `json:"low_power_mode"`
	PowerW       float64 `json:"power_w"`
}

// Sample is one telemetry tick.
type Sample struct {
	Timestamp      time.Time           `json:"timestamp"`
	CPUUtilization float64             `json:"cpu_utilization"`
	GPUUtilization *float64            `json:"gpu_utilization,omitempty"`
	Power          PowerRails          `json:"power"`
	PowerSource    string              `json:"power_source"`
	Thermal        models.ThermalState `json:"thermal"`
	Battery        *BatteryState       `json:"battery,omitempty"`
}
