package models

import "time"

// RouterState is a point-in-time snapshot of the router for observability.
type RouterState struct {
	AvailableEngines []EngineInfo `json:"available_engines"`
	TasksCompleted   int64        `json:"tasks_completed"`
	TasksFailed      int64        `json:"tasks_failed"`
	AvgLatencyMs     float64      `json:"avg_latency_ms"`
	P99LatencyMs     float64      `json:"p99_latency_ms"`
	CurrentPowerW    float64      `json:"current_power_w"`
	CumulativeEnergy float64      `json:"cumulative_energy_j"`
	EnergyBudgetJ    float64      `json:"energy_budget_j"`
	CPUUtilization   float64      `json:"cpu_utilization"`
	GPUUtilization   *float64     `json:"gpu_utilization,omitempty"`
	BatteryLevel     float64      `json:"battery_level"`
	LowPowerMode     bool         `json:"low_power_mode"`
	Thermal          ThermalState `json:"thermal"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (s RouterState) Clone() RouterState {
	out := s
	out.AvailableEngines = make([]EngineInfo, len(s.AvailableEngines))
	for i, e := range s.AvailableEngines {
		out.AvailableEngines[i] = EngineInfo{
			Engine:     e.Engine,
			Precisions: append([]Precision(nil), e.Precisions...),
		}
	}
	if s.GPUUtilization != nil {
		v := *s.GPUUtilization
		out.GPUUtilization = &v
	}
	return out
}
