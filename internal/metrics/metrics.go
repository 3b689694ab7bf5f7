package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	TasksScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qosr_tasks_scheduled_total",
			Help: "Total number of tasks that reached a backend",
		},
		[]string{"engine", "precision", "success"}, // success: "true" or "false"
	)

	TaskFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qosr_task_failures_total",
			Help: "Total number of failed scheduling attempts by cause",
		},
		[]string{"reason"}, // budget, engine_unavailable, backend, cancelled, closed, policy
	)

	PolicyDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qosr_policy_decisions_total",
			Help: "Routing decisions by policy and decision mode",
		},
		[]string{"policy", "mode"}, // mode: exploit, explore, preferred, no_history, sample
	)

	SLOViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qosr_slo_violations_total",
			Help: "Latency samples above the p95/p99 targets",
		},
		[]string{"target"}, // p95, p99
	)

	BudgetOverdrawTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qosr_budget_overdraw_total",
			Help: "Completed executions whose measured energy exceeded the remaining budget",
		},
	)

	TasksRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qosr_tasks_requeued_total",
			Help: "Total number of tasks scheduled for retry",
		},
	)

	RecoveryEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qosr_recovery_events_total",
			Help: "Total number of tasks recovered from stale workers",
		},
	)

	// Gauges
	EnergyBudgetJoules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qosr_energy_budget_joules",
			Help: "Remaining energy budget",
		},
	)

	CPUUtilizationPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qosr_cpu_utilization_percent",
			Help: "Most recent CPU utilization sample",
		},
	)

	PowerWatts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qosr_power_watts",
			Help: "Most recent power draw by component",
		},
		[]string{"component"}, // cpu, gpu, dram, system, total
	)

	ThermalState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qosr_thermal_state",
			Help: "Thermal level, 0=NORMAL .. 4=CRITICAL",
		},
	)

	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qosr_queue_length",
			Help: "Tasks waiting in the Redis queue",
		},
	)

	// Histograms
	// Buckets: 1ms .. ~16s
	TaskLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qosr_task_latency_seconds",
			Help:    "Backend execution latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"engine", "precision"},
	)

	TaskEnergyJoules = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qosr_task_energy_joules",
			Help:    "Energy attributed to one execution",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"engine", "precision"},
	)
)
