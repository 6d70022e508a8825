package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_stage_runs_total",
			Help: "Total number of generation stage runs by content kind and outcome.",
		},
		[]string{"kind", "outcome"}, // completed, failed, abandoned
	)
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "narrative_stage_duration_seconds",
			Help:    "Duration of detached image and audio stages.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)
	statusWriteDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_stage_status_writes_dropped_total",
			Help: "Status writes from detached stages that failed and were dropped.",
		},
		[]string{"field", "status"},
	)
)
