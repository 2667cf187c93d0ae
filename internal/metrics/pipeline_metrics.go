package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Analytics core per-camera pipeline metrics (C5/C9). Labelled by
// camera_id: per-camera cardinality here is bounded by the number of
// configured cameras, not by user/session counts.
var (
	PipelineFramesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocore_pipeline_frames_processed_total",
			Help: "Total frames processed by a camera pipeline",
		},
		[]string{"camera_id"},
	)

	PipelineFramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocore_pipeline_frames_dropped_total",
			Help: "Total frames dropped by a camera pipeline due to decode/reconnect failures",
		},
		[]string{"camera_id"},
	)

	PipelineCurrentFPS = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "videocore_pipeline_current_fps",
			Help: "Current measured frames/sec for a camera pipeline",
		},
		[]string{"camera_id"},
	)

	PipelineInferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videocore_pipeline_inference_latency_ms",
			Help:    "Detector inference latency in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"camera_id"},
	)

	PipelineHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "videocore_pipeline_healthy",
			Help: "Pipeline health status (1=healthy, 0=degraded/stopped)",
		},
		[]string{"camera_id"},
	)

	ManagerMonitorCycleMs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "videocore_manager_monitor_cycle_ms",
			Help: "EMA of the pipeline manager's monitor cadence cycle time",
		},
	)

	AlarmRouterDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocore_alarmrouter_delivered_total",
			Help: "Total alarm events delivered by disposition",
		},
		[]string{"status"},
	)

	CoordinatorGlobalTracksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "videocore_coordinator_global_tracks_active",
			Help: "Currently active cross-camera global tracks",
		},
	)
)
