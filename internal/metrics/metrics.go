package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalSteps atomic.Int64

var (
	SchedulerStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_steps_total",
		Help: "Total number of scheduler step updates applied",
	}, []string{"scheduler"})

	SchedulerStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_step_duration_seconds",
		Help:    "Duration of a single scheduler update, excluding the model call",
		Buckets: []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 0.1, 1},
	}, []string{"scheduler"})

	SchedulerWarmupSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_warmup_steps_total",
		Help: "Multistep updates that fell back to a lower order for lack of history",
	}, []string{"scheduler"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sampling_runs_total",
		Help: "Completed sampling runs by outcome",
	}, []string{"scheduler", "status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sampling_run_duration_seconds",
		Help:    "Wall time of a full sampling run",
		Buckets: prometheus.DefBuckets,
	}, []string{"scheduler"})

	RunsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sampling_runs_in_flight",
		Help: "Sampling runs currently executing",
	})

	ModelCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "model_calls_total",
		Help: "Total number of model function evaluations",
	})

	ModelCallDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "model_call_duration_seconds",
		Help: "Duration of model function evaluations",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected in scheduler outputs",
	}, []string{"scheduler", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	TrajectoryFramesExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trajectory_frames_exported_total",
		Help: "Trajectory frames written to an export sink",
	}, []string{"sink"})
)

func RecordStep(scheduler string, duration time.Duration) {
	totalSteps.Add(1)
	SchedulerStepsTotal.WithLabelValues(scheduler).Inc()
	SchedulerStepDuration.WithLabelValues(scheduler).Observe(duration.Seconds())
}

func RecordWarmupStep(scheduler string) {
	SchedulerWarmupSteps.WithLabelValues(scheduler).Inc()
}

func RecordRunStarted() {
	RunsInFlight.Inc()
}

// RecordRunFinished closes a run opened with RecordRunStarted.
func RecordRunFinished(scheduler, status string, duration time.Duration) {
	RunsInFlight.Dec()
	RunsTotal.WithLabelValues(scheduler, status).Inc()
	RunDuration.WithLabelValues(scheduler).Observe(duration.Seconds())
}

func RecordModelCall(duration time.Duration) {
	ModelCallsTotal.Inc()
	ModelCallDuration.Observe(duration.Seconds())
}

func RecordNumericalInstability(scheduler string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(scheduler, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(scheduler, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordTrajectoryExport(sink string, frames int) {
	TrajectoryFramesExported.WithLabelValues(sink).Add(float64(frames))
}

// TotalSteps returns the process-wide step count, cheap enough for health
// reporting without scraping the registry.
func TotalSteps() int64 {
	return totalSteps.Load()
}
