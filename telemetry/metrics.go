// Package telemetry exports run and step execution as Prometheus metrics and
// OpenTelemetry spans. Both are ExecutionCallbacks for the engine.
package telemetry

import (
	"context"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "worldflow"

// Metrics records Prometheus metrics for runs and steps.
type Metrics struct {
	worldflow.BaseExecutionCallbacks

	RunsTotal    *prometheus.CounterVec
	ActiveRuns   *prometheus.GaugeVec
	RunDuration  *prometheus.HistogramVec
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
}

// NewMetrics registers the metrics with reg. A nil reg uses the default
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Run invocations by graph and halting status",
		}, []string{"graph", "status"}),
		ActiveRuns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing",
		}, []string{"graph"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_invocation_duration_seconds",
			Help:      "Duration of a single start or resume invocation",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"graph", "status"}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step invocations by outcome phase",
		}, []string{"graph", "step", "phase"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step invocations",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"graph", "step"}),
	}
}

func (m *Metrics) BeforeRunExecution(ctx context.Context, event *worldflow.RunExecutionEvent) {
	m.ActiveRuns.WithLabelValues(event.GraphName).Inc()
}

func (m *Metrics) AfterRunExecution(ctx context.Context, event *worldflow.RunExecutionEvent) {
	m.ActiveRuns.WithLabelValues(event.GraphName).Dec()
	status := string(event.Status)
	m.RunsTotal.WithLabelValues(event.GraphName, status).Inc()
	m.RunDuration.WithLabelValues(event.GraphName, status).Observe(event.EndTime.Sub(event.StartTime).Seconds())
}

func (m *Metrics) AfterStepExecution(ctx context.Context, event *worldflow.StepExecutionEvent) {
	m.StepsTotal.WithLabelValues(event.GraphName, event.StepName, string(event.Phase)).Inc()
	if event.Phase != worldflow.PhaseSkipped {
		m.StepDuration.WithLabelValues(event.GraphName, event.StepName).Observe(event.Duration.Seconds())
	}
}
