// Package metrics exposes pipeline activity as Prometheus metrics fed from
// the event bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasnoah/handoff/internal/events"
)

const namespace = "handoff"

// Metrics holds the collectors. Create one per registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	events        *prometheus.CounterVec
	stageDone     *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	stageRetries  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	pipelines     *prometheus.GaugeVec
	rollbacks     *prometheus.CounterVec
	errors        *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Pipeline events published, by type.",
		}, []string{"type"}),
		stageDone: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_completions_total",
			Help:      "Stages that completed or were skipped.",
		}, []string{"stage", "result"}),
		stageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stages that failed after exhausting retries, by error code.",
		}, []string{"stage", "code"}),
		stageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Stage attempts scheduled for retry.",
		}, []string{"stage"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of completed stages.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"stage"}),
		pipelines: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipelines",
			Help:      "Pipelines known to this process, by status.",
		}, []string{"status"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Explicit rollbacks, by outcome.",
		}, []string{"result"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors recorded on pipelines, by severity.",
		}, []string{"severity"}),
	}
}

// Attach subscribes the collectors to every event on bus.
func (m *Metrics) Attach(bus *events.Bus) events.Subscription {
	return bus.SubscribeAll("metrics", m.Handle)
}

// SetPipelines replaces the pipeline gauge, typically from a store listing at
// startup.
func (m *Metrics) SetPipelines(byStatus map[string]int) {
	m.pipelines.Reset()
	for status, n := range byStatus {
		m.pipelines.WithLabelValues(status).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Handle updates the collectors for one event.
func (m *Metrics) Handle(e events.Event) error {
	m.events.WithLabelValues(string(e.Type)).Inc()
	stage := e.DetailString("stage")

	switch e.Type {
	case events.StatusChanged:
		if e.PreviousStatus != "" {
			m.pipelines.WithLabelValues(e.PreviousStatus).Dec()
		}
		if e.CurrentStatus != "" {
			m.pipelines.WithLabelValues(e.CurrentStatus).Inc()
		}
	case events.StageCompleted:
		m.stageDone.WithLabelValues(stage, "completed").Inc()
		if ms, ok := number(e.Detail["duration_ms"]); ok {
			m.stageDuration.WithLabelValues(stage).Observe(ms / 1000)
		}
	case events.StageSkipped:
		m.stageDone.WithLabelValues(stage, "skipped").Inc()
	case events.StageFailed:
		m.stageFailures.WithLabelValues(stage, e.DetailString("code")).Inc()
	case events.StageRetrying:
		m.stageRetries.WithLabelValues(stage).Inc()
	case events.RollbackCompleted:
		result := "failed"
		if ok, _ := e.Detail["success"].(bool); ok {
			result = "completed"
		}
		m.rollbacks.WithLabelValues(result).Inc()
	case events.ErrorOccurred:
		m.errors.WithLabelValues(e.DetailString("severity")).Inc()
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
