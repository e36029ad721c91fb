// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hitlflow"

// Collector records engine events. Register it with the engine through
// EngineOptions.Callbacks and serve Handler on /metrics.
type Collector struct {
	hitlflow.BaseEngineCallbacks

	registry      *prometheus.Registry
	runsStarted   *prometheus.CounterVec
	runsPaused    *prometheus.CounterVec
	runsResumed   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	activeStages  prometheus.Gauge
}

var _ hitlflow.EngineCallbacks = (*Collector)(nil)

// NewCollector creates a collector with its own registry, which also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs created.",
		}, []string{"workflow"}),
		runsPaused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_paused_total",
			Help:      "Pauses in front of a gated stage.",
		}, []string{"workflow", "stage"}),
		runsResumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_resumed_total",
			Help:      "Decisions applied to paused runs.",
		}, []string{"workflow", "decision"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"workflow", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage executor latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"workflow", "stage", "outcome"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage executions that returned an error.",
		}, []string{"workflow", "stage"}),
		activeStages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_stages",
			Help:      "Stage executions in flight.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.runsStarted,
		c.runsPaused,
		c.runsResumed,
		c.runsFinished,
		c.stageDuration,
		c.stageFailures,
		c.activeStages,
	)
	return c
}

// Registry exposes the registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) BeforeStage(ctx context.Context, event *hitlflow.StageEvent) {
	c.activeStages.Inc()
}

func (c *Collector) AfterStage(ctx context.Context, event *hitlflow.StageEvent) {
	c.activeStages.Dec()
	outcome := "success"
	if event.Error != nil {
		outcome = "error"
		c.stageFailures.WithLabelValues(event.WorkflowName, string(event.Stage)).Inc()
	}
	c.stageDuration.WithLabelValues(event.WorkflowName, string(event.Stage), outcome).
		Observe(event.Duration.Seconds())
}

func (c *Collector) OnRunStarted(ctx context.Context, event *hitlflow.RunEvent) {
	c.runsStarted.WithLabelValues(event.WorkflowName).Inc()
}

func (c *Collector) OnRunPaused(ctx context.Context, event *hitlflow.RunEvent) {
	c.runsPaused.WithLabelValues(event.WorkflowName, string(event.Stage)).Inc()
}

func (c *Collector) OnRunResumed(ctx context.Context, event *hitlflow.RunEvent) {
	c.runsResumed.WithLabelValues(event.WorkflowName, string(event.Decision)).Inc()
}

func (c *Collector) OnRunFinished(ctx context.Context, event *hitlflow.RunEvent) {
	c.runsFinished.WithLabelValues(event.WorkflowName, string(event.Status)).Inc()
}
