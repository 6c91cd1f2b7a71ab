// Package metrics exposes engine counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evalgate"

// Collector records run, trace and judge metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	runs             *prometheus.CounterVec
	traces           *prometheus.CounterVec
	judgeFallbacks   prometheus.Counter
	throttleRejected prometheus.Counter
	runDuration      *prometheus.HistogramVec
	rpcRequests      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

// NewCollector registers all metrics on registry, or on a fresh registry
// when registry is nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Evaluation runs by mode, trace set and ship decision.",
		}, []string{"mode", "set", "ship"}),
		traces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_evaluated_total",
			Help:      "Traces evaluated by mode and verdict status.",
		}, []string{"mode", "status"}),
		judgeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_fallbacks_total",
			Help:      "Judge verdicts replaced by the fail-closed fallback.",
		}),
		throttleRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_rejections_total",
			Help:      "Judge-mode runs rejected by the throttle.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of evaluation runs.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"mode"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Initialized JSON-RPC sessions.",
		}),
	}
	registry.MustRegister(c.runs, c.traces, c.judgeFallbacks, c.throttleRejected, c.runDuration, c.rpcRequests, c.activeSessions)
	return c
}

// ObserveRun records one completed run.
func (c *Collector) ObserveRun(mode, set string, ship bool, d time.Duration) {
	if c == nil {
		return
	}
	shipLabel := "false"
	if ship {
		shipLabel = "true"
	}
	c.runs.WithLabelValues(mode, set, shipLabel).Inc()
	c.runDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveTraces adds n traces with the given verdict status.
func (c *Collector) ObserveTraces(mode, status string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.traces.WithLabelValues(mode, status).Add(float64(n))
}

// JudgeFallback counts one fallback verdict.
func (c *Collector) JudgeFallback() {
	if c == nil {
		return
	}
	c.judgeFallbacks.Inc()
}

// ThrottleRejected counts one throttled run.
func (c *Collector) ThrottleRejected() {
	if c == nil {
		return
	}
	c.throttleRejected.Inc()
}

// RPCRequest counts one handled JSON-RPC request. outcome is "ok" or an
// error type.
func (c *Collector) RPCRequest(method, outcome string) {
	if c == nil {
		return
	}
	c.rpcRequests.WithLabelValues(method, outcome).Inc()
}

// SessionStarted and SessionEnded track initialized sessions.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

func (c *Collector) SessionEnded() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
