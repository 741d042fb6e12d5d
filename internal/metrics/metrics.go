// Package metrics exposes Prometheus instrumentation for the invocation layer.
//
// Each process owns its own registry so that several in-process jobs (tests,
// -local runs) never collide on the default registerer. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pmigo"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	sent       *prometheus.CounterVec
	sentBytes  prometheus.Counter
	replies    *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	failures   *prometheus.CounterVec
	wait       prometheus.Histogram
	bound      prometheus.Gauge
}

// New creates a Metrics with a fresh registry. Go runtime and process
// collectors are registered alongside the invocation metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "invocations_sent_total",
			Help:      "Invocations broadcast by the controller, by operation.",
		}, []string{"op"}),
		sentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "sent_bytes_total",
			Help:      "Encoded invocation bytes broadcast by the controller.",
		}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "replies_total",
			Help:      "Replies received from workers, by outcome.",
		}, []string{"outcome"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "invocations_dispatched_total",
			Help:      "Invocations executed by this worker, by operation.",
		}, []string{"op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failures observed by this process, by kind.",
		}, []string{"kind"}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "reply_wait_seconds",
			Help:      "Time the controller spent blocked waiting for replies.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		bound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "bound_objects",
			Help:      "Objects currently bound in this worker's identity registry.",
		}),
	}
	m.registry.MustRegister(
		m.sent, m.sentBytes, m.replies, m.dispatched, m.failures, m.wait, m.bound,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// InvocationSent records one broadcast invocation.
func (m *Metrics) InvocationSent(op string, frameBytes int) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(op).Inc()
	m.sentBytes.Add(float64(frameBytes))
}

// ReplyReceived records one reply.
func (m *Metrics) ReplyReceived(failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.replies.WithLabelValues(outcome).Inc()
}

// Dispatched records one invocation executed by a worker.
func (m *Metrics) Dispatched(op string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(op).Inc()
}

// Failure records one failure of the given kind.
func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

// ObserveWait records time spent blocked on replies.
func (m *Metrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.wait.Observe(d.Seconds())
}

// SetBound records the size of the identity registry.
func (m *Metrics) SetBound(n int) {
	if m == nil {
		return
	}
	m.bound.Set(float64(n))
}
