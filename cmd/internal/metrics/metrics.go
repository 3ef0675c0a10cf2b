// Package metrics exposes tidechat's Prometheus instrumentation.
//
// All recorder methods are nil-safe: components take a *Registry and may be
// handed nil in tests or when metrics are disabled.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tidechat"

// Config controls which collectors are registered.
type Config struct {
	Enabled                 bool
	IncludeGoCollector      bool
	IncludeProcessCollector bool
}

// DefaultConfig enables everything.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
	}
}

// Registry owns a private Prometheus registry and the per-subsystem metric sets.
type Registry struct {
	prom *prometheus.Registry

	Delivery *DeliveryMetrics
	Storage  *StorageMetrics
}

// NewRegistry builds a registry. A disabled config returns nil, which every
// recorder treats as a no-op.
func NewRegistry(cfg Config) *Registry {
	if !cfg.Enabled {
		slog.Default().Info("metrics.disabled")
		return nil
	}

	r := &Registry{prom: prometheus.NewRegistry()}

	if cfg.IncludeGoCollector {
		r.prom.MustRegister(collectors.NewGoCollector())
	}
	if cfg.IncludeProcessCollector {
		r.prom.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	r.Delivery = newDeliveryMetrics(r.prom)
	r.Storage = newStorageMetrics(r.prom)
	return r
}

// Handler serves the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{Registry: r.prom})
}

// Prometheus returns the underlying registry (tests, custom collectors).
func (r *Registry) Prometheus() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.prom
}

// DeliveryMetrics covers the submit/broadcast/resync protocol.
type DeliveryMetrics struct {
	Submissions     *prometheus.CounterVec
	Broadcasts      prometheus.Counter
	Replayed        prometheus.Counter
	ResyncFailures  prometheus.Counter
	ResyncsSkipped  prometheus.Counter
	Evictions       *prometheus.CounterVec
	Recoveries      *prometheus.CounterVec
	SessionsCurrent prometheus.Gauge
}

func newDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	f := func(c prometheus.Collector) { reg.MustRegister(c) }

	m := &DeliveryMetrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "submissions_total",
			Help:      "Message submissions by outcome (accepted, duplicate, rejected).",
		}, []string{"outcome"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "broadcasts_total",
			Help:      "Accepted messages fanned out to connected sessions.",
		}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "resync_replayed_total",
			Help:      "Log records replayed to reconnecting sessions.",
		}),
		ResyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "resync_failures_total",
			Help:      "Resyncs that ended early because the log could not be read.",
		}),
		ResyncsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "resync_skipped_total",
			Help:      "Connections that skipped resync because the transport recovered them.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "evictions_total",
			Help:      "Sessions disconnected by the server, by reason.",
		}, []string{"reason"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "recoveries_total",
			Help:      "Transport recovery attempts by result (recovered, expired, behind, overflow).",
		}, []string{"result"}),
		SessionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "sessions",
			Help:      "Sessions currently registered for broadcast.",
		}),
	}

	f(m.Submissions)
	f(m.Broadcasts)
	f(m.Replayed)
	f(m.ResyncFailures)
	f(m.ResyncsSkipped)
	f(m.Evictions)
	f(m.Recoveries)
	f(m.SessionsCurrent)
	return m
}

// Submission outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// RecordSubmission counts one submit by outcome.
func (m *DeliveryMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

// RecordBroadcast counts one fanout.
func (m *DeliveryMetrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.Broadcasts.Inc()
}

// RecordResync records a finished resync.
func (m *DeliveryMetrics) RecordResync(replayed int, failed bool) {
	if m == nil {
		return
	}
	m.Replayed.Add(float64(replayed))
	if failed {
		m.ResyncFailures.Inc()
	}
}

// RecordResyncSkipped counts a connection that needed no replay.
func (m *DeliveryMetrics) RecordResyncSkipped() {
	if m == nil {
		return
	}
	m.ResyncsSkipped.Inc()
}

// RecordEviction counts a server-side disconnect.
func (m *DeliveryMetrics) RecordEviction(reason string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(reason).Inc()
}

// RecordRecovery counts a transport recovery attempt.
func (m *DeliveryMetrics) RecordRecovery(result string) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(result).Inc()
}

// SetSessions sets the connected-sessions gauge.
func (m *DeliveryMetrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsCurrent.Set(float64(n))
}

// StorageMetrics covers the durable log.
type StorageMetrics struct {
	AppendLatency *prometheus.HistogramVec
	ReadErrors    prometheus.Counter
}

func newStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	m := &StorageMetrics{
		AppendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "append_duration_seconds",
			Help:      "Latency of durable log appends by result.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"result"}),
		ReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "read_errors_total",
			Help:      "Failed durable log reads.",
		}),
	}
	reg.MustRegister(m.AppendLatency, m.ReadErrors)
	return m
}

// ObserveAppend records one append with its result label.
func (m *StorageMetrics) ObserveAppend(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.AppendLatency.WithLabelValues(result).Observe(d.Seconds())
}

// RecordReadError counts one failed read.
func (m *StorageMetrics) RecordReadError() {
	if m == nil {
		return
	}
	m.ReadErrors.Inc()
}

// DeliveryOf returns r.Delivery, or nil when r is nil.
func DeliveryOf(r *Registry) *DeliveryMetrics {
	if r == nil {
		return nil
	}
	return r.Delivery
}

// StorageOf returns r.Storage, or nil when r is nil.
func StorageOf(r *Registry) *StorageMetrics {
	if r == nil {
		return nil
	}
	return r.Storage
}
