// Package metrics provides Prometheus metrics for bcproxy.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "bcproxy"

// OverflowPackage is used as the package label when the number of unique
// extension packages exceeds MaxPackages.
const OverflowPackage = "__other__"

// Session failure reasons.
const (
	ReasonUpstreamConnect = "upstream_connect_failed"
	ReasonDialTimeout     = "dial_timeout"
	ReasonSessionLimit    = "session_limit"
	ReasonPanic           = "panic"
)

// Relay directions.
const (
	DirClientToServer = "client_to_server"
	DirServerToClient = "server_to_client"
)

// Metrics holds all Prometheus metrics for bcproxy. All methods are safe
// to call on a nil receiver, which disables collection.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxPackages is the maximum number of unique extension-package label
	// values. Once exceeded, new packages are recorded as OverflowPackage.
	// Zero means unlimited.
	MaxPackages int

	sessionsTotal   *prometheus.CounterVec
	sessionsRefused *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionDuration prometheus.Histogram
	dialDuration    prometheus.Histogram
	dialRetries     prometheus.Counter
	eventsTotal     *prometheus.CounterVec
	eventsDiscarded *prometheus.CounterVec

	packageCount atomic.Int64
	packages     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total relay sessions that completed setup and started pumping.",
		}, []string{"status"}),

		sessionsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_refused_total",
			Help:      "Total client connections that never became a session, by reason.",
		}, []string{"reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes forwarded, by direction.",
		}, []string{"direction"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently running relay sessions.",
		}),

		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 1800, 3600, 14400, 86400},
		}),

		dialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_duration_seconds",
			Help:      "Total time spent dialing the upstream, including retry backoff, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		dialRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dial_retries_total",
			Help:      "Total number of upstream dial retry attempts.",
		}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_events_total",
			Help:      "Total decoded extension events, by direction and package.",
		}, []string{"direction", "package"}),

		eventsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_events_discarded_total",
			Help:      "Total discarded sub-negotiations (malformed payloads and framing violations), by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.sessionsRefused,
		m.bytesTotal,
		m.activeSessions,
		m.sessionDuration,
		m.dialDuration,
		m.dialRetries,
		m.eventsTotal,
		m.eventsDiscarded,
	)

	return m
}

// SanitizePackage returns pkg if it is within the cardinality budget, or
// OverflowPackage if the cap has been reached. Packages seen before are
// always returned as-is.
func (m *Metrics) SanitizePackage(pkg string) string {
	if m == nil || m.MaxPackages <= 0 {
		return pkg
	}

	for {
		// Fast path: already-known package.
		if _, ok := m.packages.Load(pkg); ok {
			return pkg
		}

		cur := m.packageCount.Load()
		if cur >= int64(m.MaxPackages) {
			// Re-check: another goroutine may have stored this package
			// between our Load and this cap check.
			if _, ok := m.packages.Load(pkg); ok {
				return pkg
			}
			return OverflowPackage
		}

		// Try to reserve a slot atomically.
		if !m.packageCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		// Slot reserved. Store the package, undoing the increment if
		// another goroutine stored it first.
		if _, loaded := m.packages.LoadOrStore(pkg, struct{}{}); loaded {
			m.packageCount.Add(-1)
		}

		return pkg
	}
}

// SessionOpened increments the active session gauge and should be called
// when a session starts pumping. Returns a SessionTracker to record the
// outcome when the session ends.
func (m *Metrics) SessionOpened() *SessionTracker {
	if m == nil {
		return nil
	}
	m.activeSessions.Inc()
	return &SessionTracker{m: m}
}

// SessionRefused records a client connection that never became a session.
func (m *Metrics) SessionRefused(reason string) {
	if m == nil {
		return
	}
	m.sessionsRefused.WithLabelValues(reason).Inc()
}

// EventRelayed records a decoded extension event.
func (m *Metrics) EventRelayed(direction, pkg string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(direction, m.SanitizePackage(pkg)).Inc()
}

// EventDiscarded records a dropped sub-negotiation.
func (m *Metrics) EventDiscarded(direction string) {
	if m == nil {
		return
	}
	m.eventsDiscarded.WithLabelValues(direction).Inc()
}

// ObserveDialDuration records how long an upstream dial took.
func (m *Metrics) ObserveDialDuration(seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.Observe(seconds)
}

// DialRetry counts one upstream dial retry attempt.
func (m *Metrics) DialRetry() {
	if m == nil {
		return
	}
	m.dialRetries.Inc()
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback. Use this to distinguish timeout errors from other dial
// failures.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// SessionTracker records the outcome of a single session.
type SessionTracker struct {
	m *Metrics
}

// Done records the completion of a session.
func (t *SessionTracker) Done(durationSec float64, clientToServer, serverToClient int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeSessions.Dec()
	t.m.sessionsTotal.WithLabelValues(status).Inc()
	t.m.sessionDuration.Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(DirClientToServer).Add(float64(clientToServer))
	t.m.bytesTotal.WithLabelValues(DirServerToClient).Add(float64(serverToClient))
}
