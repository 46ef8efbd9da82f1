// Package metrics holds the Prometheus instruments of the live data client.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"tickgofer/internal/livedata"
)

const namespace = "tickgofer"

// Metrics groups the client's counters and gauges
type Metrics struct {
	requests          *prometheus.CounterVec
	results           *prometheus.CounterVec
	ticks             *prometheus.CounterVec
	cancels           prometheus.Counter
	heartbeats        *prometheus.CounterVec
	entitlementChecks *prometheus.CounterVec
	resolverLookups   *prometheus.CounterVec
	pendingHandles    prometheus.Gauge
}

// New creates the instruments and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Subscription requests sent, by kind",
		}, []string{"kind"}),

		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "results_total",
			Help:      "Subscription results delivered to listeners, by code",
		}, []string{"code"}),

		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "ticks_total",
			Help:      "Value updates by outcome (delivered, buffered, discarded)",
		}, []string{"outcome"}),

		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "publication_cancels_total",
			Help:      "Streams cancelled at the transport",
		}),

		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "sent_total",
			Help:      "Heartbeats sent, by outcome",
		}, []string{"outcome"}),

		entitlementChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "checks_total",
			Help:      "Entitlement checks, by outcome",
		}, []string{"outcome"}),

		resolverLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "lookups_total",
			Help:      "Specification lookups, by cache outcome",
		}, []string{"outcome"}),

		pendingHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_handles",
			Help:      "Handles waiting for their snapshot",
		}),
	}

	if reg == nil {
		return m, nil
	}

	collectors := []prometheus.Collector{
		m.requests, m.results, m.ticks, m.cancels,
		m.heartbeats, m.entitlementChecks, m.resolverLookups, m.pendingHandles,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Tick outcomes
const (
	TickDelivered = "delivered"
	TickBuffered  = "buffered"
	TickDiscarded = "discarded"
)

// Outcome labels shared by heartbeat, entitlement and resolver counters
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
)

// Request counts one request of the given kind
func (m *Metrics) Request(kind livedata.SubscriptionKind) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(kind)).Inc()
}

// Result counts one delivered result
func (m *Metrics) Result(code livedata.ResultCode) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(string(code)).Inc()
}

// Ticks counts n updates with the given outcome
func (m *Metrics) Ticks(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ticks.WithLabelValues(outcome).Add(float64(n))
}

// Cancel counts one transport cancel
func (m *Metrics) Cancel() {
	if m == nil {
		return
	}
	m.cancels.Inc()
}

// Heartbeat counts one heartbeat run
func (m *Metrics) Heartbeat(err error) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(outcome(err)).Inc()
}

// Entitlement counts one entitlement check
func (m *Metrics) Entitlement(err error) {
	if m == nil {
		return
	}
	m.entitlementChecks.WithLabelValues(outcome(err)).Inc()
}

// ResolverLookups counts n lookups with the given cache outcome
func (m *Metrics) ResolverLookups(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resolverLookups.WithLabelValues(outcome).Add(float64(n))
}

// PendingHandles adjusts the pending handle gauge
func (m *Metrics) PendingHandles(delta int) {
	if m == nil {
		return
	}
	m.pendingHandles.Add(float64(delta))
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
