// Package metrics provides Prometheus instrumentation for a CurveCP
// responder (C6's multiplexer) and the reliable messager (C4), grouped
// the way Muti Metroo groups its per-subsystem counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "curvecp"

// Metrics holds every counter and gauge the responder and messager
// report. Nil-valued *Metrics are never handed out; use New or NewNop.
type Metrics struct {
	HelloAccepted     prometheus.Counter
	HelloRejectedCtr  prometheus.Counter
	CookieIssuedCtr   prometheus.Counter
	InitiateAccepted  prometheus.Counter
	InitiateRejCtr    prometheus.Counter
	MessageRejectedCtr prometheus.Counter

	SessionsActive       prometheus.Gauge
	SessionsEstablished  prometheus.Counter
	SessionsClosedCtr    prometheus.Counter
	SessionsEvictedCtr   prometheus.Counter

	BytesSent       *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	Retransmits     prometheus.Counter
	RTT             prometheus.Histogram
	TxInterval      prometheus.Histogram
}

// New creates a Metrics registered against the default Prometheus
// registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics registered against reg, so a daemon
// can run more than one responder without name collisions.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HelloAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hello_accepted_total",
			Help:      "Total Hello packets that passed validation and received a Cookie",
		}),
		HelloRejectedCtr: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hello_rejected_total",
			Help:      "Total Hello packets dropped for failing validation",
		}),
		CookieIssuedCtr: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cookie_issued_total",
			Help:      "Total Cookie packets issued",
		}),
		InitiateAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "initiate_accepted_total",
			Help:      "Total Initiate packets that established a session",
		}),
		InitiateRejCtr: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "initiate_rejected_total",
			Help:      "Total Initiate packets dropped for failing validation",
		}),
		MessageRejectedCtr: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_rejected_total",
			Help:      "Total Message packets dropped for failing to open or replaying a nonce counter",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently established sessions",
		}),
		SessionsEstablished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_established_total",
			Help:      "Total sessions established since start",
		}),
		SessionsClosedCtr: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total sessions that reached a clean end-of-stream and were reclaimed",
		}),
		SessionsEvictedCtr: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Total sessions forcibly evicted to make room under the session cap",
		}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent by packet type",
		}, []string{"packet"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received by packet type",
		}, []string{"packet"}),
		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Total blocks retransmitted after a pacing timeout",
		}),
		RTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Observed round-trip time per acknowledged block",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		TxInterval: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_interval_seconds",
			Help:      "Congestion-controlled pacing interval between new blocks",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
		}),
	}
}

// NewNop returns a Metrics wired to a private, discarded registry, for
// callers that don't want to configure one (tests, one-off clients).
func NewNop() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// HelloRejected records a Hello packet dropped during validation.
func (m *Metrics) HelloRejected() { m.HelloRejectedCtr.Inc() }

// CookieIssued records a Cookie packet sent in reply to a valid Hello.
func (m *Metrics) CookieIssued() { m.CookieIssuedCtr.Inc() }

// InitiateRejected records an Initiate packet dropped during
// validation.
func (m *Metrics) InitiateRejected() { m.InitiateRejCtr.Inc() }

// SessionEstablished records a newly ESTABLISHED session.
func (m *Metrics) SessionEstablished() {
	m.SessionsEstablished.Inc()
	m.SessionsActive.Inc()
}

// MessageRejected records a client- or server-Message packet that failed
// to open under the session's shared key, or whose nonce counter was not
// above the last one accepted.
func (m *Metrics) MessageRejected() { m.MessageRejectedCtr.Inc() }

// SessionClosed records a session reclaimed after reaching end-of-stream
// on both directions.
func (m *Metrics) SessionClosed() {
	m.SessionsClosedCtr.Inc()
	m.SessionsActive.Dec()
}

// SessionEvicted records a session forcibly dropped to make room for a
// new one under the session cap.
func (m *Metrics) SessionEvicted() {
	m.SessionsEvictedCtr.Inc()
	m.SessionsActive.Dec()
}

// ObserveRTT records one round-trip time sample from the congestion
// scheduler.
func (m *Metrics) ObserveRTT(seconds float64) { m.RTT.Observe(seconds) }

// ObserveTxInterval records the current pacing interval.
func (m *Metrics) ObserveTxInterval(seconds float64) { m.TxInterval.Observe(seconds) }

// RecordRetransmit records one block retransmission.
func (m *Metrics) RecordRetransmit() { m.Retransmits.Inc() }

// RecordBytesSent records bytes sent for a given packet type ("hello",
// "cookie", "initiate", "client-message", "server-message").
func (m *Metrics) RecordBytesSent(packet string, n int) {
	m.BytesSent.WithLabelValues(packet).Add(float64(n))
}

// RecordBytesReceived records bytes received for a given packet type.
func (m *Metrics) RecordBytesReceived(packet string, n int) {
	m.BytesReceived.WithLabelValues(packet).Add(float64(n))
}
