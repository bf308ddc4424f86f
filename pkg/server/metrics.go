package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's prometheus instruments. Each server instance
// carries its own registry so multiple instances (tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	disconnects     prometheus.Counter
	framesReceived  *prometheus.CounterVec
	framesSent      prometheus.Counter
	broadcasts      prometheus.Counter
	broadcastFanout prometheus.Histogram
	offences        prometheus.Counter
	timeouts        prometheus.Counter
	decryptFailures prometheus.Counter
}

// NewMetrics creates the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_sessions_active",
			Help: "Number of currently connected sessions.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_sessions_total",
			Help: "Total sessions admitted since start.",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_disconnects_total",
			Help: "Total sessions removed (disconnect, kick, or sweep).",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_received_total",
			Help: "Frames received from clients by kind.",
		}, []string{"kind"}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_frames_sent_total",
			Help: "Frames written to clients.",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_broadcasts_total",
			Help: "Messages broadcast to a room.",
		}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_broadcast_fanout",
			Help:    "Recipients per broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		offences: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_rate_limit_offences_total",
			Help: "Messages dropped for violating the spacing threshold.",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_rate_limit_timeouts_total",
			Help: "Sessions placed in the spam timeout state.",
		}),
		decryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_decrypt_failures_total",
			Help: "Frames that failed envelope decryption.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	m.disconnects.Inc()
}

func (m *Metrics) RecordFrameReceived(kind string) {
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordFrameSent() {
	m.framesSent.Inc()
}

func (m *Metrics) RecordBroadcast(fanout int) {
	m.broadcasts.Inc()
	m.broadcastFanout.Observe(float64(fanout))
}

func (m *Metrics) RecordOffence() {
	m.offences.Inc()
}

func (m *Metrics) RecordTimeout() {
	m.timeouts.Inc()
}

func (m *Metrics) RecordDecryptFailure() {
	m.decryptFailures.Inc()
}
