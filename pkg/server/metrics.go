package server

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/aeolun/minichat/pkg/rooms"
)

// Metrics holds all Prometheus metrics for the server. Each instance owns its
// own registry so several servers can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec // by transport
	sessionsDisconnected prometheus.Counter
	handshakes           *prometheus.CounterVec // by result

	// Message type metrics
	requestsReceived *prometheus.CounterVec // by request type
	responsesSent    *prometheus.CounterVec // by response type
	directMessages   *prometheus.CounterVec // by result

	// Room metrics
	roomSubscribers     *prometheus.GaugeVec
	broadcastFanout     prometheus.Histogram
	subscriberOverflows *prometheus.CounterVec // by policy

	listenOverflows prometheus.Counter
}

var _ rooms.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "minichat_active_sessions",
				Help: "Current number of active sessions",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "minichat_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_handshakes_total",
				Help: "Secure handshakes attempted, by result",
			},
			[]string{"result"},
		),
		requestsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_requests_received_total",
				Help: "Total number of requests received from clients by type",
			},
			[]string{"type"},
		),
		responsesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_responses_sent_total",
				Help: "Total number of responses sent to clients by type",
			},
			[]string{"type"},
		),
		directMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_direct_messages_total",
				Help: "Direct messages routed between users, by result",
			},
			[]string{"result"},
		),
		roomSubscribers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "minichat_room_subscribers",
				Help: "Number of active subscribers per room",
			},
			[]string{"room"},
		),
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "minichat_broadcast_fanout",
				Help:    "Number of subscribers that received each room broadcast",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		subscriberOverflows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_subscriber_overflows_total",
				Help: "Room events a subscriber could not buffer, by overflow policy",
			},
			[]string{"policy"},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "minichat_listen_overflows_total",
				Help: "Connections the kernel rejected due to listen backlog overflow",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordHandshake counts a completed or failed handshake
func (m *Metrics) RecordHandshake(ok bool) {
	if ok {
		m.handshakes.WithLabelValues("ok").Inc()
		return
	}
	m.handshakes.WithLabelValues("failed").Inc()
}

// RecordRequestReceived increments the request counter for a type
func (m *Metrics) RecordRequestReceived(requestType uint8) {
	m.requestsReceived.WithLabelValues(protocol.TypeName(requestType)).Inc()
}

// RecordResponseSent increments the response counter for a type
func (m *Metrics) RecordResponseSent(responseType uint8) {
	m.responsesSent.WithLabelValues(protocol.TypeName(responseType)).Inc()
}

// RecordDirectMessage counts a routed or rejected direct message
func (m *Metrics) RecordDirectMessage(result string) {
	m.directMessages.WithLabelValues(result).Inc()
}

// RecordListenOverflows adds kernel-reported listen queue drops
func (m *Metrics) RecordListenOverflows(delta uint64) {
	m.listenOverflows.Add(float64(delta))
}

// RoomSubscribers updates the subscriber count for a room
func (m *Metrics) RoomSubscribers(room string, count int) {
	m.roomSubscribers.WithLabelValues(room).Set(float64(count))
}

// Broadcast records how many subscribers received a room event
func (m *Metrics) Broadcast(_ string, fanout int) {
	m.broadcastFanout.Observe(float64(fanout))
}

// SubscriberOverflow counts and logs an event a subscriber could not take
func (m *Metrics) SubscriberOverflow(room, nickname string, policy rooms.OverflowPolicy) {
	m.subscriberOverflows.WithLabelValues(policy.String()).Inc()
	if policy == rooms.OverflowEvict {
		log.Printf("Room %s: evicted lagging subscriber %s", room, nickname)
		return
	}
	debugLog.Printf("Room %s: dropped event for lagging subscriber %s", room, nickname)
}
