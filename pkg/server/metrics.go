package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	registeredSessions   prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	registrations        *prometheus.CounterVec // by result

	// Traffic
	unitsReceived     *prometheus.CounterVec // by unit kind
	messagesDelivered *prometheus.CounterVec // by message kind
	recipientNotFound prometheus.Counter
	transfers         *prometheus.CounterVec // by outcome
	filesRelayed      *prometheus.CounterVec // by mime type
	malformedFrames   prometheus.Counter

	// Failures
	persistenceFailures prometheus.Counter
	writeFailures       prometheus.Counter

	// Broadcasts
	presenceBroadcasts prometheus.Counter
	broadcastFanout    prometheus.Histogram
	broadcastDuration  *prometheus.HistogramVec

	listenOverflows prometheus.Counter
}

// NewMetrics registers the relay metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of open connections",
		}),
		registeredSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_registered_sessions",
			Help: "Current number of sessions holding a nickname",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of connections accepted",
		}),
		sessionsDisconnected: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_disconnected_total",
			Help: "Total number of connections closed",
		}),
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_registrations_total",
			Help: "Registration attempts by result",
		}, []string{"result"}),
		unitsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_units_received_total",
			Help: "Complete units assembled from client streams by kind",
		}, []string{"kind"}),
		messagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Direct messages and files delivered to their recipient",
		}, []string{"kind"}),
		recipientNotFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_recipient_not_found_total",
			Help: "Messages addressed to a nickname that is not online",
		}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_file_transfers_total",
			Help: "File transfers by outcome",
		}, []string{"outcome"}),
		filesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_files_relayed_total",
			Help: "Relayed files by detected MIME type",
		}, []string{"mime"}),
		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_malformed_frames_total",
			Help: "Byte runs discarded because they could not be framed",
		}),
		persistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_persistence_failures_total",
			Help: "Messages that could not be written to the history store",
		}),
		writeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_write_failures_total",
			Help: "Writes to client connections that failed",
		}),
		presenceBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_presence_broadcasts_total",
			Help: "Presence lists broadcast",
		}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_presence_fanout",
			Help:    "Number of sessions that received each presence list",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
		}),
		broadcastDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_broadcast_duration_seconds",
			Help:    "Time taken to write a broadcast to all recipients",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		listenOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_listen_overflows_total",
			Help: "Connections dropped by the kernel because the accept backlog was full",
		}),
	}
}

// RecordActiveSessions updates the open connection count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordRegisteredSessions updates the registered session count
func (m *Metrics) RecordRegisteredSessions(count int) {
	m.registeredSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordRegistration counts a registration attempt ("ok", "duplicate", "invalid")
func (m *Metrics) RecordRegistration(result string) {
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordUnitReceived(kind string) {
	m.unitsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageDelivered(kind string) {
	m.messagesDelivered.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRecipientNotFound() {
	m.recipientNotFound.Inc()
}

// RecordTransfer counts a file transfer outcome ("completed", "timeout", "rejected")
func (m *Metrics) RecordTransfer(outcome string) {
	m.transfers.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordFileRelayed(mime string) {
	m.filesRelayed.WithLabelValues(mime).Inc()
}

func (m *Metrics) RecordMalformedFrame() {
	m.malformedFrames.Inc()
}

func (m *Metrics) RecordPersistenceFailure() {
	m.persistenceFailures.Inc()
}

func (m *Metrics) RecordWriteFailure() {
	m.writeFailures.Inc()
}

// RecordPresenceBroadcast counts a presence broadcast and its fanout
func (m *Metrics) RecordPresenceBroadcast(recipients int) {
	m.presenceBroadcasts.Inc()
	m.broadcastFanout.Observe(float64(recipients))
}

// RecordBroadcastDuration records how long a broadcast took
func (m *Metrics) RecordBroadcastDuration(broadcastType string, durationSeconds float64) {
	m.broadcastDuration.WithLabelValues(broadcastType).Observe(durationSeconds)
}

func (m *Metrics) RecordListenOverflows(n uint64) {
	m.listenOverflows.Add(float64(n))
}
