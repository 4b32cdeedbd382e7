package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	AuthRejections    *prometheus.CounterVec

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessageErrors    *prometheus.CounterVec

	// Mutation metrics
	MutationDuration *prometheus.HistogramVec
	RecordsWritten   prometheus.Counter
	DedupHits        prometheus.Counter
	DedupEntries     prometheus.Gauge

	// Fanout metrics
	FanoutDeliveries *prometheus.CounterVec
	SlowConsumers    prometheus.Counter

	// Presence metrics
	RoomsActive prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics on the default registerer
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates metrics registered on reg. Tests pass a
// fresh registry so constructors can run more than once per process.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "attendance_sync_connections_active",
				Help: "Number of currently enrolled connections",
			},
		),

		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_sync_connections_total",
				Help: "Total number of accepted connections",
			},
			[]string{"codec"},
		),

		AuthRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_sync_auth_rejections_total",
				Help: "Total number of rejected handshakes",
			},
			[]string{"reason"},
		),

		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_sync_messages_received_total",
				Help: "Total number of inbound messages",
			},
			[]string{"type"},
		),

		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_sync_messages_sent_total",
				Help: "Total number of outbound messages",
			},
			[]string{"type"},
		),

		MessageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_sync_message_errors_total",
				Help: "Total number of failed inbound messages",
			},
			[]string{"type", "code"},
		),

		MutationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attendance_sync_mutation_duration_seconds",
				Help:    "Duration of attendance mutations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		RecordsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "attendance_sync_records_written_total",
				Help: "Total number of attendance records upserted",
			},
		),

		DedupHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "attendance_sync_dedup_hits_total",
				Help: "Total number of submissions dropped as duplicates",
			},
		),

		DedupEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "attendance_sync_dedup_entries",
				Help: "Number of fingerprints currently tracked",
			},
		),

		FanoutDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_sync_fanout_deliveries_total",
				Help: "Total number of broadcast deliveries",
			},
			[]string{"type", "status"},
		),

		SlowConsumers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "attendance_sync_slow_consumers_total",
				Help: "Total number of connections closed for a full send queue",
			},
		),

		RoomsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "attendance_sync_rooms_active",
				Help: "Number of presence rooms with at least one member",
			},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_sync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// RecordMutation records the outcome and duration of an attendance mutation
func (m *Metrics) RecordMutation(status string, records int, duration time.Duration) {
	m.MutationDuration.WithLabelValues(status).Observe(duration.Seconds())
	if status == "success" {
		m.RecordsWritten.Add(float64(records))
	}
}

// RecordFanout records broadcast delivery counts
func (m *Metrics) RecordFanout(eventType string, delivered, dropped int) {
	if delivered > 0 {
		m.FanoutDeliveries.WithLabelValues(eventType, "delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		m.FanoutDeliveries.WithLabelValues(eventType, "dropped").Add(float64(dropped))
	}
}

// RecordMessageError records a failed inbound message
func (m *Metrics) RecordMessageError(msgType, code string) {
	m.MessageErrors.WithLabelValues(msgType, code).Inc()
}
