package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the relay's prometheus collectors on a private registry so
// several relays (or tests) can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	FramesReceived *prometheus.CounterVec // source
	ProtocolErrors *prometheus.CounterVec // source
	MessagesRouted *prometheus.CounterVec // source, type

	DownstreamConnections prometheus.Gauge
	BroadcastDeliveries   *prometheus.CounterVec // result

	UplinkState           prometheus.Gauge
	UplinkConnectAttempts prometheus.Counter
	UplinkConnectFailures prometheus.Counter
	UplinkSessionsLost    prometheus.Counter
	KPIForwarded          *prometheus.CounterVec // result

	RecommendationRequests *prometheus.CounterVec // outcome
	CommandRequests        *prometheus.CounterVec // status

	KPISinkErrors         *prometheus.CounterVec // sink
	KPIMeasurementChanges prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airelay_frames_received_total",
				Help: "Frames decoded, by source",
			},
			[]string{"source"},
		),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airelay_protocol_errors_total",
				Help: "Frames dropped because the body was not a usable message",
			},
			[]string{"source"},
		),
		MessagesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airelay_messages_total",
				Help: "Messages dispatched by the router, by source and type",
			},
			[]string{"source", "type"},
		),
		DownstreamConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "airelay_xapp_connections",
				Help: "Registered xApp connections",
			},
		),
		BroadcastDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airelay_broadcast_deliveries_total",
				Help: "Per-connection control deliveries, by result",
			},
			[]string{"result"},
		),
		UplinkState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "airelay_uplink_state",
				Help: "Uplink state: 0 disconnected, 1 connecting, 2 connected",
			},
		),
		UplinkConnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "airelay_uplink_connect_attempts_total",
				Help: "Connection attempts to the AI engine",
			},
		),
		UplinkConnectFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "airelay_uplink_connect_failures_total",
				Help: "Failed connection attempts to the AI engine",
			},
		),
		UplinkSessionsLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "airelay_uplink_sessions_lost_total",
				Help: "Established uplink sessions that were invalidated",
			},
		),
		KPIForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airelay_kpi_forwarded_total",
				Help: "KPI reports handed to the uplink, by result",
			},
			[]string{"result"},
		),
		RecommendationRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airelay_recommendation_requests_total",
				Help: "Recommendation requests proxied, by outcome",
			},
			[]string{"outcome"},
		),
		CommandRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airelay_command_requests_total",
				Help: "Command interface requests, by response status",
			},
			[]string{"status"},
		),
		KPISinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airelay_kpi_sink_errors_total",
				Help: "Failed KPI row writes, by sink",
			},
			[]string{"sink"},
		),
		KPIMeasurementChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "airelay_kpi_measurement_changes_total",
				Help: "Cell measurements whose value changed since the previous report",
			},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesReceived,
		m.ProtocolErrors,
		m.MessagesRouted,
		m.DownstreamConnections,
		m.BroadcastDeliveries,
		m.UplinkState,
		m.UplinkConnectAttempts,
		m.UplinkConnectFailures,
		m.UplinkSessionsLost,
		m.KPIForwarded,
		m.RecommendationRequests,
		m.CommandRequests,
		m.KPISinkErrors,
		m.KPIMeasurementChanges,
	)
	return m
}
