package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buoytracker_packets_total",
			Help: "Decoded mesh packets by port.",
		},
		[]string{"port", "special"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buoytracker_decode_errors_total",
			Help: "Packets dropped at decode by reason.",
		},
		[]string{"reason"},
	)

	QueueDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buoytracker_queue_drops_total",
			Help: "Messages dropped because the processor queue was full.",
		},
	)

	ProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buoytracker_process_duration_seconds",
			Help:    "Per-packet processing latency.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	NodesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buoytracker_nodes_tracked",
			Help: "Nodes currently in the state store.",
		},
	)

	NodesWithFix = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buoytracker_nodes_with_fix",
			Help: "Tracked nodes with a known position.",
		},
	)

	GatewayEdgesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buoytracker_gateway_edges_total",
			Help: "Gateway edges recorded by confidence.",
		},
		[]string{"confidence"},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buoytracker_alerts_total",
			Help: "Alert dispatch outcomes by kind.",
		},
		[]string{"kind", "outcome"},
	)

	SnapshotSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buoytracker_snapshot_saves_total",
			Help: "Persistence snapshot attempts by outcome.",
		},
		[]string{"outcome"},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buoytracker_snapshot_duration_seconds",
			Help:    "Snapshot serialization and write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	MQTTConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buoytracker_mqtt_connected",
			Help: "Broker connection state (0/1).",
		},
	)

	LastPacketTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buoytracker_last_packet_timestamp_seconds",
			Help: "Unix timestamp of the last processed packet.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		PacketsTotal,
		DecodeErrorsTotal,
		QueueDropsTotal,
		ProcessDuration,
		NodesTracked,
		NodesWithFix,
		GatewayEdgesTotal,
		AlertsTotal,
		SnapshotSavesTotal,
		SnapshotDuration,
		MQTTConnected,
		LastPacketTimestamp,
	)
}
