package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	// MessagesTotal counts decoded stream messages by channel.
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "venue_guard_stream_messages_total", Help: "Decoded reference stream messages"},
		[]string{"channel"},
	)
	// ParseErrorsTotal counts malformed stream messages that were skipped.
	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "venue_guard_stream_parse_errors_total", Help: "Skipped malformed stream messages"},
		[]string{"channel"},
	)
	// ReconnectsTotal counts reconnect attempts after a failed dial or dropped connection.
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "venue_guard_stream_reconnects_total", Help: "Stream reconnect attempts"},
		[]string{"channel"},
	)
	// StreamsConnected tracks how many streams are currently connected.
	StreamsConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "venue_guard_streams_connected", Help: "Connected reference streams"},
		[]string{"channel"},
	)
	// CurrentOffset is the last calibrated offset per reference symbol.
	CurrentOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "venue_guard_offset", Help: "Mean reference minus execution price offset"},
		[]string{"symbol"},
	)
	// GateDecisionsTotal counts pre-filter outcomes by stage.
	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "venue_guard_gate_decisions_total", Help: "Pre-filter decisions"},
		[]string{"outcome", "stage"},
	)
	// GateLatency observes pre-filter evaluation time.
	GateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "venue_guard_gate_latency_seconds",
		Help:    "Pre-filter evaluation latency",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})
)

func init() {
	prometheus.MustRegister(MessagesTotal, ParseErrorsTotal, ReconnectsTotal, StreamsConnected,
		CurrentOffset, GateDecisionsTotal, GateLatency)
}
