package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Metrics = struct {
	ConnectAttempts  *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	MessagesInbound  *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	SendErrors       *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	PipelineErrors   *prometheus.CounterVec
	ChannelsUp       prometheus.Gauge
}{
	ConnectAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts by channel and outcome.",
	}, []string{"channel", "outcome"}),

	Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "reconnects_total",
		Help:      "Scheduled reconnects by channel.",
	}, []string{"channel"}),

	MessagesInbound: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "messages_inbound_total",
		Help:      "Normalized inbound messages surfaced to subscribers by channel.",
	}, []string{"channel"}),

	MessagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "messages_dropped_total",
		Help:      "Inbound messages dropped by policy, with the reason.",
	}, []string{"channel", "reason"}),

	MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "messages_sent_total",
		Help:      "Outbound messages delivered by channel.",
	}, []string{"channel"}),

	SendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "send_errors_total",
		Help:      "Failed outbound sends by channel.",
	}, []string{"channel"}),

	PipelineDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "courier",
		Name:      "pipeline_duration_seconds",
		Help:      "End-to-end inbound pipeline duration by channel.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"}),

	PipelineErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "pipeline_errors_total",
		Help:      "Inbound pipeline failures by channel and stage.",
	}, []string{"channel", "stage"}),

	ChannelsUp: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier",
		Name:      "channels_up",
		Help:      "Number of channels currently connected.",
	}),
}
