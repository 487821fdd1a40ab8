// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives connection and rendering events for observability.
type MetricsCollector interface {
	MessageReceived(channel ChannelType, t MessageType, size int)
	MessageSent(channel ChannelType, t MessageType, size int)
	AckSent(channel ChannelType)
	HandshakeCompleted(channel ChannelType, d time.Duration)
	DrawApplied(op string)
	StreamFrame(codec VideoCodec, dropped bool)
	Error(channel ChannelType, code ErrorCode)
}

// NoOpMetrics is a MetricsCollector implementation that discards all metrics.
type NoOpMetrics struct{}

func (m *NoOpMetrics) MessageReceived(ChannelType, MessageType, int) {}
func (m *NoOpMetrics) MessageSent(ChannelType, MessageType, int)     {}
func (m *NoOpMetrics) AckSent(ChannelType)                           {}
func (m *NoOpMetrics) HandshakeCompleted(ChannelType, time.Duration) {}
func (m *NoOpMetrics) DrawApplied(string)                            {}
func (m *NoOpMetrics) StreamFrame(VideoCodec, bool)                  {}
func (m *NoOpMetrics) Error(ChannelType, ErrorCode)                  {}

// PrometheusMetrics exports client activity as Prometheus series.
type PrometheusMetrics struct {
	messagesReceived *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	acksSent         *prometheus.CounterVec
	handshake        *prometheus.HistogramVec
	draws            *prometheus.CounterVec
	streamFrames     *prometheus.CounterVec
	streamDrops      *prometheus.CounterVec
	errors           *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spice_messages_received_total",
			Help: "Steady-state messages received, by channel.",
		}, []string{"channel"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spice_message_bytes_received_total",
			Help: "Payload bytes received, by channel.",
		}, []string{"channel"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spice_messages_sent_total",
			Help: "Messages sent to the server, by channel.",
		}, []string{"channel"}),
		acksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spice_acks_sent_total",
			Help: "Flow-control acknowledgements sent, by channel.",
		}, []string{"channel"}),
		handshake: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spice_handshake_duration_seconds",
			Help:    "Time from construction to ready, by channel.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		draws: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spice_draws_total",
			Help: "Draw operations applied to surfaces, by operation.",
		}, []string{"op"}),
		streamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spice_stream_frames_total",
			Help: "Video stream chunks accepted for decode, by codec.",
		}, []string{"codec"}),
		streamDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spice_stream_drops_total",
			Help: "Video stream chunks dropped as late, by codec.",
		}, []string{"codec"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spice_errors_total",
			Help: "Errors reported, by channel and kind.",
		}, []string{"channel", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.messagesReceived, m.bytesReceived, m.messagesSent, m.acksSent,
			m.handshake, m.draws, m.streamFrames, m.streamDrops, m.errors)
	}
	return m
}

func (m *PrometheusMetrics) MessageReceived(ch ChannelType, _ MessageType, size int) {
	m.messagesReceived.WithLabelValues(ch.String()).Inc()
	m.bytesReceived.WithLabelValues(ch.String()).Add(float64(size))
}

func (m *PrometheusMetrics) MessageSent(ch ChannelType, _ MessageType, _ int) {
	m.messagesSent.WithLabelValues(ch.String()).Inc()
}

func (m *PrometheusMetrics) AckSent(ch ChannelType) {
	m.acksSent.WithLabelValues(ch.String()).Inc()
}

func (m *PrometheusMetrics) HandshakeCompleted(ch ChannelType, d time.Duration) {
	m.handshake.WithLabelValues(ch.String()).Observe(d.Seconds())
}

func (m *PrometheusMetrics) DrawApplied(op string) {
	m.draws.WithLabelValues(op).Inc()
}

func (m *PrometheusMetrics) StreamFrame(codec VideoCodec, dropped bool) {
	if dropped {
		m.streamDrops.WithLabelValues(codec.String()).Inc()
		return
	}
	m.streamFrames.WithLabelValues(codec.String()).Inc()
}

func (m *PrometheusMetrics) Error(ch ChannelType, code ErrorCode) {
	m.errors.WithLabelValues(ch.String(), code.String()).Inc()
}
