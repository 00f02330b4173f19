// Package metrics holds the Prometheus collectors for the ingest client.
// Collectors register on the default registry and are served by the local
// webserver at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ingest_client"

var (
	// Transport
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Envelopes written to the websocket, by event",
		},
		[]string{"event"},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Envelopes decoded from the websocket, by event",
		},
		[]string{"event"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped, by reason",
		},
		[]string{"reason"}, // "malformed", "binary", "unrouted"
	)

	WriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Failed websocket writes; the envelope is requeued",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Envelopes waiting in the live session's outbound queue",
		},
	)

	// Session lifecycle
	Sessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions ended, by final state",
		},
		[]string{"result"}, // "closed", "failed"
	)

	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a transport is connected",
		},
	)

	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat envelopes enqueued",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Session start attempts made by the supervisor",
		},
	)

	// Uploads
	ActiveUploads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_uploads",
			Help:      "Upload trackers currently open",
		},
	)

	PartsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parts_completed_total",
			Help:      "Upload parts marked complete",
		},
	)

	UploadsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_finished_total",
			Help:      "Uploads whose durable state was purged, by reason",
		},
		[]string{"reason"}, // "completed", "cancelled"
	)
)

// SetConnected records the transport state.
func SetConnected(v bool) {
	if v {
		Connected.Set(1)
		return
	}

	Connected.Set(0)
}

// RecordSessionEnd counts a finished session.
func RecordSessionEnd(err error) {
	if err != nil {
		Sessions.WithLabelValues("failed").Inc()
		return
	}

	Sessions.WithLabelValues("closed").Inc()
}
