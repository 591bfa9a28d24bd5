// Package metrics exposes Prometheus counters for the broker, the client and
// the ingest sources. Collectors live on the default registry and are
// registered once on first use.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mpipe"

var (
	registerOnce sync.Once

	subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "subscribers",
		Help:      "Currently registered subscribers.",
	})
	framesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "frames_written_total",
		Help:      "Frames written to the broker by producers.",
	})
	framesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "frames_forwarded_total",
		Help:      "Frames delivered to individual subscribers.",
	})
	framesGated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "frames_gated_total",
		Help:      "Frames withheld from subscribers still waiting for a keyframe.",
	})
	sendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "send_errors_total",
		Help:      "Failed deliveries; each one drops the subscriber.",
	})
	authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "auth_failures_total",
		Help:      "Subscription requests rejected for an invalid token.",
	})
	handshakeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "handshake_retries_total",
		Help:      "Reconnects caused by a handshake timeout.",
	})
	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "frames_received_total",
		Help:      "Frames surfaced to client callers.",
	})
	ingestPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "packets_total",
		Help:      "Packets accepted from ingest sources.",
	}, []string{"source"})
	ingestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "errors_total",
		Help:      "Packets or reads rejected by ingest sources.",
	}, []string{"source"})
)

// Register adds every collector to the default registry. It is idempotent.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			subscribers, framesWritten, framesForwarded, framesGated, sendErrors, authFailures,
			handshakeRetries, framesReceived, ingestPackets, ingestErrors,
		)
	})
}

// SubscriberGauge returns the collector behind SubscriberAdded and
// SubscriberRemoved.
func SubscriberGauge() prometheus.Gauge { return subscribers }

func SubscriberAdded()   { subscribers.Inc() }
func SubscriberRemoved() { subscribers.Dec() }

func FrameWritten()   { framesWritten.Inc() }
func FrameForwarded() { framesForwarded.Inc() }
func FrameGated()     { framesGated.Inc() }
func SendError()      { sendErrors.Inc() }
func AuthFailure()    { authFailures.Inc() }

func HandshakeRetry() { handshakeRetries.Inc() }
func FrameReceived()  { framesReceived.Inc() }

// IngestPacket counts one accepted packet from source ("rtp" or "srt").
func IngestPacket(source string) { ingestPackets.WithLabelValues(source).Inc() }

// IngestError counts one rejected packet or failed read from source.
func IngestError(source string) { ingestErrors.WithLabelValues(source).Inc() }
