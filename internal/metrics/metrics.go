package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "winmesh",
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Messages queued for delivery, by kind.",
		},
		[]string{"transport", "kind"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "winmesh",
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages surfaced to local subscribers.",
		},
		[]string{"transport"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "winmesh",
			Subsystem: "messages",
			Name:      "deliveries_total",
			Help:      "Completed deliveries by outcome (acked|timeout).",
		},
		[]string{"transport", "outcome"},
	)
	payloadsOffloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "winmesh",
			Subsystem: "messages",
			Name:      "payloads_offloaded_total",
			Help:      "Payloads moved to a dedicated store key.",
		},
	)
	peersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "winmesh",
			Subsystem: "peers",
			Name:      "reaped_total",
			Help:      "Dead peer records removed from the store.",
		},
	)
	identityCollisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "winmesh",
			Subsystem: "peers",
			Name:      "identity_collisions_total",
			Help:      "Times this process regenerated its id after detecting a duplicate.",
		},
	)
	knownPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "winmesh",
			Subsystem: "peers",
			Name:      "known",
			Help:      "Peers in the last published list.",
		},
		[]string{"transport"},
	)
	outboxSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "winmesh",
			Subsystem: "outbox",
			Name:      "entries",
			Help:      "Entries in the local outbox after the last tick.",
		},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "winmesh",
			Subsystem: "heartbeat",
			Name:      "tick_duration_seconds",
			Help:      "Heartbeat tick duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	tickErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "winmesh",
			Subsystem: "heartbeat",
			Name:      "errors_total",
			Help:      "Ticks that failed to publish this peer's record.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			messagesSent, messagesReceived, deliveries, payloadsOffloaded,
			peersReaped, identityCollisions, knownPeers, outboxSize,
			tickDuration, tickErrors,
		)
	})
}

func RecordSent(transport, kind string) {
	RegisterMetrics()
	messagesSent.WithLabelValues(transport, kind).Inc()
}

func RecordReceived(transport string) {
	RegisterMetrics()
	messagesReceived.WithLabelValues(transport).Inc()
}

func RecordDelivery(transport string, acked bool) {
	RegisterMetrics()
	outcome := "timeout"
	if acked {
		outcome = "acked"
	}
	deliveries.WithLabelValues(transport, outcome).Inc()
}

func RecordOffload() {
	RegisterMetrics()
	payloadsOffloaded.Inc()
}

func RecordReaped() {
	RegisterMetrics()
	peersReaped.Inc()
}

func RecordCollision() {
	RegisterMetrics()
	identityCollisions.Inc()
}

func SetKnownPeers(transport string, n int) {
	RegisterMetrics()
	knownPeers.WithLabelValues(transport).Set(float64(n))
}

func RecordTick(d time.Duration, outbox int, err error) {
	RegisterMetrics()
	tickDuration.Observe(d.Seconds())
	outboxSize.Set(float64(outbox))
	if err != nil {
		tickErrors.Inc()
	}
}
