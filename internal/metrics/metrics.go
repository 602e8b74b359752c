// Package metrics exposes the pixelsett Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	placements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelsett",
			Subsystem: "pixel",
			Name:      "placements_total",
			Help:      "Pixel placement attempts by outcome.",
		},
		[]string{"outcome"},
	)
	confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelsett",
			Subsystem: "pixel",
			Name:      "confirmations_total",
			Help:      "Pixel payment confirmations by outcome.",
		},
		[]string{"outcome"},
	)
	locksExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pixelsett",
			Subsystem: "pixel",
			Name:      "locks_expired_total",
			Help:      "Reservations that lapsed without confirmation.",
		},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelsett",
			Subsystem: "canvas",
			Name:      "transitions_total",
			Help:      "Accepted canvas lifecycle transitions.",
		},
		[]string{"transition"},
	)
	chainVerifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pixelsett",
			Subsystem: "chain",
			Name:      "verify_duration_seconds",
			Help:      "Chain verification latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "result"},
	)
	intentsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelsett",
			Subsystem: "settlement",
			Name:      "intents_expired_total",
			Help:      "Publish and mint operations reverted after their deadline.",
		},
		[]string{"transition"},
	)
	broadcastDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelsett",
			Subsystem: "realtime",
			Name:      "dropped_total",
			Help:      "Events not delivered to a member because its queue overflowed.",
		},
		[]string{"policy"},
	)
	roomMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pixelsett",
			Subsystem: "realtime",
			Name:      "members",
			Help:      "Connections currently joined to a canvas room.",
		},
	)
)

// RegisterMetrics registers every collector with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(placements, confirmations, locksExpired, transitions,
			intentsExpired, chainVerifyDuration, broadcastDropped, roomMembers)
	})
}

func RecordPlacement(outcome string) {
	RegisterMetrics()
	placements.WithLabelValues(outcome).Inc()
}

func RecordConfirmation(outcome string) {
	RegisterMetrics()
	confirmations.WithLabelValues(outcome).Inc()
}

func RecordLockExpired() {
	RegisterMetrics()
	locksExpired.Inc()
}

func RecordTransition(name string) {
	RegisterMetrics()
	transitions.WithLabelValues(name).Inc()
}

func RecordIntentExpired(transition string) {
	RegisterMetrics()
	intentsExpired.WithLabelValues(transition).Inc()
}

func RecordChainVerify(kind string, ok bool, duration time.Duration) {
	RegisterMetrics()
	result := "ok"
	if !ok {
		result = "failed"
	}
	chainVerifyDuration.WithLabelValues(kind, result).Observe(duration.Seconds())
}

func RecordBroadcastDropped(policy string) {
	RegisterMetrics()
	broadcastDropped.WithLabelValues(policy).Inc()
}

// AddRoomMembers adjusts the joined-connection gauge by delta.
func AddRoomMembers(delta int) {
	RegisterMetrics()
	roomMembers.Add(float64(delta))
}
