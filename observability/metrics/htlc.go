package metrics

import (
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTLCMetrics tracks ledger calls and escrow lifecycle activity.
type HTLCMetrics struct {
	calls        *prometheus.CounterVec
	callLatency  *prometheus.HistogramVec
	orders       *prometheus.CounterVec
	lockedValue  prometheus.Gauge
	height       prometheus.Gauge
	sinkFailures *prometheus.CounterVec
}

var (
	htlcOnce     sync.Once
	htlcRegistry *HTLCMetrics
)

func HTLC() *HTLCMetrics {
	htlcOnce.Do(func() {
		htlcRegistry = &HTLCMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "htlc_calls_total",
				Help: "Count of escrow entrypoint calls by entrypoint and outcome.",
			}, []string{"entrypoint", "outcome"}),
			callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "htlc_call_duration_seconds",
				Help:    "Latency of escrow entrypoint calls including commit.",
				Buckets: prometheus.DefBuckets,
			}, []string{"entrypoint"}),
			orders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "htlc_order_events_total",
				Help: "Count of committed order lifecycle events by type.",
			}, []string{"type"}),
			lockedValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "htlc_locked_value",
				Help: "Sum of the amounts of unclaimed orders after the last commit.",
			}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "htlc_head_height",
				Help: "Number of committed calls since genesis.",
			}),
			sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "htlc_event_sink_failures_total",
				Help: "Number of committed events a sink failed to accept.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(
			htlcRegistry.calls,
			htlcRegistry.callLatency,
			htlcRegistry.orders,
			htlcRegistry.lockedValue,
			htlcRegistry.height,
			htlcRegistry.sinkFailures,
		)
	})
	return htlcRegistry
}

func (m *HTLCMetrics) ObserveCall(entrypoint string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if entrypoint == "" {
		entrypoint = "unknown"
	}
	outcome := "committed"
	if err != nil {
		outcome = "rejected"
	}
	m.calls.WithLabelValues(entrypoint, outcome).Inc()
	m.callLatency.WithLabelValues(entrypoint).Observe(duration.Seconds())
}

func (m *HTLCMetrics) RecordOrderEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.orders.WithLabelValues(eventType).Inc()
}

// SetLocked publishes the locked total. Values beyond float64 precision are
// approximated.
func (m *HTLCMetrics) SetLocked(locked *big.Int) {
	if m == nil || locked == nil {
		return
	}
	value, _ := new(big.Float).SetInt(locked).Float64()
	m.lockedValue.Set(value)
}

func (m *HTLCMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

func (m *HTLCMetrics) RecordSinkFailure(sink string) {
	if m == nil {
		return
	}
	if sink == "" {
		sink = "unknown"
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}
