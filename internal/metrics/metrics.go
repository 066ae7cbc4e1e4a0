// Package metrics exposes the structure engine's Prometheus metrics and its
// /healthz status.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics of the structure engine.
type Metrics struct {
	CandlesIngested *prometheus.CounterVec // labels: tf
	CandlesRejected *prometheus.CounterVec // labels: reason
	DetectDuration  *prometheus.HistogramVec
	EventsTotal     *prometheus.CounterVec // labels: kind
	KeysTracked     prometheus.Gauge
	LevelsByStatus  *prometheus.GaugeVec // labels: status

	// Persistence
	RestoresTotal     *prometheus.CounterVec // labels: source=redis|sqlite|cold
	SnapshotSaves     *prometheus.CounterVec // labels: store, result
	SnapshotQueueDrop prometheus.Counter

	// Backpressure
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber

	// Redis circuit breaker
	RedisCircuitState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitTrips   prometheus.Counter
	RedisBufferedEvents prometheus.Counter
	RedisBufferDrops    prometheus.Counter

	NotificationsTotal *prometheus.CounterVec // labels: result
	WSClients          prometheus.Gauge
	APIRequestDuration *prometheus.HistogramVec // labels: route
}

// NewMetrics creates the metrics and registers them with reg, or with the
// default registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CandlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structengine_candles_ingested_total",
			Help: "Confirmed candles accepted into a series (by timeframe)",
		}, []string{"tf"}),
		CandlesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structengine_candles_rejected_total",
			Help: "Candles rejected before detection (malformed, out_of_order)",
		}, []string{"reason"}),
		DetectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "structengine_detect_duration_seconds",
			Help:    "Detection latency per call (mode=full|incremental|sweep)",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"mode"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structengine_events_total",
			Help: "Structure events emitted (by kind)",
		}, []string{"kind"}),
		KeysTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "structengine_keys",
			Help: "Series keys with structure state",
		}),
		LevelsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "structengine_levels",
			Help: "Tracked EQH/EQL levels across all keys (by status)",
		}, []string{"status"}),

		RestoresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structengine_restores_total",
			Help: "Key state restores at startup (by source)",
		}, []string{"source"}),
		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structengine_snapshot_saves_total",
			Help: "Snapshot writes (by store and result)",
		}, []string{"store", "result"}),
		SnapshotQueueDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "structengine_snapshot_queue_drops_total",
			Help: "Snapshot requests dropped because the save queue was full",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structengine_fanout_drops_total",
			Help: "Events dropped by the event bus per subscriber (-1 = input)",
		}, []string{"subscriber"}),

		RedisCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "structengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "structengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "structengine_redis_buffered_events_total",
			Help: "Events buffered locally while Redis was unavailable",
		}),
		RedisBufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "structengine_redis_buffer_drops_total",
			Help: "Buffered events dropped because the local buffer was full",
		}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structengine_notifications_total",
			Help: "Alerts delivered (by result)",
		}, []string{"result"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "structengine_ws_clients",
			Help: "Connected websocket clients",
		}),
		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "structengine_api_request_duration_seconds",
			Help:    "REST query latency (by route)",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.CandlesIngested,
		m.CandlesRejected,
		m.DetectDuration,
		m.EventsTotal,
		m.KeysTracked,
		m.LevelsByStatus,
		m.RestoresTotal,
		m.SnapshotSaves,
		m.SnapshotQueueDrop,
		m.FanoutDropsTotal,
		m.RedisCircuitState,
		m.RedisCircuitTrips,
		m.RedisBufferedEvents,
		m.RedisBufferDrops,
		m.NotificationsTotal,
		m.WSClients,
		m.APIRequestDuration,
	)
	return m
}
