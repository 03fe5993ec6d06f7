// Package metrics exposes Prometheus collectors for the xzcore runtime: the
// connection pool, the async executor, the entity cache and the event bus.
//
// # Basic Usage
//
//	timer := metrics.NewTimer("execute")
//	n, err := conn.ExecContext(ctx, stmt, args...)
//	metrics.ObserveAsyncOp("execute", timer.Stop(), err)
//
// All collectors are registered with the default registry through promauto,
// so the host only needs to serve promhttp.Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolConnections tracks pooled connections by state (in_use/idle).
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xzcore_pool_connections",
			Help: "Number of pooled connections by state",
		},
		[]string{"backend", "state"},
	)

	// PoolAcquireFailures counts acquisitions that did not get a connection.
	// Labels: backend, reason (exhausted/timeout/error)
	PoolAcquireFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xzcore_pool_acquire_failures_total",
			Help: "Connection acquisitions that failed",
		},
		[]string{"backend", "reason"},
	)

	// PoolAcquireLatency tracks how long callers wait for a connection.
	PoolAcquireLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xzcore_pool_acquire_seconds",
			Help:    "Time spent waiting for a pooled connection",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend"},
	)

	// PoolLeaks counts connections held past the leak detection threshold.
	PoolLeaks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xzcore_pool_leaks_total",
			Help: "Connections held longer than the leak detection threshold",
		},
		[]string{"backend"},
	)

	// AsyncOps counts async store operations.
	// Labels: operation (execute/query/batch/transaction/task), status (success/failure)
	AsyncOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xzcore_async_operations_total",
			Help: "Async store operations by outcome",
		},
		[]string{"operation", "status"},
	)

	// AsyncLatency tracks async operation latency in seconds.
	AsyncLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xzcore_async_operation_seconds",
			Help:    "Async store operation latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	// QueueDepth tracks operations waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xzcore_async_queue_depth",
			Help: "Async operations waiting for a worker",
		},
	)

	// CacheEntries tracks cached entity records.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xzcore_cache_entries",
			Help: "Entity records held in the cache",
		},
	)

	// CacheFlushes counts record flushes.
	// Labels: trigger (create/sweep/deactivate/save_all), status (success/failure)
	CacheFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xzcore_cache_flushes_total",
			Help: "Entity record flushes by trigger and outcome",
		},
		[]string{"trigger", "status"},
	)

	// CacheLoads counts record lookups by how they were resolved.
	// Labels: result (hit/miss/absent/error)
	CacheLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xzcore_cache_loads_total",
			Help: "Entity record lookups by result",
		},
		[]string{"result"},
	)

	// EventsPublished counts published events by type.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xzcore_events_published_total",
			Help: "Events published on the bus",
		},
		[]string{"event"},
	)

	// SubscriberErrors counts handler failures by event type.
	SubscriberErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xzcore_event_subscriber_errors_total",
			Help: "Event handlers that returned an error or panicked",
		},
		[]string{"event"},
	)

	// ServiceUp is 1 for initialized services and 0 otherwise.
	ServiceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xzcore_service_up",
			Help: "Whether a runtime service is initialized",
		},
		[]string{"service"},
	)
)

// ObserveAsyncOp records one async operation outcome.
func ObserveAsyncOp(operation string, d time.Duration, err error) {
	AsyncOps.WithLabelValues(operation, status(err)).Inc()
	AsyncLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveFlush records one record flush outcome.
func ObserveFlush(trigger string, err error) {
	CacheFlushes.WithLabelValues(trigger, status(err)).Inc()
}

// SetServiceUp records a service lifecycle transition.
func SetServiceUp(service string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	ServiceUp.WithLabelValues(service).Set(v)
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the name the timer was created with
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It can be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
