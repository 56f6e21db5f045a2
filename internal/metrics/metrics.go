// Package metrics provides Prometheus telemetry for the sync core.
// It covers transport connectivity and frame traffic, session lifecycle and
// store mutations. Every Record method is safe on a nil *Collector so that
// components can run without metrics wired in.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector provides sync core metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Transport metrics
	transportState   prometheus.Gauge
	connectAttempts  *prometheus.CounterVec
	reconnectDelay   prometheus.Histogram
	framesSent       *prometheus.CounterVec
	framesReceived   *prometheus.CounterVec
	framesQueued     prometheus.Counter
	framesDropped    *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	protocolErrors   prometheus.Counter
	handlerPanics    *prometheus.CounterVec
	reconnectFailure prometheus.Counter

	// Session metrics
	sessionOps   *prometheus.CounterVec
	validations  *prometheus.CounterVec
	refreshDelay prometheus.Histogram

	// Store metrics
	storeChanges        *prometheus.CounterVec
	storeSubscribers    prometheus.Gauge
	persistenceFailures *prometheus.CounterVec

	startTime time.Time
}

// NewCollector creates a collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "sync"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	// Transport metrics
	c.transportState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "state",
		Help:      "Current connection state (0=closed, 1=connecting, 2=open, 3=closing, 4=reconnecting)",
	})

	c.connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connect_attempts_total",
			Help:      "Total number of channel open attempts",
		},
		[]string{"result"},
	)

	c.reconnectDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "reconnect_delay_seconds",
		Help:      "Backoff delay scheduled before a reconnection attempt",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4m
	})

	c.framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to the channel",
		},
		[]string{"type"},
	)

	c.framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Total number of frames read from the channel",
		},
		[]string{"type"},
	)

	c.framesQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_queued_total",
		Help:      "Total number of frames queued while the channel was not open",
	})

	c.framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Total number of outbound frames dropped",
		},
		[]string{"reason"},
	)

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "queue_depth",
		Help:      "Current number of frames waiting for the channel to open",
	})

	c.protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "protocol_errors_total",
		Help:      "Total number of malformed inbound frames",
	})

	c.handlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total number of recovered subscriber panics",
		},
		[]string{"component"},
	)

	c.reconnectFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "reconnect_exhausted_total",
		Help:      "Total number of reconnection episodes that exhausted all attempts",
	})

	// Session metrics
	c.sessionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Total number of session operations",
		},
		[]string{"operation", "result"},
	)

	c.validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "validations_total",
			Help:      "Total number of periodic server-side session validations",
		},
		[]string{"result"},
	)

	c.refreshDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "refresh_delay_seconds",
		Help:      "Delay until the scheduled credential refresh",
		Buckets:   prometheus.ExponentialBuckets(60, 2, 10), // 1m to ~8.5h
	})

	// Store metrics
	c.storeChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "changes_total",
			Help:      "Total number of state changes by top-level key",
		},
		[]string{"key"},
	)

	c.storeSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "subscribers",
		Help:      "Current number of registered store subscriptions",
	})

	c.persistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persistence_failures_total",
			Help:      "Total number of failed durable writes",
		},
		[]string{"key"},
	)

	c.registry.MustRegister(
		c.transportState,
		c.connectAttempts,
		c.reconnectDelay,
		c.framesSent,
		c.framesReceived,
		c.framesQueued,
		c.framesDropped,
		c.queueDepth,
		c.protocolErrors,
		c.handlerPanics,
		c.reconnectFailure,
		c.sessionOps,
		c.validations,
		c.refreshDelay,
		c.storeChanges,
		c.storeSubscribers,
		c.persistenceFailures,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Uptime returns the time since the collector was created.
func (c *Collector) Uptime() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.startTime)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// =============================================================================
// Transport
// =============================================================================

// RecordTransportState records the numeric connection state.
func (c *Collector) RecordTransportState(state int) {
	if c == nil {
		return
	}
	c.transportState.Set(float64(state))
}

// RecordConnectAttempt records the outcome of one channel open attempt.
func (c *Collector) RecordConnectAttempt(err error) {
	if c == nil {
		return
	}
	c.connectAttempts.WithLabelValues(result(err)).Inc()
}

// RecordReconnectScheduled records a backoff delay.
func (c *Collector) RecordReconnectScheduled(delay time.Duration) {
	if c == nil {
		return
	}
	c.reconnectDelay.Observe(delay.Seconds())
}

// RecordReconnectExhausted records a terminal reconnection failure.
func (c *Collector) RecordReconnectExhausted() {
	if c == nil {
		return
	}
	c.reconnectFailure.Inc()
}

func (c *Collector) RecordFrameSent(frameType string) {
	if c == nil {
		return
	}
	c.framesSent.WithLabelValues(frameType).Inc()
}

func (c *Collector) RecordFrameReceived(frameType string) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(frameType).Inc()
}

func (c *Collector) RecordFrameQueued() {
	if c == nil {
		return
	}
	c.framesQueued.Inc()
}

// RecordFramesDropped records outbound frames discarded, e.g. on disconnect.
func (c *Collector) RecordFramesDropped(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.framesDropped.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) RecordQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

func (c *Collector) RecordProtocolError() {
	if c == nil {
		return
	}
	c.protocolErrors.Inc()
}

// RecordHandlerPanic records a recovered panic in a subscriber of component.
func (c *Collector) RecordHandlerPanic(component string) {
	if c == nil {
		return
	}
	c.handlerPanics.WithLabelValues(component).Inc()
}

// =============================================================================
// Session
// =============================================================================

// RecordSessionOp records a login, register, refresh or logout outcome.
func (c *Collector) RecordSessionOp(operation string, err error) {
	if c == nil {
		return
	}
	c.sessionOps.WithLabelValues(operation, result(err)).Inc()
}

// RecordValidation records a periodic validation outcome: valid, invalid or error.
func (c *Collector) RecordValidation(outcome string) {
	if c == nil {
		return
	}
	c.validations.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordRefreshScheduled(delay time.Duration) {
	if c == nil {
		return
	}
	c.refreshDelay.Observe(delay.Seconds())
}

// =============================================================================
// Store
// =============================================================================

func (c *Collector) RecordStoreChange(topKey string) {
	if c == nil {
		return
	}
	c.storeChanges.WithLabelValues(topKey).Inc()
}

func (c *Collector) RecordSubscribers(n int) {
	if c == nil {
		return
	}
	c.storeSubscribers.Set(float64(n))
}

func (c *Collector) RecordPersistenceFailure(key string) {
	if c == nil {
		return
	}
	c.persistenceFailures.WithLabelValues(key).Inc()
}
