package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Export metrics
	ExportsTotal    *prometheus.CounterVec
	ExportDuration  *prometheus.HistogramVec
	ExportQueueSize *prometheus.GaugeVec
	ActiveExports   prometheus.Gauge

	// Engine metrics
	EngineOperationsTotal *prometheus.CounterVec
	EngineOperationErrors *prometheus.CounterVec
	EngineProcessingTime  *prometheus.HistogramVec
	EngineState           *prometheus.GaugeVec

	// Fetch metrics
	FetchBytesTotal  prometheus.Counter
	FetchErrorsTotal *prometheus.CounterVec

	// WebSocket metrics
	WebSocketConnections   prometheus.Gauge
	WebSocketMessagesTotal *prometheus.CounterVec

	// Storage metrics
	StorageBytesWritten *prometheus.CounterVec
}

var engineStates = []string{"unloaded", "loading", "ready", "failed"}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path", "status"},
		),

		// Export metrics
		ExportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_exports_total",
				Help: "Total number of timeline exports by status",
			},
			[]string{"status", "kind"},
		),
		ExportDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "timeline_export_duration_seconds",
				Help:    "Timeline export duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"kind", "status"},
		),
		ExportQueueSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "timeline_export_queue_depth",
				Help: "Pending tasks per export queue",
			},
			[]string{"queue"},
		),
		ActiveExports: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "timeline_exports_active",
				Help: "Number of exports currently rendering",
			},
		),

		// Engine metrics
		EngineOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_operations_total",
				Help: "Total number of media engine operations",
			},
			[]string{"operation", "status"},
		),
		EngineOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_operation_errors_total",
				Help: "Total number of media engine operation errors",
			},
			[]string{"operation", "error_type"},
		),
		EngineProcessingTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_processing_time_seconds",
				Help:    "Media engine processing time in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"operation"},
		),
		EngineState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_session_state",
				Help: "1 for the current media engine session state, 0 otherwise",
			},
			[]string{"state"},
		),

		// Fetch metrics
		FetchBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "media_fetch_bytes_total",
				Help: "Bytes downloaded from remote media URLs",
			},
		),
		FetchErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_fetch_errors_total",
				Help: "Failed remote media fetches",
			},
			[]string{"reason"},
		),

		// WebSocket metrics
		WebSocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "websocket_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WebSocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websocket_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"type"},
		),

		// Storage metrics
		StorageBytesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_bytes_written_total",
				Help: "Bytes written to storage",
			},
			[]string{"zone"},
		),
	}

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, responseSize int64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)

	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	if responseSize > 0 {
		m.HTTPResponseSize.WithLabelValues(method, path, status).Observe(float64(responseSize))
	}
}

// RecordExportQueued records an export entering the queue
func (m *Metrics) RecordExportQueued(kind string) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues("queued", kind).Inc()
}

// RecordExportStarted records an export leaving the queue
func (m *Metrics) RecordExportStarted() {
	if m == nil {
		return
	}
	m.ActiveExports.Inc()
}

// SetExportQueueDepth records the pending task count of one queue
func (m *Metrics) SetExportQueueDepth(queue string, pending int) {
	if m == nil {
		return
	}
	m.ExportQueueSize.WithLabelValues(queue).Set(float64(pending))
}

// RecordExportFinished records export completion with its final status
func (m *Metrics) RecordExportFinished(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ActiveExports.Dec()
	m.ExportDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	m.ExportsTotal.WithLabelValues(status, kind).Inc()
}

// RecordEngineOperation records one engine invocation
func (m *Metrics) RecordEngineOperation(operation string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}

	m.EngineOperationsTotal.WithLabelValues(operation, status).Inc()
	m.EngineProcessingTime.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEngineError records an engine error by type
func (m *Metrics) RecordEngineError(operation string, errorType string) {
	if m == nil {
		return
	}
	m.EngineOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// SetEngineState marks state as the current engine session state
func (m *Metrics) SetEngineState(state string) {
	if m == nil {
		return
	}
	for _, s := range engineStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.EngineState.WithLabelValues(s).Set(v)
	}
}

// RecordFetch records a completed download
func (m *Metrics) RecordFetch(bytes int) {
	if m == nil {
		return
	}
	m.FetchBytesTotal.Add(float64(bytes))
}

// RecordFetchError records a failed download
func (m *Metrics) RecordFetchError(reason string) {
	if m == nil {
		return
	}
	m.FetchErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordWebSocketConnection records WebSocket connection change
func (m *Metrics) RecordWebSocketConnection(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.WebSocketConnections.Inc()
	} else {
		m.WebSocketConnections.Dec()
	}
}

// RecordWebSocketMessage records WebSocket message
func (m *Metrics) RecordWebSocketMessage(messageType string) {
	if m == nil {
		return
	}
	m.WebSocketMessagesTotal.WithLabelValues(messageType).Inc()
}

// RecordStorageWrite records bytes written to a storage zone
func (m *Metrics) RecordStorageWrite(zone string, bytes int64) {
	if m == nil {
		return
	}
	m.StorageBytesWritten.WithLabelValues(zone).Add(float64(bytes))
}

// statusCodeToString converts HTTP status code to category string
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
