package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the gateway
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionsRejected  prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Inbound audio metrics
	FramesReceived *prometheus.CounterVec
	DecodeDrops    prometheus.Counter
	MalformedMsgs  prometheus.Counter

	// Chunking metrics
	ChunksExtracted *prometheus.CounterVec
	ChunkSamples    prometheus.Histogram

	// Debounce metrics
	DebounceFlushes    prometheus.Counter
	DebounceStaleFires prometheus.Counter

	// Inference metrics
	InferenceRequests *prometheus.CounterVec
	InferenceFailures *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	InferenceInFlight prometheus.Gauge

	// Delivery metrics
	Deliveries       *prometheus.CounterVec
	DeliveryFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asr_active_sessions",
			Help: "Current number of live streaming sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_created_total",
			Help: "Total number of sessions registered",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_destroyed_total",
			Help: "Total number of sessions unregistered",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_rejected_total",
			Help: "Total number of connect attempts rejected",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Inbound audio metrics
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_frames_received_total",
			Help: "Total number of audio frames decoded, by wire format",
		}, []string{"format"}),
		DecodeDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_decode_drops_total",
			Help: "Total number of audio frames dropped as undecodable",
		}),
		MalformedMsgs: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_malformed_messages_total",
			Help: "Total number of unparseable inbound messages",
		}),

		// Chunking metrics
		ChunksExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_chunks_total",
			Help: "Total number of chunks sent to inference, by finality",
		}, []string{"finality"}),
		ChunkSamples: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_chunk_samples",
			Help:    "Number of samples per chunk sent to inference",
			Buckets: prometheus.ExponentialBuckets(160, 2, 10), // 10ms to ~5s at 16kHz
		}),

		// Debounce metrics
		DebounceFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_debounce_flushes_total",
			Help: "Total number of inactivity flushes",
		}),
		DebounceStaleFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_debounce_stale_fires_total",
			Help: "Total number of inactivity timer fires suppressed as stale",
		}),

		// Inference metrics
		InferenceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_inference_requests_total",
			Help: "Total number of engine calls",
		}, []string{"engine", "mode"}),
		InferenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_inference_failures_total",
			Help: "Total number of failed engine calls, by reason",
		}, []string{"reason"}),
		InferenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asr_inference_duration_seconds",
			Help:    "Duration of engine calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"engine", "mode"}),
		InferenceInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asr_inference_in_flight",
			Help: "Current number of engine calls in progress",
		}),

		// Delivery metrics
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_deliveries_total",
			Help: "Total number of messages delivered to listeners, by route",
		}, []string{"route"}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_delivery_failures_total",
			Help: "Total number of failed sends to a listener",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asr_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the created counter and active gauge
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionDestroyed decrements the active gauge and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	m.SessionsDestroyed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected increments the rejected counter
func (m *Metrics) RecordSessionRejected() {
	m.SessionsRejected.Inc()
}

// RecordFrame records a decoded inbound frame
func (m *Metrics) RecordFrame(format string) {
	m.FramesReceived.WithLabelValues(format).Inc()
}

// RecordDecodeDrop increments the dropped frame counter
func (m *Metrics) RecordDecodeDrop() {
	m.DecodeDrops.Inc()
}

// RecordMalformed increments the malformed message counter
func (m *Metrics) RecordMalformed() {
	m.MalformedMsgs.Inc()
}

// RecordChunk records a chunk handed to inference
func (m *Metrics) RecordChunk(finality string, samples int) {
	m.ChunksExtracted.WithLabelValues(finality).Inc()
	m.ChunkSamples.Observe(float64(samples))
}

// RecordDebounceFlush increments the inactivity flush counter
func (m *Metrics) RecordDebounceFlush() {
	m.DebounceFlushes.Inc()
}

// RecordDebounceStale increments the stale fire counter
func (m *Metrics) RecordDebounceStale() {
	m.DebounceStaleFires.Inc()
}

// RecordInference records a completed engine call
func (m *Metrics) RecordInference(engineName, mode string, durationSeconds float64) {
	m.InferenceRequests.WithLabelValues(engineName, mode).Inc()
	m.InferenceDuration.WithLabelValues(engineName, mode).Observe(durationSeconds)
}

// RecordInferenceFailure increments the failure counter for reason
func (m *Metrics) RecordInferenceFailure(reason string) {
	m.InferenceFailures.WithLabelValues(reason).Inc()
}

// RecordDelivery records a message sent to a listener
func (m *Metrics) RecordDelivery(route string) {
	m.Deliveries.WithLabelValues(route).Inc()
}

// RecordDeliveryFailure increments the failed send counter
func (m *Metrics) RecordDeliveryFailure() {
	m.DeliveryFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
