package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/asr-stream-gateway/internal/audio"
	"github.com/skypro1111/asr-stream-gateway/internal/config"
	"github.com/skypro1111/asr-stream-gateway/internal/engine"
	"github.com/skypro1111/asr-stream-gateway/internal/inference"
	"github.com/skypro1111/asr-stream-gateway/internal/metrics"
	"github.com/skypro1111/asr-stream-gateway/internal/stream"
)

const (
	serviceName    = "asr-stream-gateway"
	maxUploadBytes = 64 << 20
)

// EngineFactory builds a fresh recognition engine for POST /engine/load
type EngineFactory func(ctx context.Context) (engine.Engine, error)

// HTTPServer serves the streaming WebSocket endpoints and the management API
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	asr       *inference.Adapter
	factory   EngineFactory
	gatherer  prometheus.Gatherer
	metrics   *metrics.Metrics
	ws        *WSHandler
	version   string

	// Server state
	startTime time.Time
	mu        sync.Mutex // serializes engine load/unload
}

// Options contains the collaborators of the HTTP server
type Options struct {
	Config   *config.Config
	Manager  *stream.Manager
	Factory  EngineFactory
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	WS       WSConfig
	Version  string
}

// NewHTTPServer creates the HTTP server. The manager must serve the asr pipeline.
func NewHTTPServer(opts Options, logger *slog.Logger) (*HTTPServer, error) {
	p, ok := opts.Manager.Pipeline(stream.PipelineASR)
	if !ok {
		return nil, fmt.Errorf("manager has no %s pipeline", stream.PipelineASR)
	}

	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    opts.Config,
		streamMgr: opts.Manager,
		asr:       p.Adapter,
		factory:   opts.Factory,
		gatherer:  opts.Gatherer,
		metrics:   opts.Metrics,
		ws:        NewWSHandler(opts.WS, opts.Manager, logger),
		version:   opts.Version,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Config.Server.Address, opts.Config.Server.Port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h, nil
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Streaming endpoints; the upgrade needs the raw ResponseWriter so no metrics wrapper
	mux.HandleFunc("GET /ws", h.ws.Handler(stream.PipelineASR))
	mux.HandleFunc("GET /ws/{id}", h.ws.Handler(stream.PipelineASR))
	if _, ok := h.streamMgr.Pipeline(stream.PipelineVAD); ok {
		mux.HandleFunc("GET /vad/ws/{id}", h.ws.Handler(stream.PipelineVAD))
	}

	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))

	// Sessions and groups
	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("GET /groups/{id}", h.withMetrics("/groups/{id}", h.handleGroup))

	// Engine management
	mux.HandleFunc("GET /engine/status", h.withMetrics("/engine/status", h.handleEngineStatus))
	mux.HandleFunc("POST /engine/load", h.withMetrics("/engine/load", h.handleEngineLoad))
	mux.HandleFunc("POST /engine/unload", h.withMetrics("/engine/unload", h.handleEngineUnload))

	mux.HandleFunc("POST /offline/recognize", h.withMetrics("/offline/recognize", h.handleOfflineRecognize))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server. Hijacked WebSocket connections are not
// tracked by Shutdown; the session manager closes them.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.asr.Status()
	managerStats := h.streamMgr.GetStats()

	overall := "healthy"
	if !status.Loaded {
		overall = "degraded"
	}

	health := map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": h.version,
		},
		"components": map[string]interface{}{
			"engine": status,
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": managerStats.ActiveSessions,
				"active_groups":   managerStats.ActiveGroups,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"address":              h.config.Server.Address,
			"port":                 h.config.Server.Port,
			"max_connections":      h.config.Server.MaxConnections,
			"read_limit_bytes":     h.config.Server.ReadLimitBytes,
			"write_timeout":        h.config.Server.WriteTimeout,
			"session_idle_timeout": h.config.Server.SessionIdleTimeout,
		},
		"audio": map[string]interface{}{
			"sample_rate":        h.config.Audio.SampleRate,
			"chunk_size":         h.config.Audio.ChunkSize,
			"samples_per_unit":   h.config.Audio.SamplesPerUnit,
			"stride":             h.config.Audio.GetStride(),
			"debounce_window_ms": h.config.Audio.DebounceWindowMs,
			"vad_stride":         h.config.Audio.VADStride,
		},
		"engine": map[string]interface{}{
			"backend":                 h.config.Engine.Backend,
			"endpoint":                h.config.Engine.Endpoint,
			"timeout":                 h.config.Engine.Timeout,
			"max_retries":             h.config.Engine.MaxRetries,
			"max_concurrent":          h.config.Engine.MaxConcurrent,
			"encoder_chunk_look_back": h.config.Engine.EncoderChunkLookBack,
			"decoder_chunk_look_back": h.config.Engine.DecoderChunkLookBack,
			"autoload":                h.config.Engine.Autoload,
			"vad_threshold":           h.config.Engine.VADThreshold,
			// api_key is omitted
		},
		"broadcast": map[string]interface{}{
			"default_policy": h.config.Broadcast.DefaultPolicy,
			"group_policies": h.config.Broadcast.GroupPolicies,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.streamMgr.GetStats(),
		"engines":   h.engineStatuses(),
	}

	if s, ok := h.asr.Engine().(interface{ GetStats() engine.HTTPStats }); ok {
		stats["engine_client"] = s.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPServer) engineStatuses() map[string]inference.Status {
	out := map[string]inference.Status{}
	for _, name := range []string{stream.PipelineASR, stream.PipelineVAD} {
		if p, ok := h.streamMgr.Pipeline(name); ok {
			out[name] = p.Adapter.Status()
		}
	}
	return out
}

// handleSessions implements the /sessions endpoint; monitors are listed only with ?all=1
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all")
	includeMonitors := all == "1" || all == "true"

	sessions := h.streamMgr.ListSessions(includeMonitors)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	s, err := h.streamMgr.Lookup(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	writeJSON(w, http.StatusOK, s.Info())
}

// handleGroup implements the /groups/{id} endpoint
func (h *HTTPServer) handleGroup(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	members := h.streamMgr.GroupSessions(groupID)
	if len(members) == 0 {
		writeError(w, http.StatusNotFound, "Group not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id": groupID,
		"policy":   h.streamMgr.Multiplexer().PolicyFor(groupID),
		"members":  members,
	})
}

// handleEngineStatus implements the /engine/status endpoint
func (h *HTTPServer) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.asr.Status())
}

// handleEngineLoad builds a new engine and swaps it into the recognition slot
func (h *HTTPServer) handleEngineLoad(w http.ResponseWriter, r *http.Request) {
	if h.factory == nil {
		writeError(w, http.StatusNotImplemented, "engine loading is not configured")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	e, err := h.factory(r.Context())
	if err != nil {
		h.logger.Error("Failed to create engine", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create engine: %v", err))
		return
	}

	if err := h.asr.Load(r.Context(), e); err != nil {
		e.Close()
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "loaded",
		"engine": h.asr.Status(),
	})
}

// handleEngineUnload empties the recognition slot; streaming chunks then yield
// engine-unavailable errors until the next load
func (h *HTTPServer) handleEngineUnload(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.asr.Unload(); err != nil {
		h.logger.Warn("Engine close failed", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "unloaded",
		"engine": h.asr.Status(),
	})
}

// offlineRequest is the JSON form of POST /offline/recognize
type offlineRequest struct {
	Data    string `json:"data"`
	Hotword string `json:"hotword"`
}

// handleOfflineRecognize runs one whole-utterance batch call. The audio arrives
// either as a multipart WAV "file" or as base64 samples in a JSON body.
func (h *HTTPServer) handleOfflineRecognize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	samples, hotword, err := h.readOfflineAudio(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(samples) == 0 {
		writeError(w, http.StatusBadRequest, "audio is empty")
		return
	}

	startTime := time.Now()
	segments, err := h.asr.ProcessBatch(r.Context(), samples, hotword)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrEngineUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	if segments == nil {
		segments = []engine.Segment{}
	}

	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.Text != "" {
			texts = append(texts, seg.Text)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"text":            strings.Join(texts, " "),
		"segments":        segments,
		"duration_ms":     int64(len(samples)) * 1000 / int64(h.config.Audio.SampleRate),
		"processing_time": time.Since(startTime).Seconds(),
	})
}

func (h *HTTPServer) readOfflineAudio(r *http.Request) ([]float32, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, "", fmt.Errorf("invalid multipart form: %w", err)
		}

		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("missing form file 'file'")
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read upload: %w", err)
		}

		samples, rate, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, "", err
		}
		if rate != h.config.Audio.SampleRate {
			return nil, "", fmt.Errorf("sample rate %d not supported, expected %d", rate, h.config.Audio.SampleRate)
		}

		return samples, r.FormValue("hotword"), nil
	}

	var req offlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "", fmt.Errorf("invalid JSON body: %w", err)
	}
	if req.Data == "" {
		return nil, "", fmt.Errorf("missing field 'data'")
	}

	samples, _, err := audio.DecodeBase64(req.Data)
	if err != nil {
		return nil, "", err
	}

	return samples, req.Hotword, nil
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": serviceName,
		"version": h.version,
		"endpoints": map[string]interface{}{
			"GET /ws[/{id}]":          "Streaming recognition WebSocket (?group_id=, ?role=monitor)",
			"GET /vad/ws/{id}":        "Streaming voice activity WebSocket",
			"GET /health":             "Service health check",
			"GET /config":             "Get service configuration",
			"GET /stats":              "Get service statistics",
			"GET /sessions":           "List active sessions (?all=1 includes monitors)",
			"GET /sessions/{id}":      "Get detailed session information",
			"GET /groups/{id}":        "List the members of a broadcast group",
			"GET /engine/status":      "Recognition engine status",
			"POST /engine/load":       "Load or reload the recognition engine",
			"POST /engine/unload":     "Unload the recognition engine",
			"POST /offline/recognize": "Recognize a whole utterance",
			"GET /metrics":            "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
