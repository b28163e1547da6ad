package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/asr-stream-gateway/internal/audio"
)

// HTTPEngine calls a remote recognition service over multipart HTTP
type HTTPEngine struct {
	config     HTTPConfig
	httpClient *http.Client
	active     atomic.Int64

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// HTTPConfig contains HTTP engine configuration
type HTTPConfig struct {
	Endpoint     string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	SampleRate   int
	RetryBackoff time.Duration // First backoff step, doubled per attempt
}

// HTTPStats represents HTTP engine statistics
type HTTPStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int64         `json:"active_requests"`
}

type streamResponse struct {
	Text  string `json:"text"`
	Cache string `json:"cache"`
}

type batchResponse struct {
	Segments []Segment `json:"segments"`
}

// statusError is a non-2xx response from the engine
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// NewHTTPEngine creates a new HTTP engine client
func NewHTTPEngine(config HTTPConfig) (*HTTPEngine, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 2
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPEngine{
		config:     config,
		httpClient: httpClient,
	}, nil
}

// Name returns the backend name
func (e *HTTPEngine) Name() string {
	return "http"
}

// Health checks the remote engine health endpoint
func (e *HTTPEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	e.setHeaders(req)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &statusError{StatusCode: resp.StatusCode, Body: "engine not ready"}
	}
	return nil
}

// ProcessStream sends one chunk with the session's cache token and stores the returned token
func (e *HTTPEngine) ProcessStream(ctx context.Context, samples []float32, cache *Cache, isFinal bool, cfg ChunkConfig) (*StreamResult, error) {
	wav, err := e.encode(samples)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		"request_id":              uuid.NewString(),
		"is_final":                strconv.FormatBool(isFinal),
		"chunk_size":              cfg.ChunkSizeString(),
		"encoder_chunk_look_back": strconv.Itoa(cfg.EncoderChunkLookBack),
		"decoder_chunk_look_back": strconv.Itoa(cfg.DecoderChunkLookBack),
		"sample_rate":             strconv.Itoa(e.config.SampleRate),
		"cache":                   cache.LoadString(),
	}

	var resp streamResponse
	if err := e.call(ctx, "/stream", wav, fields, &resp); err != nil {
		return nil, err
	}

	if resp.Cache != "" {
		cache.Store(resp.Cache)
	}

	return &StreamResult{Text: resp.Text}, nil
}

// ProcessBatch sends a whole utterance for offline recognition
func (e *HTTPEngine) ProcessBatch(ctx context.Context, samples []float32, hotword string) ([]Segment, error) {
	wav, err := e.encode(samples)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		"request_id":  uuid.NewString(),
		"sample_rate": strconv.Itoa(e.config.SampleRate),
		"hotword":     hotword,
	}

	var resp batchResponse
	if err := e.call(ctx, "/batch", wav, fields, &resp); err != nil {
		return nil, err
	}

	return resp.Segments, nil
}

func (e *HTTPEngine) encode(samples []float32) ([]byte, error) {
	wav, err := audio.EncodeWAV(samples, e.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk: %w", err)
	}
	return wav, nil
}

// call performs a request with retries and exponential backoff
func (e *HTTPEngine) call(ctx context.Context, path string, wav []byte, fields map[string]string, out any) error {
	e.active.Add(1)
	defer e.active.Add(-1)

	startTime := time.Now()
	e.incrementTotalRequests()

	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * e.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				e.incrementFailedRequests()
				return ctx.Err()
			}
		}

		err := e.doRequest(ctx, path, wav, fields, out)
		if err == nil {
			e.incrementSuccessRequests()
			e.updateAvgResponseTime(time.Since(startTime))
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	e.incrementFailedRequests()
	return fmt.Errorf("engine request %s failed: %w", path, lastErr)
}

// doRequest performs a single HTTP request to the engine
func (e *HTTPEngine) doRequest(ctx context.Context, path string, wav []byte, fields map[string]string, out any) error {
	body, contentType, err := createMultipartRequest(wav, fields)
	if err != nil {
		return fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	e.setHeaders(httpReq)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return nil
}

func (e *HTTPEngine) setHeaders(req *http.Request) {
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}
	req.Header.Set("User-Agent", "ASR-Stream-Gateway/1.0")
}

// createMultipartRequest creates a multipart/form-data request body
func createMultipartRequest(wav []byte, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether a failed attempt may succeed on retry:
// 5xx and 429 responses, timeouts and network errors.
func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Statistics methods
func (e *HTTPEngine) incrementTotalRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
}

func (e *HTTPEngine) incrementSuccessRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.successRequests++
}

func (e *HTTPEngine) incrementFailedRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedRequests++
}

func (e *HTTPEngine) incrementTotalRetries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRetries++
}

func (e *HTTPEngine) updateAvgResponseTime(responseTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Simple moving average
	if e.avgResponseTime == 0 {
		e.avgResponseTime = responseTime
	} else {
		e.avgResponseTime = (e.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current engine statistics
func (e *HTTPEngine) GetStats() HTTPStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	successRate := float64(0)
	if e.totalRequests > 0 {
		successRate = float64(e.successRequests) / float64(e.totalRequests) * 100
	}

	return HTTPStats{
		TotalRequests:   e.totalRequests,
		SuccessRequests: e.successRequests,
		FailedRequests:  e.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    e.totalRetries,
		AvgResponseTime: e.avgResponseTime,
		ActiveRequests:  e.active.Load(),
	}
}

// Close releases idle connections
func (e *HTTPEngine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
