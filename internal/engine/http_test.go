package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/asr-stream-gateway/internal/audio"
)

func testChunkConfig() ChunkConfig {
	return ChunkConfig{
		ChunkSize:            []int{0, 10, 5},
		EncoderChunkLookBack: 4,
		DecoderChunkLookBack: 1,
		SampleRate:           16000,
	}
}

func newTestEngine(t *testing.T, url string) *HTTPEngine {
	t.Helper()
	e, err := NewHTTPEngine(HTTPConfig{
		Endpoint:     url,
		APIKey:       "test-key",
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		SampleRate:   16000,
		RetryBackoff: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNewHTTPEngineValidation(t *testing.T) {
	_, err := NewHTTPEngine(HTTPConfig{})
	assert.Error(t, err)

	e, err := NewHTTPEngine(HTTPConfig{Endpoint: "http://engine/", MaxRetries: -1})
	require.NoError(t, err)
	assert.Equal(t, "http://engine", e.config.Endpoint)
	assert.Equal(t, 30*time.Second, e.config.Timeout)
	assert.Equal(t, 16000, e.config.SampleRate)
	assert.Equal(t, "http", e.Name())
}

func TestHTTPEngineProcessStreamCarriesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stream", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "0,10,5", r.FormValue("chunk_size"))
		assert.Equal(t, "4", r.FormValue("encoder_chunk_look_back"))
		assert.Equal(t, "1", r.FormValue("decoder_chunk_look_back"))
		assert.NotEmpty(t, r.FormValue("request_id"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		n := calls.Add(1)
		if n == 1 {
			assert.Equal(t, "", r.FormValue("cache"))
			assert.Equal(t, "false", r.FormValue("is_final"))
		} else {
			assert.Equal(t, "token-1", r.FormValue("cache"))
			assert.Equal(t, "true", r.FormValue("is_final"))
		}

		json.NewEncoder(w).Encode(map[string]string{
			"text":  "hello",
			"cache": "token-" + string(rune('0'+n)),
		})
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	cache := NewCache()
	samples := make([]float32, 160)

	res, err := e.ProcessStream(context.Background(), samples, cache, false, testChunkConfig())
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, "token-1", cache.LoadString())

	_, err = e.ProcessStream(context.Background(), samples, cache, true, testChunkConfig())
	require.NoError(t, err)
	assert.Equal(t, "token-2", cache.LoadString())

	stats := e.GetStats()
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.Equal(t, uint64(2), stats.SuccessRequests)
	assert.Equal(t, int64(0), stats.ActiveRequests)
}

func TestHTTPEngineRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	res, err := e.ProcessStream(context.Background(), make([]float32, 16), NewCache(), false, testChunkConfig())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(2), e.GetStats().TotalRetries)
}

func TestHTTPEngineDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad chunk", http.StatusBadRequest)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	_, err := e.ProcessStream(context.Background(), make([]float32, 16), NewCache(), false, testChunkConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP error 400")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), e.GetStats().FailedRequests)
}

func TestHTTPEngineProcessBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/batch", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "gateway", r.FormValue("hotword"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		buf := make([]byte, 1<<16)
		n, _ := file.Read(buf)
		samples, rate, err := audio.DecodeWAV(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, 16000, rate)
		assert.Len(t, samples, 320)

		json.NewEncoder(w).Encode(batchResponse{Segments: []Segment{{Text: "hi there", Start: 0, End: 20}}})
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	segments, err := e.ProcessBatch(context.Background(), make([]float32, 320), "gateway")
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "hi there", segments[0].Text)
	assert.Equal(t, int64(20), segments[0].End)
}

func TestHTTPEngineHealth(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	assert.Error(t, e.Health(context.Background()))

	ready.Store(true)
	assert.NoError(t, e.Health(context.Background()))
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &statusError{StatusCode: 502}, true},
		{"rate limited", &statusError{StatusCode: 429}, true},
		{"bad request", &statusError{StatusCode: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestCacheAndFinality(t *testing.T) {
	c := NewCache()
	assert.True(t, c.Empty())
	c.Store("tok")
	assert.False(t, c.Empty())
	assert.Equal(t, "tok", c.LoadString())
	c.Reset()
	assert.True(t, c.Empty())

	c.Store(42)
	assert.Equal(t, "", c.LoadString())

	assert.False(t, Interim.IsFinal())
	assert.False(t, SoftFinal.IsFinal())
	assert.True(t, HardFinal.IsFinal())
	assert.Equal(t, "soft_final", SoftFinal.String())

	assert.NoError(t, testChunkConfig().Validate())
	assert.Error(t, ChunkConfig{ChunkSize: []int{10}, SampleRate: 16000}.Validate())
}
