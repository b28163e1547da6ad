package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/asr-stream-gateway/internal/audio"
	"github.com/skypro1111/asr-stream-gateway/internal/broadcast"
	"github.com/skypro1111/asr-stream-gateway/internal/config"
	"github.com/skypro1111/asr-stream-gateway/internal/engine"
	"github.com/skypro1111/asr-stream-gateway/internal/inference"
	"github.com/skypro1111/asr-stream-gateway/internal/metrics"
	"github.com/skypro1111/asr-stream-gateway/internal/protocol"
	"github.com/skypro1111/asr-stream-gateway/internal/stream"
	"github.com/skypro1111/asr-stream-gateway/internal/vad"
)

const (
	testStride    = 300
	testVADStride = 1600
)

// lengthEngine reports the number of samples it was given
type lengthEngine struct{}

func (lengthEngine) Name() string                     { return "length" }
func (lengthEngine) Health(ctx context.Context) error { return nil }
func (lengthEngine) Close() error                     { return nil }

func (lengthEngine) ProcessStream(ctx context.Context, samples []float32, cache *engine.Cache, isFinal bool, cfg engine.ChunkConfig) (*engine.StreamResult, error) {
	return &engine.StreamResult{Text: fmt.Sprintf("%d", len(samples))}, nil
}

func (lengthEngine) ProcessBatch(ctx context.Context, samples []float32, hotword string) ([]engine.Segment, error) {
	return []engine.Segment{{
		Text: strings.TrimSpace(fmt.Sprintf("%d %s", len(samples), hotword)),
		End:  int64(len(samples)) * 1000 / 16000,
	}}, nil
}

type testServer struct {
	srv *httptest.Server
	mgr *stream.Manager
	asr *inference.Adapter
	cfg *config.Config
	reg *prometheus.Registry
}

func newTestServer(t *testing.T, policy broadcast.Policy) *testServer {
	t.Helper()
	return newTestServerWS(t, policy, WSConfig{ReadLimit: 1 << 20, WriteTimeout: time.Second})
}

func newTestServerWS(t *testing.T, policy broadcast.Policy, wsCfg WSConfig) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	chunkCfg := engine.ChunkConfig{ChunkSize: []int{0, 10, 5}, SampleRate: 16000}

	asr, err := inference.NewAdapter(inference.Config{Name: stream.PipelineASR, ChunkConfig: chunkCfg, MaxConcurrent: 4}, logger, m)
	require.NoError(t, err)
	require.NoError(t, asr.Load(context.Background(), lengthEngine{}))

	detector, err := vad.NewEnergyEngine(vad.EnergyConfig{Threshold: 0.05, SampleRate: 16000})
	require.NoError(t, err)
	vadAdapter, err := inference.NewAdapter(inference.Config{Name: stream.PipelineVAD, ChunkConfig: chunkCfg, MaxConcurrent: 4}, logger, m)
	require.NoError(t, err)
	require.NoError(t, vadAdapter.Load(context.Background(), detector))

	mgr, err := stream.NewManager(stream.ManagerConfig{DefaultPolicy: policy}, []*stream.Pipeline{
		{
			Name:           stream.PipelineASR,
			Adapter:        asr,
			Stride:         testStride,
			DebounceWindow: 5 * time.Second,
			Output:         stream.OutputRecognition,
			StartedStatus:  protocol.StatusRecordingStarted,
			StoppedStatus:  protocol.StatusRecordingStopped,

			UnavailableMessage: protocol.MsgASRUnavailable,
		},
		{
			Name:          stream.PipelineVAD,
			Adapter:       vadAdapter,
			Stride:        testVADStride,
			Output:        stream.OutputVAD,
			StartedStatus: protocol.StatusVADStarted,
			StoppedStatus: protocol.StatusVADStopped,

			Aliases:            protocol.VADAliases,
			UnavailableMessage: protocol.MsgVADUnavailable,
		},
	}, logger, m)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Engine.APIKey = "secret-key"

	h, err := NewHTTPServer(Options{
		Config:   cfg,
		Manager:  mgr,
		Factory:  func(ctx context.Context) (engine.Engine, error) { return lengthEngine{}, nil },
		Gatherer: reg,
		Metrics:  m,
		WS:       wsCfg,
		Version:  "test",
	}, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		mgr.Stop()
		srv.Close()
	})

	return &testServer{srv: srv, mgr: mgr, asr: asr, cfg: cfg, reg: reg}
}

// dial opens a WebSocket to path, e.g. "/ws/a?group_id=g"
func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// waitSessions blocks until n sessions are registered
func (ts *testServer) waitSessions(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ts.mgr.GetActiveSessionCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

func sendAudio(t *testing.T, c *websocket.Conn, samples []float32) {
	t.Helper()
	send(t, c, map[string]string{"type": protocol.TypeAudioChunk, "data": audio.EncodeBase64Float32(samples)})
}

// recv reads one JSON message or fails after a second
func recv(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	var msg map[string]any
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

// expectSilence asserts that nothing arrives within d
func expectSilence(t *testing.T, c *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(d)))
	var msg map[string]any
	err := c.ReadJSON(&msg)
	require.Error(t, err, "unexpected message %v", msg)
}

func filled(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}
