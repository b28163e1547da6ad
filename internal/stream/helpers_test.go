package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/asr-stream-gateway/internal/audio"
	"github.com/skypro1111/asr-stream-gateway/internal/broadcast"
	"github.com/skypro1111/asr-stream-gateway/internal/engine"
	"github.com/skypro1111/asr-stream-gateway/internal/inference"
	"github.com/skypro1111/asr-stream-gateway/internal/metrics"
	"github.com/skypro1111/asr-stream-gateway/internal/protocol"
)

const testStride = 300

var errConnClosed = errors.New("connection closed")

// fakeConn records every message sent to a session
type fakeConn struct {
	mu     sync.Mutex
	msgs   []any
	closed bool
	fail   bool
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.fail {
		return errConnClosed
	}
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) results() []*protocol.RecognitionResult {
	var out []*protocol.RecognitionResult
	for _, m := range c.messages() {
		if r, ok := m.(*protocol.RecognitionResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *fakeConn) errors() []*protocol.Error {
	var out []*protocol.Error
	for _, m := range c.messages() {
		if e, ok := m.(*protocol.Error); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) waitFor(t *testing.T, n int) []any {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.messages()) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected at least %d messages", n)
	return c.messages()
}

// call is one recorded engine invocation
type call struct {
	samples    int
	isFinal    bool
	cacheEmpty bool
}

// scriptedEngine returns text derived from the first sample of each chunk
type scriptedEngine struct {
	mu      sync.Mutex
	calls   []call
	delay   func(n int) time.Duration
	textFn  func(samples []float32) string
	failErr error
}

func (e *scriptedEngine) Name() string                     { return "scripted" }
func (e *scriptedEngine) Health(ctx context.Context) error { return nil }
func (e *scriptedEngine) Close() error                     { return nil }

func (e *scriptedEngine) ProcessStream(ctx context.Context, samples []float32, cache *engine.Cache, isFinal bool, cfg engine.ChunkConfig) (*engine.StreamResult, error) {
	e.mu.Lock()
	n := len(e.calls)
	e.calls = append(e.calls, call{samples: len(samples), isFinal: isFinal, cacheEmpty: cache.Empty()})
	e.mu.Unlock()

	if e.delay != nil {
		time.Sleep(e.delay(n))
	}

	if e.failErr != nil {
		return nil, e.failErr
	}

	cache.Store(n)

	text := "text"
	if e.textFn != nil {
		text = e.textFn(samples)
	}
	return &engine.StreamResult{Text: text}, nil
}

func (e *scriptedEngine) ProcessBatch(ctx context.Context, samples []float32, hotword string) ([]engine.Segment, error) {
	return nil, nil
}

func (e *scriptedEngine) recorded() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]call, len(e.calls))
	copy(out, e.calls)
	return out
}

type testEnv struct {
	mgr     *Manager
	eng     *scriptedEngine
	adapter *inference.Adapter
	metrics *metrics.Metrics
}

type envOption func(*ManagerConfig, *Pipeline)

func withPolicy(p broadcast.Policy) envOption {
	return func(c *ManagerConfig, _ *Pipeline) { c.DefaultPolicy = p }
}

func withDebounce(d time.Duration) envOption {
	return func(_ *ManagerConfig, p *Pipeline) { p.DebounceWindow = d }
}

func withIdleTimeout(d time.Duration) envOption {
	return func(c *ManagerConfig, _ *Pipeline) {
		c.IdleTimeout = d
		c.CleanupInterval = d / 4
	}
}

func withAliases(aliases map[string]string) envOption {
	return func(_ *ManagerConfig, p *Pipeline) { p.Aliases = aliases }
}

func withUnavailableMessage(msg string) envOption {
	return func(_ *ManagerConfig, p *Pipeline) { p.UnavailableMessage = msg }
}

func withMaxSessions(n int) envOption {
	return func(c *ManagerConfig, _ *Pipeline) { c.MaxSessions = n }
}

func newTestEnv(t *testing.T, eng *scriptedEngine, opts ...envOption) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())

	adapter, err := inference.NewAdapter(inference.Config{
		ChunkConfig:   engine.ChunkConfig{ChunkSize: []int{0, 10, 5}, SampleRate: 16000},
		MaxConcurrent: 4,
	}, logger, m)
	require.NoError(t, err)

	if eng != nil {
		require.NoError(t, adapter.Load(context.Background(), eng))
	}

	cfg := ManagerConfig{}
	p := &Pipeline{
		Name:           PipelineASR,
		Adapter:        adapter,
		Stride:         testStride,
		DebounceWindow: 5 * time.Second,
		Output:         OutputRecognition,
		StartedStatus:  protocol.StatusRecordingStarted,
		StoppedStatus:  protocol.StatusRecordingStopped,

		UnavailableMessage: protocol.MsgASRUnavailable,
	}
	for _, opt := range opts {
		opt(&cfg, p)
	}

	mgr, err := NewManager(cfg, []*Pipeline{p}, logger, m)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	return &testEnv{mgr: mgr, eng: eng, adapter: adapter, metrics: m}
}

func (e *testEnv) connect(t *testing.T, id, group, role string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	_, err := e.mgr.Connect(ConnectParams{ID: id, GroupID: group, Role: role, Pipeline: PipelineASR, Conn: conn})
	require.NoError(t, err)
	return conn
}

func (e *testEnv) send(id, raw string) {
	e.mgr.HandleMessage(id, []byte(raw))
}

func (e *testEnv) sendAudio(id string, samples []float32) {
	e.send(id, `{"type":"audio_chunk","data":"`+audio.EncodeBase64Float32(samples)+`"}`)
}

func filled(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}
