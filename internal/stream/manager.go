package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/asr-stream-gateway/internal/audio"
	"github.com/skypro1111/asr-stream-gateway/internal/broadcast"
	"github.com/skypro1111/asr-stream-gateway/internal/engine"
	"github.com/skypro1111/asr-stream-gateway/internal/metrics"
	"github.com/skypro1111/asr-stream-gateway/internal/protocol"
)

// Manager ties sessions to the decode, chunking, inference and delivery pipeline
type Manager struct {
	registry  *Registry
	mux       *broadcast.Multiplexer
	pipelines map[string]*Pipeline

	idleTimeout     time.Duration
	cleanupInterval time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	MaxSessions     int
	IdleTimeout     time.Duration // 0 disables the idle reaper
	CleanupInterval time.Duration
	DefaultPolicy   broadcast.Policy
	GroupPolicies   map[string]broadcast.Policy
}

// ConnectParams describes a connect handshake
type ConnectParams struct {
	ID       string // assigned when empty
	GroupID  string
	Role     string
	Pipeline string
	Conn     Conn
}

// ManagerStats represents manager statistics
type ManagerStats struct {
	ActiveSessions int            `json:"active_sessions"`
	ActiveGroups   int            `json:"active_groups"`
	Recording      int            `json:"recording"`
	Pipelines      map[string]int `json:"pipelines"`
}

// NewManager creates a session manager serving the given pipelines
func NewManager(config ManagerConfig, pipelines []*Pipeline, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if len(pipelines) == 0 {
		return nil, fmt.Errorf("at least one pipeline is required")
	}

	byName := make(map[string]*Pipeline, len(pipelines))
	for _, p := range pipelines {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate pipeline %s", p.Name)
		}
		byName[p.Name] = p
	}

	if config.DefaultPolicy == "" {
		config.DefaultPolicy = broadcast.ExcludeSender
	}

	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry(config.MaxSessions)

	mgr := &Manager{
		registry:        registry,
		mux:             broadcast.NewMultiplexer(registry, config.DefaultPolicy, config.GroupPolicies, logger, m),
		pipelines:       byName,
		idleTimeout:     config.IdleTimeout,
		cleanupInterval: config.CleanupInterval,
		logger:          logger,
		metrics:         m,
		ctx:             ctx,
		cancel:          cancel,
		cleanup:         make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Registry returns the session registry
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Multiplexer returns the group multiplexer
func (m *Manager) Multiplexer() *broadcast.Multiplexer {
	return m.mux
}

// Pipeline returns the named pipeline
func (m *Manager) Pipeline(name string) (*Pipeline, bool) {
	p, ok := m.pipelines[name]
	return p, ok
}

// Connect registers a new Idle session. Registration failures are fatal to the
// connect attempt only.
func (m *Manager) Connect(params ConnectParams) (*Session, error) {
	p, ok := m.pipelines[params.Pipeline]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", params.Pipeline)
	}

	if params.ID == "" {
		params.ID = uuid.NewString()
	}

	s, err := newSession(m.ctx, params.ID, params.GroupID, params.Role, p, params.Conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if err := m.registry.Register(s); err != nil {
		s.terminate()
		m.metrics.RecordSessionRejected()
		return nil, err
	}

	m.metrics.RecordSessionCreated()

	m.logger.Info("Session connected",
		slog.String("session_id", s.ID),
		slog.String("group_id", s.GroupID),
		slog.String("role", s.Role),
		slog.String("pipeline", p.Name),
	)

	return s, nil
}

// Disconnect removes the session. Calling it again for the same id is a no-op.
func (m *Manager) Disconnect(id string) {
	s := m.registry.Unregister(id)
	if s == nil {
		return
	}

	m.metrics.RecordSessionDestroyed(time.Since(s.ConnectedAt).Seconds())

	m.logger.Info("Session disconnected",
		slog.String("session_id", s.ID),
		slog.String("group_id", s.GroupID),
		slog.Duration("duration", time.Since(s.ConnectedAt)),
		slog.Uint64("frames_received", s.framesReceived.Load()),
		slog.Uint64("chunks_processed", s.chunksProcessed.Load()),
		slog.Uint64("results_sent", s.resultsSent.Load()),
	)
}

// Touch records transport-level liveness for session id, such as a keepalive
// pong. Unknown ids are ignored.
func (m *Manager) Touch(id string) {
	if s, err := m.registry.Lookup(id); err == nil {
		s.markSeen(time.Now())
	}
}

// HandleMessage processes one inbound text message for session id, in arrival
// order. Messages for unknown sessions are dropped.
func (m *Manager) HandleMessage(id string, raw []byte) {
	s, err := m.registry.Lookup(id)
	if err != nil {
		m.logger.Debug("Dropping message for unknown session", slog.String("session_id", id))
		return
	}

	s.markSeen(time.Now())

	msg, err := protocol.ParseInbound(raw)
	if err != nil {
		m.metrics.RecordMalformed()
		m.sendDirect(s, protocol.NewError(err.Error()))
		return
	}

	switch msg.Kind(s.pipeline.Aliases) {
	case protocol.TypeStartRecording:
		m.startRecording(s)
	case protocol.TypeStopRecording:
		m.stopRecording(s)
	case protocol.TypeAudioChunk:
		m.appendAudio(s, msg.Data)
	case protocol.TypePing:
		m.sendDirect(s, protocol.NewPong())
	default:
		m.sendDirect(s, protocol.UnknownType(msg.Type))
	}
}

// startRecording begins a fresh utterance: buffer cleared, cache reset behind
// any in-flight call, state Recording
func (m *Manager) startRecording(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminated {
		return
	}

	s.debounce.cancel()
	s.acc.Reset()
	s.state = Recording

	s.queue.push(func() { s.cache.Reset() })
	if s.pipeline.StartedStatus != "" {
		s.queue.push(func() { m.sendDirect(s, protocol.NewStatus(s.pipeline.StartedStatus)) })
	}

	m.logger.Info("Recording started", slog.String("session_id", s.ID))
}

// stopRecording flushes the remainder as a hard-final call and returns to Idle
func (m *Manager) stopRecording(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminated {
		return
	}

	wasRecording := s.state == Recording
	s.state = Idle
	s.debounce.cancel()

	if wasRecording {
		if rest := s.acc.FlushRemainder(); len(rest) > 0 {
			m.enqueueInference(s, rest, engine.HardFinal)
		}
		s.queue.push(func() { s.cache.Reset() })
	}

	if s.pipeline.StoppedStatus != "" {
		s.queue.push(func() { m.sendDirect(s, protocol.NewStatus(s.pipeline.StoppedStatus)) })
	}

	m.logger.Info("Recording stopped", slog.String("session_id", s.ID))
}

// appendAudio decodes a frame, extracts every full stride and reschedules the
// inactivity timer. Undecodable frames and audio outside Recording are dropped.
func (m *Manager) appendAudio(s *Session, data string) {
	samples, format, err := audio.DecodeBase64(data)
	if err != nil {
		s.framesDropped.Add(1)
		m.metrics.RecordDecodeDrop()
		m.logger.Debug("Dropping undecodable frame",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Recording {
		return
	}

	s.framesReceived.Add(1)
	m.metrics.RecordFrame(format.String())

	s.acc.Append(samples)
	for _, chunk := range s.acc.DrainReady() {
		m.enqueueInference(s, chunk, engine.Interim)
	}

	m.onActivityLocked(s)
}

// onActivityLocked cancels the pending timer and, while Recording with buffered
// samples, schedules a new one. Caller holds s.mu.
func (m *Manager) onActivityLocked(s *Session) {
	s.debounce.touch(time.Now())

	if s.state != Recording || s.acc.Len() == 0 {
		s.debounce.cancel()
		return
	}

	s.debounce.schedule(func(generation uint64) { m.onFire(s, generation) })
}

// onFire flushes the remainder as a soft-final call unless the timer was
// canceled, superseded, or fired before the window elapsed
func (m *Manager) onFire(s *Session, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Recording || !s.debounce.accept(generation, time.Now()) {
		m.metrics.RecordDebounceStale()
		return
	}

	rest := s.acc.FlushRemainder()
	if len(rest) == 0 {
		return
	}

	m.metrics.RecordDebounceFlush()
	m.logger.Debug("Inactivity flush",
		slog.String("session_id", s.ID),
		slog.Int("samples", len(rest)))

	m.enqueueInference(s, rest, engine.SoftFinal)
}

// enqueueInference schedules an engine call on the session queue. Caller holds
// s.mu so queue order matches extraction order.
func (m *Manager) enqueueInference(s *Session, samples []float32, finality engine.Finality) {
	m.metrics.RecordChunk(finality.String(), len(samples))
	s.queue.push(func() { m.runInference(s, samples, finality) })
}

func (m *Manager) runInference(s *Session, samples []float32, finality engine.Finality) {
	res, err := s.pipeline.Adapter.Process(s.ctx, samples, s.cache, finality)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		m.sendDirect(s, protocol.NewError(inferenceErrorMessage(s.pipeline, err)))
		return
	}

	s.chunksProcessed.Add(1)

	msg := s.pipeline.result(s, res, finality)
	if msg == nil {
		return
	}

	m.publish(s, msg)
}

func inferenceErrorMessage(p *Pipeline, err error) string {
	if errors.Is(err, engine.ErrEngineUnavailable) {
		return p.unavailableMessage()
	}
	return fmt.Sprintf("Processing error: %v", err)
}

// publish delivers a result: directly when the session has no group, otherwise
// through the multiplexer under the group's policy
func (m *Manager) publish(s *Session, msg any) {
	if s.GroupID == "" {
		if m.sendDirect(s, msg) {
			s.resultsSent.Add(1)
		}
		return
	}

	if n := m.mux.Deliver(s.GroupID, msg, s.ID, m.mux.PolicyFor(s.GroupID)); n > 0 {
		s.resultsSent.Add(1)
	}
}

// sendDirect replies to the session itself
func (m *Manager) sendDirect(s *Session, msg any) bool {
	if _, isErr := msg.(*protocol.Error); isErr {
		s.errorsSent.Add(1)
	}

	if err := s.conn.Send(msg); err != nil {
		m.metrics.RecordDeliveryFailure()
		m.logger.Warn("Failed to send to session",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
		return false
	}

	m.metrics.RecordDelivery("direct")
	return true
}

// Lookup returns the live session for id
func (m *Manager) Lookup(id string) (*Session, error) {
	return m.registry.Lookup(id)
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	return m.registry.Count()
}

// ListSessions returns session snapshots, monitors excluded unless includeMonitors
func (m *Manager) ListSessions(includeMonitors bool) []SessionInfo {
	sessions := m.registry.List()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if s.IsMonitor() && !includeMonitors {
			continue
		}
		out = append(out, s.Info())
	}
	return out
}

// GroupSessions returns snapshots of the sessions in a group
func (m *Manager) GroupSessions(groupID string) []SessionInfo {
	sessions := m.registry.Group(groupID)
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// GetStats returns manager statistics
func (m *Manager) GetStats() ManagerStats {
	stats := ManagerStats{
		ActiveGroups: m.registry.GroupCount(),
		Pipelines:    make(map[string]int, len(m.pipelines)),
	}
	for name := range m.pipelines {
		stats.Pipelines[name] = 0
	}
	for _, s := range m.registry.List() {
		stats.ActiveSessions++
		stats.Pipelines[s.pipeline.Name]++
		if s.State() == Recording {
			stats.Recording++
		}
	}
	return stats
}

// Stop disconnects every session and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.cancel()
	<-m.cleanup

	sessions := m.registry.List()
	for _, s := range sessions {
		if err := s.conn.Close(); err != nil {
			m.logger.Debug("Error closing connection", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
		m.Disconnect(s.ID)
	}

	m.logger.Info("Session manager stopped", slog.Int("closed_sessions", len(sessions)))
}

// startCleanupRoutine runs in a separate goroutine to close idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.idleTimeout <= 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.idleTimeout),
		slog.Duration("check_interval", m.cleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions closes sessions with no inbound traffic for the idle
// timeout. Monitors only receive, so they are left to the transport keepalive.
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]*Session, 0)

	for _, s := range m.registry.List() {
		if s.IsMonitor() {
			continue
		}
		if now.Sub(s.idleSince()) > m.idleTimeout {
			expired = append(expired, s)
		}
	}

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Cleaning up idle sessions", slog.Int("expired_count", len(expired)))

	for _, s := range expired {
		if err := s.conn.Close(); err != nil {
			m.logger.Debug("Error closing idle connection", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
		m.Disconnect(s.ID)
	}
}
