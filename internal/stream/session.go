package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/asr-stream-gateway/internal/audio"
	"github.com/skypro1111/asr-stream-gateway/internal/broadcast"
	"github.com/skypro1111/asr-stream-gateway/internal/engine"
)

// State is the session recording state
type State int

const (
	Idle State = iota
	Recording
	Terminated
)

// String returns the state name used in logs and APIs
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Conn is the transport side of a session
type Conn interface {
	broadcast.Sender
	Close() error
}

// Session is one streaming connection and its private audio state. Identity
// fields are immutable after creation; everything below mu is guarded by it.
type Session struct {
	ID          string
	GroupID     string
	Role        string
	ConnectedAt time.Time

	pipeline *Pipeline
	conn     Conn

	// ctx is canceled on disconnect and aborts in-flight engine calls
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	acc      *audio.Accumulator
	debounce debouncer
	lastSeen time.Time

	// cache is touched only by jobs on queue
	cache *engine.Cache
	queue *jobQueue

	// Statistics
	framesReceived  atomic.Uint64
	framesDropped   atomic.Uint64
	chunksProcessed atomic.Uint64
	resultsSent     atomic.Uint64
	errorsSent      atomic.Uint64
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID              string        `json:"session_id"`
	GroupID         string        `json:"group_id,omitempty"`
	Role            string        `json:"role,omitempty"`
	Pipeline        string        `json:"pipeline"`
	State           string        `json:"state"`
	ConnectedAt     time.Time     `json:"connected_at"`
	LastActivity    time.Time     `json:"last_activity"`
	Duration        time.Duration `json:"duration"`
	BufferedSamples int           `json:"buffered_samples"`
	PendingJobs     int           `json:"pending_jobs"`
	TimerPending    bool          `json:"timer_pending"`
	FramesReceived  uint64        `json:"frames_received"`
	FramesDropped   uint64        `json:"frames_dropped"`
	ChunksProcessed uint64        `json:"chunks_processed"`
	ResultsSent     uint64        `json:"results_sent"`
	ErrorsSent      uint64        `json:"errors_sent"`
}

func newSession(parent context.Context, id, groupID, role string, p *Pipeline, conn Conn) (*Session, error) {
	acc, err := audio.NewAccumulator(p.Stride)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	now := time.Now()

	return &Session{
		ID:          id,
		GroupID:     groupID,
		Role:        role,
		ConnectedAt: now,
		pipeline:    p,
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
		state:       Idle,
		acc:         acc,
		debounce:    debouncer{window: p.DebounceWindow},
		lastSeen:    now,
		cache:       engine.NewCache(),
		queue:       newJobQueue(),
	}, nil
}

// State returns the current recording state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsMonitor reports whether the session carries the monitor role
func (s *Session) IsMonitor() bool {
	return s.Role == broadcast.RoleMonitor
}

// member returns the session as a broadcast group member
func (s *Session) member() broadcast.Member {
	return broadcast.Member{ID: s.ID, Role: s.Role, Sender: s.conn}
}

func (s *Session) markSeen(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// terminate moves the session to Terminated, cancels its timer, aborts in-flight
// work and drops queued jobs. Safe to call more than once.
func (s *Session) terminate() bool {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return false
	}
	s.state = Terminated
	s.debounce.cancel()
	s.acc.Reset()
	s.mu.Unlock()

	s.cancel()
	s.queue.close()
	return true
}

// Info returns a snapshot for monitoring
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		ID:              s.ID,
		GroupID:         s.GroupID,
		Role:            s.Role,
		Pipeline:        s.pipeline.Name,
		State:           s.state.String(),
		ConnectedAt:     s.ConnectedAt,
		LastActivity:    s.lastSeen,
		Duration:        time.Since(s.ConnectedAt),
		BufferedSamples: s.acc.Len(),
		PendingJobs:     s.queue.pending(),
		TimerPending:    s.debounce.pending(),
		FramesReceived:  s.framesReceived.Load(),
		FramesDropped:   s.framesDropped.Load(),
		ChunksProcessed: s.chunksProcessed.Load(),
		ResultsSent:     s.resultsSent.Load(),
		ErrorsSent:      s.errorsSent.Load(),
	}
}
