package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/asr-stream-gateway/internal/protocol"
	"github.com/skypro1111/asr-stream-gateway/internal/stream"
)

// WSConfig contains WebSocket transport configuration
type WSConfig struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration // 0 disables keepalive pings
	PongWait     time.Duration // read deadline while pinging; defaults to twice PingInterval
}

// WSHandler upgrades client connections and feeds their messages into the
// session manager
type WSHandler struct {
	config   WSConfig
	upgrader websocket.Upgrader
	mgr      *stream.Manager
	logger   *slog.Logger
}

// NewWSHandler creates a WebSocket handler bound to mgr
func NewWSHandler(cfg WSConfig, mgr *stream.Manager, logger *slog.Logger) *WSHandler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval > 0 && cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}

	return &WSHandler{
		config: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		mgr:    mgr,
		logger: logger,
	}
}

// Handler returns the handler for one pipeline. The session id is taken from
// the {id} path value when the route has one.
func (h *WSHandler) Handler(pipeline string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, pipeline, r.PathValue("id"))
	}
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, pipeline, id string) {
	query := r.URL.Query()
	groupID := query.Get("group_id")
	if groupID == "" {
		groupID = query.Get("inspect_id")
	}
	role := query.Get("role")

	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	conn := newWSConn(c, h.config.WriteTimeout)

	s, err := h.mgr.Connect(stream.ConnectParams{
		ID:       id,
		GroupID:  groupID,
		Role:     role,
		Pipeline: pipeline,
		Conn:     conn,
	})
	if err != nil {
		h.logger.Warn("Rejected connection",
			slog.String("session_id", id),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))

		code := websocket.ClosePolicyViolation
		if errors.Is(err, stream.ErrTooManySessions) {
			code = websocket.CloseTryAgainLater
		}
		_ = conn.Send(protocol.NewError(err.Error()))
		conn.closeWith(code, "connection rejected")
		return
	}

	defer conn.Close()
	defer h.mgr.Disconnect(s.ID)

	if h.config.ReadLimit > 0 {
		c.SetReadLimit(h.config.ReadLimit)
	}

	var pongWait time.Duration
	if h.config.PingInterval > 0 {
		pongWait = h.config.PongWait
		sessionID := s.ID

		// A peer that answers neither pings nor sends anything within pongWait
		// fails the next read and is disconnected.
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		c.SetPongHandler(func(string) error {
			h.mgr.Touch(sessionID)
			return c.SetReadDeadline(time.Now().Add(pongWait))
		})

		stop := make(chan struct{})
		defer close(stop)
		go conn.keepalive(h.config.PingInterval, stop)
	}

	h.readLoop(s.ID, c, pongWait)
}

// readLoop hands every text message to the manager in arrival order until the
// connection fails or is closed. Each message extends the read deadline when
// pongWait is set.
func (h *WSHandler) readLoop(sessionID string, c *websocket.Conn, pongWait time.Duration) {
	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("WebSocket read error",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		if pongWait > 0 {
			_ = c.SetReadDeadline(time.Now().Add(pongWait))
		}

		if messageType != websocket.TextMessage {
			h.logger.Debug("Ignoring non-text frame", slog.String("session_id", sessionID))
			continue
		}

		h.mgr.HandleMessage(sessionID, data)
	}
}

// wsConn adapts a gorilla connection to stream.Conn. Writes are serialized.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(c *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: c, writeTimeout: writeTimeout}
}

// Send writes v as one JSON text message
func (c *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and closes the underlying connection
func (c *wsConn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) keepalive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}
