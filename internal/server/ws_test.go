package server

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/asr-stream-gateway/internal/broadcast"
	"github.com/skypro1111/asr-stream-gateway/internal/protocol"
)

func TestWebSocketRecognitionRoundTrip(t *testing.T) {
	ts := newTestServer(t, broadcast.ExcludeSender)
	c := ts.dial(t, "/ws/client-1")

	send(t, c, map[string]string{"type": protocol.TypeStartRecording})
	assert.Equal(t, map[string]any{"type": "status", "message": "Recording started"}, recv(t, c))

	sendAudio(t, c, filled(testStride+50, 0.1))

	interim := recv(t, c)
	assert.Equal(t, "recognition_result", interim["type"])
	assert.Equal(t, "300", interim["text"])
	assert.Equal(t, false, interim["is_final"])
	assert.NotContains(t, interim, "session_id", "ungrouped results carry no session id")

	send(t, c, map[string]string{"type": protocol.TypeStopRecording})

	final := recv(t, c)
	assert.Equal(t, "50", final["text"])
	assert.Equal(t, true, final["is_final"])

	assert.Equal(t, "Recording stopped", recv(t, c)["message"])
}

func TestWebSocketAssignsIDWhenPathHasNone(t *testing.T) {
	ts := newTestServer(t, broadcast.ExcludeSender)
	ts.dial(t, "/ws")
	ts.waitSessions(t, 1)

	sessions := ts.mgr.ListSessions(true)
	require.Len(t, sessions, 1)
	assert.NotEmpty(t, sessions[0].ID)
}

func TestWebSocketControlMessages(t *testing.T) {
	ts := newTestServer(t, broadcast.ExcludeSender)
	c := ts.dial(t, "/ws/client-1")

	send(t, c, map[string]string{"type": protocol.TypePing})
	assert.Equal(t, map[string]any{"type": "pong"}, recv(t, c))

	send(t, c, map[string]string{"type": "dance"})
	assert.Equal(t, "Unknown message type: dance", recv(t, c)["message"])

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := recv(t, c)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "malformed message")

	// the connection survives all of the above
	send(t, c, map[string]string{"type": protocol.TypePing})
	assert.Equal(t, "pong", recv(t, c)["type"])
}

func TestWebSocketGroupExcludesSender(t *testing.T) {
	ts := newTestServer(t, broadcast.ExcludeSender)
	a := ts.dial(t, "/ws/a?group_id=room")
	b := ts.dial(t, "/ws/b?inspect_id=room")
	ts.waitSessions(t, 2)

	send(t, a, map[string]string{"type": protocol.TypeStartRecording})
	assert.Equal(t, "Recording started", recv(t, a)["message"])

	sendAudio(t, a, filled(testStride, 0.1))

	got := recv(t, b)
	assert.Equal(t, "recognition_result", got["type"])
	assert.Equal(t, "300", got["text"])
	assert.Equal(t, "a", got["session_id"])
	assert.Equal(t, "room", got["group_id"])

	// the sender sees only its own status traffic
	send(t, a, map[string]string{"type": protocol.TypeStopRecording})
	assert.Equal(t, "Recording stopped", recv(t, a)["message"])
}

func TestWebSocketGroupSenderAndMonitors(t *testing.T) {
	ts := newTestServer(t, broadcast.SenderAndMonitors)
	a := ts.dial(t, "/ws/a?group_id=room")
	peer := ts.dial(t, "/ws/peer?group_id=room")
	monitor := ts.dial(t, "/ws/mon?group_id=room&role=monitor")
	ts.waitSessions(t, 3)

	send(t, a, map[string]string{"type": protocol.TypeStartRecording})
	assert.Equal(t, "Recording started", recv(t, a)["message"])

	sendAudio(t, a, filled(testStride, 0.1))

	assert.Equal(t, "300", recv(t, a)["text"])
	assert.Equal(t, "a", recv(t, monitor)["session_id"])
	expectSilence(t, peer, 200*time.Millisecond)
}

func TestWebSocketDuplicateIDRejected(t *testing.T) {
	ts := newTestServer(t, broadcast.ExcludeSender)
	ts.dial(t, "/ws/dup")
	ts.waitSessions(t, 1)

	second := ts.dial(t, "/ws/dup")
	msg := recv(t, second)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "session already exists")

	require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	assert.Equal(t, 1, ts.mgr.GetActiveSessionCount())
}

func TestWebSocketDisconnectRemovesSession(t *testing.T) {
	ts := newTestServer(t, broadcast.ExcludeSender)
	c := ts.dial(t, "/ws/gone?group_id=room")
	ts.waitSessions(t, 1)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	c.Close()

	ts.waitSessions(t, 0)
	assert.Empty(t, ts.mgr.GroupSessions("room"))
}

func TestWebSocketEngineUnavailable(t *testing.T) {
	ts := newTestServer(t, broadcast.ExcludeSender)
	require.NoError(t, ts.asr.Unload())

	c := ts.dial(t, "/ws/client-1")
	send(t, c, map[string]string{"type": protocol.TypeStartRecording})
	recv(t, c)

	sendAudio(t, c, filled(testStride, 0.1))

	msg := recv(t, c)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, protocol.MsgASRUnavailable, msg["message"])
}

func TestVADWebSocket(t *testing.T) {
	ts := newTestServer(t, broadcast.ExcludeSender)
	c := ts.dial(t, "/vad/ws/vad-1")

	send(t, c, map[string]string{"type": protocol.TypeStartVAD})
	assert.Equal(t, "VAD started", recv(t, c)["message"])

	sendAudio(t, c, filled(testVADStride+50, 0.5))

	opened := recv(t, c)
	assert.Equal(t, "vad_result", opened["type"])
	assert.Equal(t, []any{[]any{float64(0), float64(-1)}}, opened["segments"])
	assert.Equal(t, false, opened["is_final"])

	send(t, c, map[string]string{"type": protocol.TypeStopVAD})

	closed := recv(t, c)
	assert.Equal(t, []any{[]any{float64(-1), float64(103)}}, closed["segments"])
	assert.Equal(t, true, closed["is_final"])

	assert.Equal(t, "VAD stopped", recv(t, c)["message"])
}

func TestRecognitionEndpointRejectsVADTypes(t *testing.T) {
	ts := newTestServer(t, broadcast.ExcludeSender)
	c := ts.dial(t, "/ws/client-1")

	send(t, c, map[string]string{"type": protocol.TypeStartVAD})
	msg := recv(t, c)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Unknown message type: start_vad", msg["message"])
}

// drain reads until the connection fails so control frames are processed. The
// returned channel is closed when reading stops.
func drain(c *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

func TestWebSocketDropsPeerIgnoringPings(t *testing.T) {
	ts := newTestServerWS(t, broadcast.ExcludeSender, WSConfig{
		WriteTimeout: time.Second,
		PingInterval: 20 * time.Millisecond,
		PongWait:     80 * time.Millisecond,
	})
	c := ts.dial(t, "/ws/silent?group_id=room")
	c.SetPingHandler(func(string) error { return nil })
	done := drain(c)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server kept a peer that never answered pings")
	}
	ts.waitSessions(t, 0)
	assert.Empty(t, ts.mgr.GroupSessions("room"))
}

func TestWebSocketPongsKeepSessionAlive(t *testing.T) {
	ts := newTestServerWS(t, broadcast.ExcludeSender, WSConfig{
		WriteTimeout: time.Second,
		PingInterval: 20 * time.Millisecond,
		PongWait:     80 * time.Millisecond,
	})
	c := ts.dial(t, "/ws/listener?group_id=room")
	done := drain(c)
	ts.waitSessions(t, 1)

	select {
	case <-done:
		t.Fatal("connection closed while answering pings")
	case <-time.After(300 * time.Millisecond):
	}

	s, err := ts.mgr.Lookup("listener")
	require.NoError(t, err)
	info := s.Info()
	assert.True(t, info.LastActivity.After(info.ConnectedAt), "pongs should record activity")
}
