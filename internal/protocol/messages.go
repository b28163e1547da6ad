package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types
const (
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypeAudioChunk     = "audio_chunk"
	TypePing           = "ping"

	// Accepted on the VAD endpoint only
	TypeStartVAD = "start_vad"
	TypeStopVAD  = "stop_vad"
)

// Outbound message types
const (
	TypeStatus            = "status"
	TypeRecognitionResult = "recognition_result"
	TypeVADResult         = "vad_result"
	TypeError             = "error"
	TypePong              = "pong"
)

// Status texts
const (
	StatusRecordingStarted = "Recording started"
	StatusRecordingStopped = "Recording stopped"
	StatusVADStarted       = "VAD started"
	StatusVADStopped       = "VAD stopped"
)

// Errors reported to a session when its pipeline has no engine loaded
const (
	MsgASRUnavailable = "Streaming ASR model not loaded. Please load the model using POST /engine/load"
	MsgVADUnavailable = "VAD model not loaded"
)

// VADAliases folds the VAD control types into their recording equivalents
var VADAliases = map[string]string{
	TypeStartVAD: TypeStartRecording,
	TypeStopVAD:  TypeStopRecording,
}

// ErrMalformedMessage is returned for unparseable messages or missing required fields
var ErrMalformedMessage = errors.New("malformed message")

// Inbound is a client-to-server message
type Inbound struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// Kind returns the message type with aliases folded into their canonical type
func (m *Inbound) Kind(aliases map[string]string) string {
	if kind, ok := aliases[m.Type]; ok {
		return kind
	}
	return m.Type
}

// ParseInbound parses one JSON text frame. Errors wrap ErrMalformedMessage and
// name the offending type or field.
func ParseInbound(raw []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedMessage, err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing field 'type'", ErrMalformedMessage)
	}

	if msg.Type == TypeAudioChunk && msg.Data == "" {
		return nil, fmt.Errorf("%w: missing field 'data' for type %s", ErrMalformedMessage, msg.Type)
	}

	return &msg, nil
}

// Status is a lifecycle notification
type Status struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RecognitionResult carries engine text for one chunk or flush
type RecognitionResult struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	SessionID string `json:"session_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
}

// VADResult carries speech segments as [start_ms, end_ms] pairs; -1 marks an open boundary
type VADResult struct {
	Type      string     `json:"type"`
	Segments  [][2]int64 `json:"segments"`
	IsFinal   bool       `json:"is_final"`
	SessionID string     `json:"session_id,omitempty"`
	GroupID   string     `json:"group_id,omitempty"`
}

// Error reports a failure to the originating session
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Pong answers a ping
type Pong struct {
	Type string `json:"type"`
}

func NewStatus(message string) *Status {
	return &Status{Type: TypeStatus, Message: message}
}

func NewRecognitionResult(text string, isFinal bool) *RecognitionResult {
	return &RecognitionResult{Type: TypeRecognitionResult, Text: text, IsFinal: isFinal}
}

func NewVADResult(segments [][2]int64, isFinal bool) *VADResult {
	if segments == nil {
		segments = [][2]int64{}
	}
	return &VADResult{Type: TypeVADResult, Segments: segments, IsFinal: isFinal}
}

func NewError(message string) *Error {
	return &Error{Type: TypeError, Message: message}
}

func NewPong() *Pong {
	return &Pong{Type: TypePong}
}

// UnknownType builds the reply for an unsupported message type
func UnknownType(msgType string) *Error {
	return NewError(fmt.Sprintf("Unknown message type: %s", msgType))
}
