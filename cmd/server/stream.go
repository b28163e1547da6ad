package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/skypro1111/asr-stream-gateway/internal/audio"
	"github.com/skypro1111/asr-stream-gateway/internal/protocol"
)

var streamCmd = &cobra.Command{
	Use:   "stream <audio file>",
	Short: "Stream an audio file to a running gateway",
	Long: `Stream a WAV (16-bit mono) or raw float32 little-endian file to the gateway
as audio_chunk messages at real-time pace and print the results.

Examples:
  server stream speech.wav
  server stream --url ws://localhost:8000/ws/caller-1 --group room-1 speech.wav
  server stream --url ws://localhost:8000/ws/listener --group room-1 --listen`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStream,
}

func init() {
	streamCmd.Flags().String("url", "ws://localhost:8000/ws", "Gateway WebSocket URL")
	streamCmd.Flags().String("group", "", "Group id to join")
	streamCmd.Flags().String("role", "", "Session role (monitor)")
	streamCmd.Flags().Duration("frame", 100*time.Millisecond, "Audio per audio_chunk message")
	streamCmd.Flags().Int("sample-rate", 16000, "Sample rate of raw input files")
	streamCmd.Flags().Bool("no-pace", false, "Send as fast as possible instead of in real time")
	streamCmd.Flags().Duration("linger", 2*time.Second, "Time to wait for results after stop_recording")
	streamCmd.Flags().Bool("listen", false, "Only print results from the group, send no audio")
	rootCmd.AddCommand(streamCmd)
}

func runStream(cmd *cobra.Command, args []string) error {
	rawURL, _ := cmd.Flags().GetString("url")
	group, _ := cmd.Flags().GetString("group")
	role, _ := cmd.Flags().GetString("role")
	frame, _ := cmd.Flags().GetDuration("frame")
	sampleRate, _ := cmd.Flags().GetInt("sample-rate")
	noPace, _ := cmd.Flags().GetBool("no-pace")
	linger, _ := cmd.Flags().GetDuration("linger")
	listen, _ := cmd.Flags().GetBool("listen")

	if !listen && len(args) == 0 {
		return fmt.Errorf("an audio file is required unless --listen is set")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	if group != "" {
		q.Set("group_id", group)
	}
	if role != "" {
		q.Set("role", role)
	}
	u.RawQuery = q.Encode()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Fprintln(out, formatMessage(data))
		}
	}()

	if listen {
		select {
		case <-ctx.Done():
		case <-done:
		}
		return nil
	}

	samples, rate, err := readAudioFile(args[0], sampleRate)
	if err != nil {
		return err
	}

	send := func(v any) error {
		return conn.WriteJSON(v)
	}

	if err := send(protocol.Inbound{Type: protocol.TypeStartRecording}); err != nil {
		return err
	}

	frameSamples := int(int64(rate) * frame.Milliseconds() / 1000)
	if frameSamples <= 0 {
		frameSamples = rate / 10
	}

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for pos := 0; pos < len(samples); pos += frameSamples {
		end := min(pos+frameSamples, len(samples))
		msg := protocol.Inbound{Type: protocol.TypeAudioChunk, Data: audio.EncodeBase64Float32(samples[pos:end])}
		if err := send(msg); err != nil {
			return fmt.Errorf("failed to send audio: %w", err)
		}

		if noPace {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	if err := send(protocol.Inbound{Type: protocol.TypeStopRecording}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-done:
	case <-time.After(linger):
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

// readAudioFile loads a WAV file, or raw float32 little-endian samples at sampleRate
func readAudioFile(path string, sampleRate int) ([]float32, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		samples, rate, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return samples, rate, nil
	}

	if len(data)%4 != 0 {
		return nil, 0, fmt.Errorf("raw input must be float32 samples, got %d bytes", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, sampleRate, nil
}

// formatMessage renders one server message as a tagged line
func formatMessage(data []byte) string {
	var msg struct {
		Type      string     `json:"type"`
		Text      string     `json:"text"`
		Message   string     `json:"message"`
		IsFinal   bool       `json:"is_final"`
		SessionID string     `json:"session_id"`
		Segments  [][2]int64 `json:"segments"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return "[RAW] " + string(data)
	}

	from := ""
	if msg.SessionID != "" {
		from = " <" + msg.SessionID + ">"
	}

	switch msg.Type {
	case protocol.TypeRecognitionResult:
		tag := "[INTERIM]"
		if msg.IsFinal {
			tag = "[FINAL]"
		}
		return tag + from + " " + msg.Text
	case protocol.TypeVADResult:
		return fmt.Sprintf("[VAD]%s %v final=%t", from, msg.Segments, msg.IsFinal)
	case protocol.TypeStatus:
		return "[STATUS] " + msg.Message
	case protocol.TypeError:
		return "[ERROR] " + msg.Message
	default:
		return "[" + strings.ToUpper(msg.Type) + "]"
	}
}
