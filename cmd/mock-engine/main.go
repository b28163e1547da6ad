// Command mock-engine is a stand-in recognition engine that speaks the gateway's
// HTTP engine protocol. It returns one word of a fixed phrase per chunk, nothing
// for silent chunks, and threads an incrementing cache token between calls.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/asr-stream-gateway/internal/audio"
)

type mockEngine struct {
	words      []string
	latency    time.Duration
	silenceRMS float64
	logger     *slog.Logger
}

func main() {
	var (
		addr    string
		phrase  string
		latency time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mock-engine",
		Short: "Run a fake streaming recognition engine over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			m := &mockEngine{
				words:      strings.Fields(phrase),
				latency:    latency,
				silenceRMS: 0.01,
				logger:     logger,
			}
			if len(m.words) == 0 {
				return fmt.Errorf("phrase cannot be empty")
			}

			mux := http.NewServeMux()
			mux.HandleFunc("GET /health", m.handleHealth)
			mux.HandleFunc("POST /stream", m.handleStream)
			mux.HandleFunc("POST /batch", m.handleBatch)

			logger.Info("Mock engine starting", slog.String("address", addr))
			return http.ListenAndServe(addr, mux)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9000", "listen address")
	cmd.Flags().StringVar(&phrase, "phrase", "this is a test transcription of the audio stream", "words returned chunk by chunk")
	cmd.Flags().DurationVar(&latency, "latency", 100*time.Millisecond, "simulated processing time per request")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (m *mockEngine) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// readChunk parses the multipart request and decodes its WAV file
func (m *mockEngine) readChunk(r *http.Request) ([]float32, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, fmt.Errorf("error parsing form: %w", err)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("error getting audio file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("error reading audio file: %w", err)
	}

	samples, _, err := audio.DecodeWAV(data)
	return samples, err
}

func (m *mockEngine) handleStream(w http.ResponseWriter, r *http.Request) {
	samples, err := m.readChunk(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	time.Sleep(m.latency)

	// the cache token counts the calls since the client's last reset
	n, _ := strconv.Atoi(r.FormValue("cache"))
	isFinal := r.FormValue("is_final") == "true"

	text := ""
	if rms(samples) >= m.silenceRMS {
		text = m.words[n%len(m.words)]
	}
	if isFinal && text != "" {
		text += "."
	}

	m.logger.Info("Stream chunk",
		slog.String("request_id", r.FormValue("request_id")),
		slog.Int("samples", len(samples)),
		slog.Int("call", n),
		slog.Bool("is_final", isFinal),
		slog.String("text", text),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"text":  text,
		"cache": strconv.Itoa(n + 1),
	})
}

func (m *mockEngine) handleBatch(w http.ResponseWriter, r *http.Request) {
	samples, err := m.readChunk(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	time.Sleep(m.latency)

	sampleRate, _ := strconv.Atoi(r.FormValue("sample_rate"))
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	text := strings.Join(m.words, " ")
	if hotword := r.FormValue("hotword"); hotword != "" {
		text = hotword + " " + text
	}

	m.logger.Info("Batch request",
		slog.String("request_id", r.FormValue("request_id")),
		slog.Int("samples", len(samples)),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"segments": []map[string]any{{
			"text":  text,
			"start": 0,
			"end":   int64(len(samples)) * 1000 / int64(sampleRate),
		}},
	})
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
