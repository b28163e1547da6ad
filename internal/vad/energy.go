package vad

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/asr-stream-gateway/internal/engine"
)

// Open marks a segment boundary that has not been observed yet
const Open int64 = -1

// EnergyEngine detects speech from windowed RMS energy. It implements
// engine.Engine; per-session detector state is kept in the session cache.
type EnergyEngine struct {
	threshold     float32
	windowSize    int // samples per analysis window
	sampleRate    int
	minSilenceRun int // silent windows that close a segment

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// EnergyConfig contains energy detector parameters
type EnergyConfig struct {
	Threshold  float32       // RMS of normalized samples
	Window     time.Duration // analysis window, default 10ms
	MinSilence time.Duration // silence closing a segment, default 300ms
	SampleRate int
}

// Stats represents detector statistics
type Stats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// detectorState is the incremental state stored in a session cache
type detectorState struct {
	offset     int64 // samples consumed since the cache was reset
	inSpeech   bool
	start      int64 // segment start in samples
	lastVoice  int64 // end of the last voiced window in samples
	silenceRun int
}

// NewEnergyEngine creates an energy based detector
func NewEnergyEngine(cfg EnergyConfig) (*EnergyEngine, error) {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", cfg.Threshold)
	}

	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}

	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Millisecond
	}

	if cfg.MinSilence <= 0 {
		cfg.MinSilence = 300 * time.Millisecond
	}

	windowSize := int(int64(cfg.SampleRate) * cfg.Window.Milliseconds() / 1000)
	if windowSize <= 0 {
		return nil, fmt.Errorf("window %v too short for sample rate %d", cfg.Window, cfg.SampleRate)
	}

	minSilenceRun := int(cfg.MinSilence / cfg.Window)
	if minSilenceRun < 1 {
		minSilenceRun = 1
	}

	return &EnergyEngine{
		threshold:     cfg.Threshold,
		windowSize:    windowSize,
		sampleRate:    cfg.SampleRate,
		minSilenceRun: minSilenceRun,
	}, nil
}

// Name returns the backend name
func (e *EnergyEngine) Name() string {
	return "energy"
}

// Health always succeeds for the in-process detector
func (e *EnergyEngine) Health(ctx context.Context) error {
	return ctx.Err()
}

// ProcessStream advances the session detector over samples. Segments that open
// in this call and are still running are reported as [start, -1]; segments that
// opened earlier and close here as [-1, end]. isFinal closes any running segment.
func (e *EnergyEngine) ProcessStream(ctx context.Context, samples []float32, cache *engine.Cache, isFinal bool, cfg engine.ChunkConfig) (*engine.StreamResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state, _ := cache.Load().(*detectorState)
	if state == nil {
		state = &detectorState{}
	} else {
		copied := *state
		state = &copied
	}

	segments := e.detect(state, samples, isFinal)
	cache.Store(state)

	return &engine.StreamResult{
		Text:     FormatSegments(segments),
		Segments: segments,
	}, nil
}

// ProcessBatch runs the detector over a whole utterance with fresh state
func (e *EnergyEngine) ProcessBatch(ctx context.Context, samples []float32, hotword string) ([]engine.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state := &detectorState{}
	pairs := e.detect(state, samples, true)

	segments := make([]engine.Segment, len(pairs))
	for i, p := range pairs {
		segments[i] = engine.Segment{Text: "speech", Start: p[0], End: p[1]}
	}
	return segments, nil
}

// detect consumes samples window by window and returns the boundary pairs in ms
func (e *EnergyEngine) detect(state *detectorState, samples []float32, isFinal bool) [][2]int64 {
	var (
		segments      [][2]int64
		openedHere    bool
		windows       uint64
		voicedWindows uint64
	)

	for pos := 0; pos < len(samples); pos += e.windowSize {
		end := pos + e.windowSize
		if end > len(samples) {
			end = len(samples)
		}
		window := samples[pos:end]
		windowStart := state.offset + int64(pos)
		windowEnd := state.offset + int64(end)

		voiced := rms(window) >= e.threshold
		windows++

		if voiced {
			voicedWindows++
			state.silenceRun = 0
			state.lastVoice = windowEnd
			if !state.inSpeech {
				state.inSpeech = true
				state.start = windowStart
				openedHere = true
			}
			continue
		}

		if !state.inSpeech {
			continue
		}

		state.silenceRun++
		if state.silenceRun >= e.minSilenceRun {
			segments = append(segments, e.closeSegment(state, openedHere))
			openedHere = false
		}
	}

	state.offset += int64(len(samples))

	if state.inSpeech {
		if isFinal {
			segments = append(segments, e.closeSegment(state, openedHere))
		} else if openedHere {
			segments = append(segments, [2]int64{e.toMillis(state.start), Open})
		}
	}

	e.mu.Lock()
	e.totalWindows += windows
	e.voiceWindows += voicedWindows
	e.lastProcessed = time.Now()
	e.mu.Unlock()

	return segments
}

func (e *EnergyEngine) closeSegment(state *detectorState, openedHere bool) [2]int64 {
	start := Open
	if openedHere {
		start = e.toMillis(state.start)
	}
	seg := [2]int64{start, e.toMillis(state.lastVoice)}
	state.inSpeech = false
	state.silenceRun = 0
	return seg
}

func (e *EnergyEngine) toMillis(samples int64) int64 {
	return samples * 1000 / int64(e.sampleRate)
}

// rms calculates the root mean square energy of a window
func rms(window []float32) float32 {
	if len(window) == 0 {
		return 0
	}
	var energy float64
	for _, s := range window {
		energy += float64(s) * float64(s)
	}
	return float32(math.Sqrt(energy / float64(len(window))))
}

// FormatSegments renders segments as "[start,end]" pairs, empty for none
func FormatSegments(segments [][2]int64) string {
	if len(segments) == 0 {
		return ""
	}
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = fmt.Sprintf("[%d,%d]", s[0], s[1])
	}
	return strings.Join(parts, " ")
}

// GetStats returns current detector statistics
func (e *EnergyEngine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	voicePercentage := float64(0)
	if e.totalWindows > 0 {
		voicePercentage = float64(e.voiceWindows) / float64(e.totalWindows) * 100
	}

	return Stats{
		TotalWindows:    e.totalWindows,
		VoiceWindows:    e.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   e.lastProcessed,
		Threshold:       e.threshold,
	}
}

// GetWindowSize returns the window size in samples
func (e *EnergyEngine) GetWindowSize() int {
	return e.windowSize
}

// Close is a no-op for the in-process detector
func (e *EnergyEngine) Close() error {
	return nil
}
