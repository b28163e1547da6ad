package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Engine is an external recognition or voice activity backend
type Engine interface {
	// Name identifies the backend in logs and status responses
	Name() string

	// Health reports whether the backend can serve requests
	Health(ctx context.Context) error

	// ProcessStream runs one incremental call. The engine reads and updates cache;
	// it never resets it.
	ProcessStream(ctx context.Context, samples []float32, cache *Cache, isFinal bool, cfg ChunkConfig) (*StreamResult, error)

	// ProcessBatch recognizes a whole utterance in one call
	ProcessBatch(ctx context.Context, samples []float32, hotword string) ([]Segment, error)

	Close() error
}

// Finality describes why a chunk is being processed
type Finality int

const (
	// Interim is a full stride extracted while recording
	Interim Finality = iota
	// SoftFinal is a remainder flushed after the inactivity window
	SoftFinal
	// HardFinal is a remainder flushed on explicit stop
	HardFinal
)

// String returns the finality name used in logs and metrics
func (f Finality) String() string {
	switch f {
	case Interim:
		return "interim"
	case SoftFinal:
		return "soft_final"
	case HardFinal:
		return "hard_final"
	default:
		return "unknown"
	}
}

// IsFinal reports the flag passed to the engine. A soft-final flush keeps the
// decoder state open, so only a hard-final closes the utterance.
func (f Finality) IsFinal() bool {
	return f == HardFinal
}

// ChunkConfig carries the streaming parameters supplied once at startup
type ChunkConfig struct {
	ChunkSize            []int `json:"chunk_size"`
	EncoderChunkLookBack int   `json:"encoder_chunk_look_back"`
	DecoderChunkLookBack int   `json:"decoder_chunk_look_back"`
	SampleRate           int   `json:"sample_rate"`
}

// ChunkSizeString formats the chunk size as the comma separated triple engines expect
func (c ChunkConfig) ChunkSizeString() string {
	parts := make([]string, len(c.ChunkSize))
	for i, v := range c.ChunkSize {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// StreamResult is the output of one incremental call. Empty text means no update yet.
type StreamResult struct {
	Text     string     `json:"text"`
	Segments [][2]int64 `json:"segments,omitempty"`
}

// Segment is one recognized span of a batch call, times in milliseconds
type Segment struct {
	Text  string `json:"text"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// Cache holds engine-owned incremental state for one session. The content is
// opaque to everything but the engine that stored it.
type Cache struct {
	mu    sync.Mutex
	state any
}

func NewCache() *Cache {
	return &Cache{}
}

// Load returns the stored state, or nil for a fresh cache
func (c *Cache) Load() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Store replaces the stored state
func (c *Cache) Store(state any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Reset empties the cache
func (c *Cache) Reset() {
	c.Store(nil)
}

// Empty reports whether the cache holds no state
func (c *Cache) Empty() bool {
	return c.Load() == nil
}

// LoadString returns the state as a string token, or "" when absent or of another type
func (c *Cache) LoadString() string {
	s, _ := c.Load().(string)
	return s
}

// Validate checks the chunk configuration
func (c ChunkConfig) Validate() error {
	if len(c.ChunkSize) != 3 {
		return fmt.Errorf("chunk_size must have 3 elements, got %d", len(c.ChunkSize))
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	return nil
}
