package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/asr-stream-gateway/internal/engine"
	"github.com/skypro1111/asr-stream-gateway/internal/metrics"
)

// Adapter is the call boundary between sessions and the loaded engine. It bounds
// concurrent engine calls and converts engine errors and panics into the
// engine error taxonomy.
type Adapter struct {
	name      string
	chunkCfg  engine.ChunkConfig
	timeout   time.Duration
	semaphore chan struct{}

	mu       sync.RWMutex
	eng      engine.Engine
	loadedAt time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Config contains adapter configuration
type Config struct {
	Name          string // label for logs, e.g. "asr" or "vad"
	ChunkConfig   engine.ChunkConfig
	MaxConcurrent int
	Timeout       time.Duration // per call, 0 for none
}

// Status describes the engine slot
type Status struct {
	Name          string    `json:"name"`
	Loaded        bool      `json:"loaded"`
	Engine        string    `json:"engine,omitempty"`
	LoadedAt      time.Time `json:"loaded_at,omitempty"`
	InFlight      int       `json:"in_flight"`
	MaxConcurrent int       `json:"max_concurrent"`
}

// NewAdapter creates an adapter with an empty engine slot
func NewAdapter(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Adapter, error) {
	if err := cfg.ChunkConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunk config: %w", err)
	}

	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive, got %d", cfg.MaxConcurrent)
	}

	if cfg.Name == "" {
		cfg.Name = "asr"
	}

	return &Adapter{
		name:      cfg.Name,
		chunkCfg:  cfg.ChunkConfig,
		timeout:   cfg.Timeout,
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		logger:    logger.With(slog.String("adapter", cfg.Name)),
		metrics:   m,
	}, nil
}

// Load health-checks e and installs it, closing any previously loaded engine
func (a *Adapter) Load(ctx context.Context, e engine.Engine) error {
	if err := e.Health(ctx); err != nil {
		return fmt.Errorf("%w: %s health check failed: %v", engine.ErrEngineUnavailable, e.Name(), err)
	}

	a.mu.Lock()
	prev := a.eng
	a.eng = e
	a.loadedAt = time.Now()
	a.mu.Unlock()

	if prev != nil && prev != e {
		if err := prev.Close(); err != nil {
			a.logger.Warn("Failed to close previous engine", slog.String("engine", prev.Name()), slog.String("error", err.Error()))
		}
	}

	a.logger.Info("Engine loaded", slog.String("engine", e.Name()))
	return nil
}

// Unload empties the engine slot. Calls already running finish against the old engine.
func (a *Adapter) Unload() error {
	a.mu.Lock()
	prev := a.eng
	a.eng = nil
	a.loadedAt = time.Time{}
	a.mu.Unlock()

	if prev == nil {
		return nil
	}

	a.logger.Info("Engine unloaded", slog.String("engine", prev.Name()))
	return prev.Close()
}

// Engine returns the loaded engine or nil
func (a *Adapter) Engine() engine.Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.eng
}

// Status returns the engine slot state
func (a *Adapter) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := Status{
		Name:          a.name,
		Loaded:        a.eng != nil,
		LoadedAt:      a.loadedAt,
		InFlight:      len(a.semaphore),
		MaxConcurrent: cap(a.semaphore),
	}
	if a.eng != nil {
		st.Engine = a.eng.Name()
	}
	return st
}

// ChunkConfig returns the streaming parameters passed to every call
func (a *Adapter) ChunkConfig() engine.ChunkConfig {
	return a.chunkCfg
}

// Process runs one streaming call for a session. The cache is passed through by
// reference and never reset here. Empty result text means no update.
func (a *Adapter) Process(ctx context.Context, samples []float32, cache *engine.Cache, finality engine.Finality) (*engine.StreamResult, error) {
	var res *engine.StreamResult
	err := a.run(ctx, "stream", func(ctx context.Context, e engine.Engine) error {
		var err error
		res, err = e.ProcessStream(ctx, samples, cache, finality.IsFinal(), a.chunkCfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &engine.StreamResult{}
	}
	return res, nil
}

// ProcessBatch runs a whole-utterance call
func (a *Adapter) ProcessBatch(ctx context.Context, samples []float32, hotword string) ([]engine.Segment, error) {
	var segments []engine.Segment
	err := a.run(ctx, "batch", func(ctx context.Context, e engine.Engine) error {
		var err error
		segments, err = e.ProcessBatch(ctx, samples, hotword)
		return err
	})
	return segments, err
}

// run acquires a worker slot and invokes fn against the loaded engine
func (a *Adapter) run(ctx context.Context, mode string, fn func(context.Context, engine.Engine) error) (err error) {
	e := a.Engine()
	if e == nil {
		a.metrics.RecordInferenceFailure("unavailable")
		return engine.ErrEngineUnavailable
	}

	select {
	case a.semaphore <- struct{}{}:
		defer func() { <-a.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	a.metrics.InferenceInFlight.Inc()
	startTime := time.Now()

	defer func() {
		a.metrics.InferenceInFlight.Dec()

		if r := recover(); r != nil {
			err = fmt.Errorf("%w: engine panic: %v", engine.ErrEngineFailure, r)
		}

		if err != nil {
			a.metrics.RecordInferenceFailure("failure")
			a.logger.Error("Engine call failed",
				slog.String("engine", e.Name()),
				slog.String("mode", mode),
				slog.String("error", err.Error()))
			return
		}

		a.metrics.RecordInference(e.Name(), mode, time.Since(startTime).Seconds())
	}()

	if callErr := fn(ctx, e); callErr != nil {
		if errors.Is(callErr, engine.ErrEngineUnavailable) {
			return callErr
		}
		return fmt.Errorf("%w: %v", engine.ErrEngineFailure, callErr)
	}

	return nil
}
