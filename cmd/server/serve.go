package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/skypro1111/asr-stream-gateway/internal/broadcast"
	"github.com/skypro1111/asr-stream-gateway/internal/config"
	"github.com/skypro1111/asr-stream-gateway/internal/engine"
	"github.com/skypro1111/asr-stream-gateway/internal/inference"
	"github.com/skypro1111/asr-stream-gateway/internal/metrics"
	"github.com/skypro1111/asr-stream-gateway/internal/protocol"
	"github.com/skypro1111/asr-stream-gateway/internal/server"
	"github.com/skypro1111/asr-stream-gateway/internal/stream"
	"github.com/skypro1111/asr-stream-gateway/internal/vad"
)

const (
	pingInterval    = 30 * time.Second
	pongWait        = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the streaming recognition gateway.

Streaming clients connect to /ws (or /ws/{id}) and send start_recording,
audio_chunk and stop_recording messages. Sessions sharing a group_id receive
each other's results according to the broadcast policy. /vad/ws/{id} streams
speech segments from the built-in energy detector.

Without a configuration file the built-in defaults are used.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", defaultConfigPath, "Path to configuration file (empty for defaults)")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newEngine builds the recognition engine selected by the configuration
func newEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine.Backend {
	case config.BackendHTTP:
		return engine.NewHTTPEngine(engine.HTTPConfig{
			Endpoint:     cfg.Engine.Endpoint,
			APIKey:       cfg.Engine.APIKey,
			Timeout:      cfg.Engine.GetTimeoutDuration(),
			MaxRetries:   cfg.Engine.MaxRetries,
			SampleRate:   cfg.Audio.SampleRate,
			RetryBackoff: 500 * time.Millisecond,
		})
	case config.BackendEnergy:
		return newDetector(cfg)
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}
}

func newDetector(cfg *config.Config) (*vad.EnergyEngine, error) {
	return vad.NewEnergyEngine(vad.EnergyConfig{
		Threshold:  float32(cfg.Engine.VADThreshold),
		SampleRate: cfg.Audio.SampleRate,
	})
}

func buildPolicies(cfg config.BroadcastConfig) (broadcast.Policy, map[string]broadcast.Policy, error) {
	defaultPolicy, err := broadcast.ParsePolicy(cfg.DefaultPolicy)
	if err != nil {
		return "", nil, err
	}

	groupPolicies := make(map[string]broadcast.Policy, len(cfg.GroupPolicies))
	for group, name := range cfg.GroupPolicies {
		p, err := broadcast.ParsePolicy(name)
		if err != nil {
			return "", nil, fmt.Errorf("group %s: %w", group, err)
		}
		groupPolicies[group] = p
	}

	return defaultPolicy, groupPolicies, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.Int("port", cfg.Server.Port),
		slog.Int("max_connections", cfg.Server.MaxConnections),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("stride", cfg.Audio.GetStride()),
		slog.Duration("debounce_window", cfg.Audio.GetDebounceWindow()),
		slog.String("engine_backend", cfg.Engine.Backend),
		slog.String("engine_endpoint", cfg.Engine.Endpoint),
		slog.String("default_policy", cfg.Broadcast.DefaultPolicy),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Prometheus metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)

	chunkCfg := engine.ChunkConfig{
		ChunkSize:            cfg.Audio.ChunkSize,
		EncoderChunkLookBack: cfg.Engine.EncoderChunkLookBack,
		DecoderChunkLookBack: cfg.Engine.DecoderChunkLookBack,
		SampleRate:           cfg.Audio.SampleRate,
	}

	asrAdapter, err := inference.NewAdapter(inference.Config{
		Name:          stream.PipelineASR,
		ChunkConfig:   chunkCfg,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		Timeout:       cfg.Engine.GetTimeoutDuration(),
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create recognition adapter: %w", err)
	}

	factory := func(ctx context.Context) (engine.Engine, error) {
		return newEngine(cfg)
	}

	if cfg.Engine.Autoload {
		if err := autoload(ctx, asrAdapter, factory, cfg.Engine.GetTimeoutDuration()); err != nil {
			// Sessions get engine-unavailable errors until POST /engine/load succeeds
			logger.Warn("Engine autoload failed", slog.String("error", err.Error()))
		}
	}

	vadAdapter, err := inference.NewAdapter(inference.Config{
		Name:          stream.PipelineVAD,
		ChunkConfig:   chunkCfg,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create vad adapter: %w", err)
	}

	detector, err := newDetector(cfg)
	if err != nil {
		return fmt.Errorf("failed to create voice activity detector: %w", err)
	}
	if err := vadAdapter.Load(ctx, detector); err != nil {
		return fmt.Errorf("failed to load voice activity detector: %w", err)
	}

	defaultPolicy, groupPolicies, err := buildPolicies(cfg.Broadcast)
	if err != nil {
		return fmt.Errorf("invalid broadcast policy: %w", err)
	}

	pipelines := []*stream.Pipeline{
		{
			Name:           stream.PipelineASR,
			Adapter:        asrAdapter,
			Stride:         cfg.Audio.GetStride(),
			DebounceWindow: cfg.Audio.GetDebounceWindow(),
			Output:         stream.OutputRecognition,
			StartedStatus:  protocol.StatusRecordingStarted,
			StoppedStatus:  protocol.StatusRecordingStopped,

			UnavailableMessage: protocol.MsgASRUnavailable,
		},
		{
			Name:          stream.PipelineVAD,
			Adapter:       vadAdapter,
			Stride:        cfg.Audio.VADStride,
			Output:        stream.OutputVAD,
			StartedStatus: protocol.StatusVADStarted,
			StoppedStatus: protocol.StatusVADStopped,

			Aliases:            protocol.VADAliases,
			UnavailableMessage: protocol.MsgVADUnavailable,
		},
	}

	streamMgr, err := stream.NewManager(stream.ManagerConfig{
		MaxSessions:   cfg.Server.MaxConnections,
		IdleTimeout:   cfg.Server.GetSessionIdleTimeoutDuration(),
		DefaultPolicy: defaultPolicy,
		GroupPolicies: groupPolicies,
	}, pipelines, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", cfg.Server.GetSessionIdleTimeoutDuration()),
		slog.Int("max_sessions", cfg.Server.MaxConnections),
	)

	httpServer, err := server.NewHTTPServer(server.Options{
		Config:   cfg,
		Manager:  streamMgr,
		Factory:  factory,
		Gatherer: reg,
		Metrics:  appMetrics,
		WS: server.WSConfig{
			ReadLimit:    cfg.Server.ReadLimitBytes,
			WriteTimeout: cfg.Server.GetWriteTimeoutDuration(),
			PingInterval: pingInterval,
			PongWait:     pongWait,
		},
		Version: serviceVersion,
	}, logger)
	if err != nil {
		streamMgr.Stop()
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	if err := httpServer.Start(); err != nil {
		streamMgr.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	stats := streamMgr.GetStats()

	// Close streaming connections and drop their pending work
	streamMgr.Stop()

	for _, a := range []*inference.Adapter{asrAdapter, vadAdapter} {
		if err := a.Unload(); err != nil {
			logger.Warn("Error closing engine", slog.String("error", err.Error()))
		}
	}

	logger.Info("Final session statistics",
		slog.Int("active_sessions", stats.ActiveSessions),
		slog.Int("active_groups", stats.ActiveGroups),
		slog.Int("recording", stats.Recording),
	)

	logger.Info("Service stopped")
	return nil
}

func autoload(ctx context.Context, a *inference.Adapter, factory server.EngineFactory, timeout time.Duration) error {
	e, err := factory(ctx)
	if err != nil {
		return err
	}

	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.Load(loadCtx, e); err != nil {
		e.Close()
		return err
	}
	return nil
}
