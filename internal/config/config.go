package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Broadcast policy names accepted in configuration
const (
	PolicyExcludeSender     = "exclude_sender"
	PolicySenderAndMonitors = "sender_and_monitors"
)

// Engine backend names accepted in configuration
const (
	BackendHTTP   = "http"
	BackendEnergy = "energy"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Engine    EngineConfig    `yaml:"engine"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket listener configuration
type ServerConfig struct {
	Address            string `yaml:"address"`
	Port               int    `yaml:"port"`
	MaxConnections     int    `yaml:"max_connections"`
	ReadLimitBytes     int64  `yaml:"read_limit_bytes"`
	WriteTimeout       int    `yaml:"write_timeout"`        // seconds
	SessionIdleTimeout int    `yaml:"session_idle_timeout"` // seconds, 0 disables the reaper
}

// AudioConfig contains buffering and chunking parameters
type AudioConfig struct {
	SampleRate       int   `yaml:"sample_rate"`
	ChunkSize        []int `yaml:"chunk_size"`         // engine chunk layout, e.g. [0, 10, 5]
	SamplesPerUnit   int   `yaml:"samples_per_unit"`   // samples per chunk_size unit (960 = 60ms at 16kHz)
	DebounceWindowMs int   `yaml:"debounce_window_ms"` // inactivity auto-flush window
	VADStride        int   `yaml:"vad_stride"`         // samples per call on the VAD endpoint
}

// EngineConfig contains recognition engine configuration
type EngineConfig struct {
	Backend               string  `yaml:"backend"`
	Endpoint              string  `yaml:"endpoint"`
	APIKey                string  `yaml:"api_key"`
	Timeout               int     `yaml:"timeout"` // seconds
	MaxRetries            int     `yaml:"max_retries"`
	MaxConcurrent         int     `yaml:"max_concurrent"`
	EncoderChunkLookBack  int     `yaml:"encoder_chunk_look_back"`
	DecoderChunkLookBack  int     `yaml:"decoder_chunk_look_back"`
	Autoload              bool    `yaml:"autoload"`
	VADThreshold          float64 `yaml:"vad_threshold"`
}

// BroadcastConfig selects the fan-out policy per deployment and per group
type BroadcastConfig struct {
	DefaultPolicy string            `yaml:"default_policy"`
	GroupPolicies map[string]string `yaml:"group_policies"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with production defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            "0.0.0.0",
			Port:               8000,
			MaxConnections:     1000,
			ReadLimitBytes:     4 << 20,
			WriteTimeout:       10,
			SessionIdleTimeout: 300,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			ChunkSize:        []int{0, 10, 5},
			SamplesPerUnit:   960,
			DebounceWindowMs: 500,
			VADStride:        3200,
		},
		Engine: EngineConfig{
			Backend:              BackendHTTP,
			Endpoint:             "http://localhost:9000",
			Timeout:              30,
			MaxRetries:           2,
			MaxConcurrent:        8,
			EncoderChunkLookBack: 4,
			DecoderChunkLookBack: 1,
			Autoload:             true,
			VADThreshold:         0.02,
		},
		Broadcast: BroadcastConfig{
			DefaultPolicy: PolicyExcludeSender,
			GroupPolicies: map[string]string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file; unset fields keep their defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of every configuration section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Broadcast.Validate(); err != nil {
		return fmt.Errorf("broadcast config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}

	if s.ReadLimitBytes < 1024 {
		return fmt.Errorf("read_limit_bytes must be at least 1024, got %d", s.ReadLimitBytes)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.SessionIdleTimeout < 0 {
		return fmt.Errorf("session_idle_timeout cannot be negative, got %d", s.SessionIdleTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}

	if len(a.ChunkSize) != 3 {
		return fmt.Errorf("chunk_size must have exactly 3 elements, got %d", len(a.ChunkSize))
	}

	if a.ChunkSize[1] <= 0 {
		return fmt.Errorf("chunk_size[1] must be positive, got %d", a.ChunkSize[1])
	}

	if a.SamplesPerUnit <= 0 {
		return fmt.Errorf("samples_per_unit must be positive, got %d", a.SamplesPerUnit)
	}

	if a.DebounceWindowMs <= 0 {
		return fmt.Errorf("debounce_window_ms must be positive, got %d", a.DebounceWindowMs)
	}

	if a.VADStride <= 0 {
		return fmt.Errorf("vad_stride must be positive, got %d", a.VADStride)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	switch e.Backend {
	case BackendHTTP:
		if e.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
	case BackendEnergy:
	default:
		return fmt.Errorf("backend must be 'http' or 'energy', got '%s'", e.Backend)
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	if e.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", e.MaxConcurrent)
	}

	if e.EncoderChunkLookBack < 0 || e.DecoderChunkLookBack < 0 {
		return fmt.Errorf("chunk look-back values cannot be negative")
	}

	if e.VADThreshold <= 0 || e.VADThreshold >= 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1 (exclusive), got %f", e.VADThreshold)
	}

	return nil
}

// Validate validates broadcast configuration
func (b *BroadcastConfig) Validate() error {
	if !IsValidPolicy(b.DefaultPolicy) {
		return fmt.Errorf("default_policy must be '%s' or '%s', got '%s'",
			PolicyExcludeSender, PolicySenderAndMonitors, b.DefaultPolicy)
	}

	for group, policy := range b.GroupPolicies {
		if group == "" {
			return fmt.Errorf("group_policies cannot contain an empty group id")
		}
		if !IsValidPolicy(policy) {
			return fmt.Errorf("group_policies[%s]: unknown policy '%s'", group, policy)
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// IsValidPolicy reports whether name is a known broadcast policy
func IsValidPolicy(name string) bool {
	return name == PolicyExcludeSender || name == PolicySenderAndMonitors
}

// GetStride returns the number of samples consumed per streaming recognition call
func (a *AudioConfig) GetStride() int {
	return a.ChunkSize[1] * a.SamplesPerUnit
}

// GetDebounceWindow returns the inactivity window as a time.Duration
func (a *AudioConfig) GetDebounceWindow() time.Duration {
	return time.Duration(a.DebounceWindowMs) * time.Millisecond
}

// GetWriteTimeoutDuration returns the per-message write timeout
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetSessionIdleTimeoutDuration returns the idle timeout used by the session reaper
func (s *ServerConfig) GetSessionIdleTimeoutDuration() time.Duration {
	return time.Duration(s.SessionIdleTimeout) * time.Second
}

// GetTimeoutDuration returns the engine request timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}
