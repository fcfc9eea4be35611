package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	VAD         VADConfig         `yaml:"vad"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains websocket/HTTP server configuration
type ServerConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	MaxSessions  int    `yaml:"max_sessions"`
	ReadLimit    int64  `yaml:"read_limit"`    // bytes per inbound message
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// AudioConfig contains the inbound audio layout and evaluation timing
type AudioConfig struct {
	SampleRate           int     `yaml:"sample_rate"`
	Channels             int     `yaml:"channels"`
	BitDepth             int     `yaml:"bit_depth"`              // persisted waveform bit depth
	EvalInterval         float64 `yaml:"eval_interval"`          // seconds
	MaxUtteranceDuration float64 `yaml:"max_utterance_duration"` // seconds, 0 disables
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	Threshold         float64 `yaml:"threshold"`
	WindowSize        int     `yaml:"window_size"`         // samples
	MinSpeechDuration float64 `yaml:"min_speech_duration"` // seconds
	MaxConcurrent     int     `yaml:"max_concurrent"`
}

// RecognitionConfig contains recognition engine configuration
type RecognitionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	CacheDir      string `yaml:"cache_dir"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	FlushTimeout  int    `yaml:"flush_timeout"` // seconds
}

// PersistenceConfig controls saving finalized utterances as waveform files
type PersistenceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration populated with default values
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         8000,
			MaxSessions:  100,
			ReadLimit:    1 << 20,
			WriteTimeout: 10,
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			Channels:     1,
			BitDepth:     16,
			EvalInterval: 1,
		},
		VAD: VADConfig{
			Threshold:         0.02,
			WindowSize:        512,
			MinSpeechDuration: 0.25,
			MaxConcurrent:     4,
		},
		Recognition: RecognitionConfig{
			Language:      "ja",
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 1,
			FlushTimeout:  10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs validation of every configuration section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Recognition.Validate(); err != nil {
		return fmt.Errorf("recognition config: %w", err)
	}

	if err := c.Persistence.Validate(); err != nil {
		return fmt.Errorf("persistence config: %w", err)
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

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 22050: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of [8000, 16000, 22050, 44100, 48000], got %d", a.SampleRate)
	}

	if a.Channels != 1 && a.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", a.Channels)
	}

	if a.BitDepth != 16 && a.BitDepth != 24 && a.BitDepth != 32 {
		return fmt.Errorf("bit_depth must be 16, 24 or 32, got %d", a.BitDepth)
	}

	if a.EvalInterval < 0.1 || a.EvalInterval > 10 {
		return fmt.Errorf("eval_interval must be between 0.1 and 10 seconds, got %f", a.EvalInterval)
	}

	if a.MaxUtteranceDuration < 0 {
		return fmt.Errorf("max_utterance_duration cannot be negative, got %f", a.MaxUtteranceDuration)
	}

	if a.MaxUtteranceDuration > 0 && a.MaxUtteranceDuration <= a.EvalInterval {
		return fmt.Errorf("max_utterance_duration (%f) must be greater than eval_interval (%f)",
			a.MaxUtteranceDuration, a.EvalInterval)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold <= 0 || v.Threshold >= 1 {
		return fmt.Errorf("threshold must be between 0 and 1 (exclusive), got %f", v.Threshold)
	}

	if v.WindowSize < 64 || v.WindowSize > 4096 {
		return fmt.Errorf("window_size must be between 64 and 4096 samples, got %d", v.WindowSize)
	}

	if v.MinSpeechDuration < 0 {
		return fmt.Errorf("min_speech_duration cannot be negative, got %f", v.MinSpeechDuration)
	}

	if v.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", v.MaxConcurrent)
	}

	return nil
}

// Validate validates recognition configuration
func (r *RecognitionConfig) Validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if r.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", r.MaxRetries)
	}

	if r.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", r.MaxConcurrent)
	}

	if r.FlushTimeout < 1 {
		return fmt.Errorf("flush_timeout must be at least 1 second, got %d", r.FlushTimeout)
	}

	return nil
}

// Validate validates persistence configuration
func (p *PersistenceConfig) Validate() error {
	if p.Enabled && p.Directory == "" {
		return fmt.Errorf("directory cannot be empty when persistence is enabled")
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

	// Output is stdout, stderr or a file path

	return nil
}

// GetEvalInterval returns the evaluation interval as a time.Duration
func (a *AudioConfig) GetEvalInterval() time.Duration {
	return time.Duration(a.EvalInterval * float64(time.Second))
}

// GetMaxUtteranceDuration returns the utterance length cap as a time.Duration (0 when disabled)
func (a *AudioConfig) GetMaxUtteranceDuration() time.Duration {
	return time.Duration(a.MaxUtteranceDuration * float64(time.Second))
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(v.MinSpeechDuration * float64(time.Second))
}

// GetTimeoutDuration returns the recognition request timeout as a time.Duration
func (r *RecognitionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetFlushTimeoutDuration returns the flush-on-close timeout as a time.Duration
func (r *RecognitionConfig) GetFlushTimeoutDuration() time.Duration {
	return time.Duration(r.FlushTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the websocket write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ListenAddress returns the host:port the server binds to
func (s *ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}
