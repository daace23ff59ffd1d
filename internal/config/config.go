package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"pitchtoy/internal/analysis"
	"pitchtoy/internal/buffer"
	"pitchtoy/internal/log"
	"pitchtoy/internal/protocol"
)

// Core configuration constants that define the boundaries and defaults
// for the tuner pipeline.
const (
	// Audio device settings
	DefaultDeviceID    = MinDeviceID // System default device
	DefaultSampleRate  = 48000
	DefaultBatchSize   = 1024 // 8 chunks of 128 frames
	DefaultStatusEvery = 50   // Batches between processor status updates
	DefaultPoolSize    = 8    // Pooled batch buffers per processor
	DefaultLowLatency  = false

	// Context recreation
	DefaultMaxRecreationAttempts = 3
	DefaultRecreationDelay       = 500 * time.Millisecond

	// Analysis settings
	DefaultWindow           = "hann"
	DefaultWindowSize       = 2048
	DefaultHopSize          = 1024
	DefaultMinFrequency     = 60.0
	DefaultMaxFrequency     = 2000.0
	DefaultPowerThreshold   = 0.001
	DefaultClarityThreshold = 0.7
	DefaultTuning           = "equal_temperament"
	DefaultReference        = 440.0
	DefaultRoot             = "C"

	// Volume smoothing
	DefaultPeakDecay    = 0.95
	DefaultRMSSmoothing = 0.3

	// Stream health
	DefaultHealthCheckInterval  = time.Second
	DefaultActivityTimeout      = 3 * time.Second
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5

	// Transport settings
	DefaultHTTPAddress      = "127.0.0.1:8080"
	DefaultUDPTargetAddress = "127.0.0.1:9090"
	DefaultUDPSendInterval  = 33 * time.Millisecond // ~30Hz

	// Hardware and processing limits
	MinDeviceID = -1 // -1 represents system default device
)

// FieldError reports a configuration value that failed validation. Values
// are never clamped.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s = %v: %s", e.Field, e.Value, e.Reason)
}

// Config represents the application configuration, loaded from YAML and
// environment overrides, then from command line flags.
type Config struct {
	Debug     bool            `yaml:"debug"`     // Enable debug logging.
	LogLevel  string          `yaml:"log_level"` // "debug", "info", "warn", "error".
	Audio     AudioConfig     `yaml:"audio"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Volume    VolumeConfig    `yaml:"volume"`
	Stream    StreamConfig    `yaml:"stream"`
	Transport TransportConfig `yaml:"transport"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// AudioConfig holds settings related to audio input/output and the
// real-time stage.
type AudioConfig struct {
	InputDevice           int           `yaml:"input_device"`            // PortAudio device index for input (-1 for default).
	OutputDevice          int           `yaml:"output_device"`           // PortAudio device index for speaker output (-1 for default).
	SampleRate            float64       `yaml:"sample_rate"`             // Sample rate in Hz.
	BufferSize            int           `yaml:"buffer_size"`             // Consumer ring capacity in samples.
	BatchSize             int           `yaml:"batch_size"`              // Samples per transferred batch, a multiple of 128.
	StatusEvery           int           `yaml:"status_every"`            // Batches between status updates (0 disables).
	PoolSize              int           `yaml:"pool_size"`               // Pooled batch buffers.
	LowLatency            bool          `yaml:"low_latency"`             // Request low latency settings from PortAudio.
	Synthetic             bool          `yaml:"synthetic"`               // Use the clocked synthetic host instead of PortAudio.
	MaxRecreationAttempts int           `yaml:"max_recreation_attempts"` // Context recreation attempts before giving up.
	RecreationDelay       time.Duration `yaml:"recreation_delay"`        // Delay between recreation attempts.
}

// AnalysisConfig holds pitch detection and note mapping settings.
type AnalysisConfig struct {
	Window           string  `yaml:"window"`            // Window function name, e.g. "hann".
	WindowSize       int     `yaml:"window_size"`       // Frame size in samples, a power of two.
	HopSize          int     `yaml:"hop_size"`          // Samples consumed between frames.
	MinFrequency     float64 `yaml:"min_frequency"`     // Lowest detectable pitch in Hz.
	MaxFrequency     float64 `yaml:"max_frequency"`     // Highest detectable pitch in Hz.
	PowerThreshold   float64 `yaml:"power_threshold"`   // Minimum RMS, linear.
	ClarityThreshold float64 `yaml:"clarity_threshold"` // Minimum clarity in [0, 1].
	Tuning           string  `yaml:"tuning"`            // "equal_temperament" or "just_intonation".
	Reference        float64 `yaml:"reference"`         // A4 in Hz, 400-480.
	Root             string  `yaml:"root"`              // Root note for just intonation.
	MetricsWindow    int     `yaml:"metrics_window"`    // Calls covered by rolling detector metrics.
}

// VolumeConfig holds level meter smoothing.
type VolumeConfig struct {
	PeakDecay    float64 `yaml:"peak_decay"`    // Held peak multiplier per frame, [0, 1).
	RMSSmoothing float64 `yaml:"rms_smoothing"` // Weight of the previous RMS, [0, 1).
}

// StreamConfig holds stream health and reconnection settings.
type StreamConfig struct {
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	ActivityTimeout      time.Duration `yaml:"activity_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// TransportConfig holds settings related to sending analysis over the
// network.
type TransportConfig struct {
	HTTPEnabled      bool          `yaml:"http_enabled"`       // Serve /ws, /healthz, /readyz and /metrics.
	HTTPAddress      string        `yaml:"http_address"`       // Listen address for the HTTP server.
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Enable sending analysis over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address and port for UDP packets.
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between UDP packets.
}

// ObserveConfig holds metrics settings.
type ObserveConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"` // Export OpenTelemetry metrics at /metrics.
}

// NewConfig creates a Config populated with default values.
func NewConfig() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			InputDevice:           DefaultDeviceID,
			OutputDevice:          DefaultDeviceID,
			SampleRate:            DefaultSampleRate,
			BufferSize:            buffer.DefaultBufferSize,
			BatchSize:             DefaultBatchSize,
			StatusEvery:           DefaultStatusEvery,
			PoolSize:              DefaultPoolSize,
			LowLatency:            DefaultLowLatency,
			MaxRecreationAttempts: DefaultMaxRecreationAttempts,
			RecreationDelay:       DefaultRecreationDelay,
		},
		Analysis: AnalysisConfig{
			Window:           DefaultWindow,
			WindowSize:       DefaultWindowSize,
			HopSize:          DefaultHopSize,
			MinFrequency:     DefaultMinFrequency,
			MaxFrequency:     DefaultMaxFrequency,
			PowerThreshold:   DefaultPowerThreshold,
			ClarityThreshold: DefaultClarityThreshold,
			Tuning:           DefaultTuning,
			Reference:        DefaultReference,
			Root:             DefaultRoot,
			MetricsWindow:    analysis.DefaultMetricsWindow,
		},
		Volume: VolumeConfig{
			PeakDecay:    DefaultPeakDecay,
			RMSSmoothing: DefaultRMSSmoothing,
		},
		Stream: StreamConfig{
			HealthCheckInterval:  DefaultHealthCheckInterval,
			ActivityTimeout:      DefaultActivityTimeout,
			ReconnectDelay:       DefaultReconnectDelay,
			MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		},
		Transport: TransportConfig{
			HTTPEnabled:      true,
			HTTPAddress:      DefaultHTTPAddress,
			UDPTargetAddress: DefaultUDPTargetAddress,
			UDPSendInterval:  DefaultUDPSendInterval,
		},
		Observe: ObserveConfig{MetricsEnabled: true},
	}
}

// Validate checks every section and returns all failures joined. Each
// failure is a *FieldError or a typed error from the owning package.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field string, value any, reason string) {
		errs = append(errs, &FieldError{Field: field, Value: value, Reason: reason})
	}

	if _, ok := log.ParseLevel(c.LogLevel); !ok {
		fail("log_level", c.LogLevel, "unknown level")
	}

	a := c.Audio
	if a.InputDevice < MinDeviceID {
		fail("audio.input_device", a.InputDevice, "must be -1 or a device index")
	}
	if a.OutputDevice < MinDeviceID {
		fail("audio.output_device", a.OutputDevice, "must be -1 or a device index")
	}
	if a.SampleRate < protocol.MinSampleRate || a.SampleRate > protocol.MaxSampleRate {
		fail("audio.sample_rate", a.SampleRate, fmt.Sprintf("must be within [%d, %d]", protocol.MinSampleRate, protocol.MaxSampleRate))
	}
	if err := buffer.ValidateBufferSize(a.BufferSize); err != nil {
		errs = append(errs, fmt.Errorf("audio.buffer_size: %w", err))
	}
	if err := protocol.ValidateBatchConfig(protocol.BatchConfig{BatchSize: a.BatchSize, StatusEvery: a.StatusEvery}); err != nil {
		errs = append(errs, fmt.Errorf("audio.batch_size: %w", err))
	} else if a.BatchSize > a.BufferSize {
		fail("audio.batch_size", a.BatchSize, "must not exceed audio.buffer_size")
	}
	if a.PoolSize < 1 {
		fail("audio.pool_size", a.PoolSize, "must be at least 1")
	}
	if a.MaxRecreationAttempts < 1 {
		fail("audio.max_recreation_attempts", a.MaxRecreationAttempts, "must be at least 1")
	}
	if a.RecreationDelay < 0 {
		fail("audio.recreation_delay", a.RecreationDelay, "must not be negative")
	}

	if _, err := c.PitchConfig(); err != nil {
		errs = append(errs, fmt.Errorf("analysis: %w", err))
	}
	if c.Analysis.WindowSize > a.BufferSize {
		fail("analysis.window_size", c.Analysis.WindowSize, "must not exceed audio.buffer_size")
	}
	if c.Analysis.HopSize < 1 || c.Analysis.HopSize > c.Analysis.WindowSize {
		fail("analysis.hop_size", c.Analysis.HopSize, "must be within [1, window_size]")
	}
	if _, err := c.NoteMapper(); err != nil {
		errs = append(errs, fmt.Errorf("analysis: %w", err))
	}
	if c.Analysis.MetricsWindow < 1 {
		fail("analysis.metrics_window", c.Analysis.MetricsWindow, "must be at least 1")
	}

	if err := c.VolumeConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	s := c.Stream
	if s.HealthCheckInterval <= 0 {
		fail("stream.health_check_interval", s.HealthCheckInterval, "must be positive")
	}
	if s.ActivityTimeout <= s.HealthCheckInterval {
		fail("stream.activity_timeout", s.ActivityTimeout, "must exceed stream.health_check_interval")
	}
	if s.ReconnectDelay < 0 {
		fail("stream.reconnect_delay", s.ReconnectDelay, "must not be negative")
	}
	if s.MaxReconnectAttempts < 1 {
		fail("stream.max_reconnect_attempts", s.MaxReconnectAttempts, "must be at least 1")
	}

	t := c.Transport
	if t.HTTPEnabled || c.Observe.MetricsEnabled {
		if _, _, err := net.SplitHostPort(t.HTTPAddress); err != nil {
			fail("transport.http_address", t.HTTPAddress, "must be host:port")
		}
	}
	if t.UDPEnabled {
		if _, _, err := net.SplitHostPort(t.UDPTargetAddress); err != nil {
			fail("transport.udp_target_address", t.UDPTargetAddress, "must be host:port")
		}
		if t.UDPSendInterval <= 0 {
			fail("transport.udp_send_interval", t.UDPSendInterval, "must be positive when UDP is enabled")
		}
	}

	return errors.Join(errs...)
}

// PitchConfig converts the analysis section into a detector config.
func (c *Config) PitchConfig() (analysis.PitchConfig, error) {
	fn, err := analysis.ParseWindowFunction(c.Analysis.Window)
	if err != nil {
		return analysis.PitchConfig{}, err
	}
	pc := analysis.PitchConfig{
		SampleRate:       c.Audio.SampleRate,
		WindowSize:       c.Analysis.WindowSize,
		Window:           fn,
		MinFrequency:     c.Analysis.MinFrequency,
		MaxFrequency:     c.Analysis.MaxFrequency,
		PowerThreshold:   c.Analysis.PowerThreshold,
		ClarityThreshold: c.Analysis.ClarityThreshold,
	}
	return pc, pc.Validate()
}

// NoteMapper builds the mapper described by the analysis section.
func (c *Config) NoteMapper() (*analysis.NoteMapper, error) {
	tuning, err := analysis.ParseTuningSystem(c.Analysis.Tuning)
	if err != nil {
		return nil, err
	}
	root, err := analysis.ParseNoteName(c.Analysis.Root)
	if err != nil {
		return nil, err
	}
	return analysis.NewNoteMapper(tuning, c.Analysis.Reference, root)
}

func (c *Config) VolumeConfig() analysis.VolumeConfig {
	return analysis.VolumeConfig{PeakDecay: c.Volume.PeakDecay, RMSSmoothing: c.Volume.RMSSmoothing}
}

// Level returns the effective log level; Debug wins over LogLevel.
func (c *Config) Level() log.LogLevel {
	if c.Debug {
		return log.LevelDebug
	}
	lvl, ok := log.ParseLevel(strings.TrimSpace(c.LogLevel))
	if !ok {
		return log.LevelInfo
	}
	return lvl
}
