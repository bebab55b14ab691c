// Package config provides the configuration schema, loader, and provider registry
// for callbridge.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":9464"
	DefaultProvider       = "gemini-live"
	DefaultVoice          = "Zephyr"
	DefaultLanguage       = "English"
	DefaultCaptureRate    = 16000
	DefaultRenderRate     = 24000
	DefaultMatchThreshold = 0.85
	DefaultPreviewModel   = "gemini-2.5-flash-preview-tts"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderEntry  `yaml:"provider"`
	Call     CallConfig     `yaml:"call"`
	Audio    AudioConfig    `yaml:"audio"`
	Preview  PreviewConfig  `yaml:"preview"`
	Watch    WatchConfig    `yaml:"watch"`
	Failover FailoverConfig `yaml:"failover"`
}

// ServerConfig holds the operations listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /healthz, /readyz and /metrics
	// (e.g., ":9464"). "off" disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the speech-to-speech agent backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live",
	// "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. When empty it
	// is taken from the environment by [ApplyEnv].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific realtime model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider's handshake fails.
	// Only valid on the top-level provider entry.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// CallConfig holds the per-call agent settings. Changes on disk apply to the
// next call.
type CallConfig struct {
	// Instructions is the system instruction. When empty the built-in
	// supervisor-proxy instruction for Language is used.
	Instructions string `yaml:"instructions"`

	// Voice is the agent voice identifier.
	Voice string `yaml:"voice"`

	// Language is the conversation language.
	Language string `yaml:"language"`

	// ReferenceDocs lists plain-text files whose contents are appended to the
	// instruction as background knowledge.
	ReferenceDocs []string `yaml:"reference_docs"`
}

// AudioConfig selects the sound devices and stream formats.
type AudioConfig struct {
	// CaptureDevice is the input device name. Matched exactly, then by
	// substring, then fuzzily.
	CaptureDevice string `yaml:"capture_device"`

	// RenderDevice is the output device name.
	RenderDevice string `yaml:"render_device"`

	// VirtualCable selects the well-known virtual cable endpoints for any
	// device name left empty.
	VirtualCable bool `yaml:"virtual_cable"`

	// CaptureRate is the rate the capture device is opened at. Audio is
	// converted to the agent's 16 kHz input format.
	CaptureRate int `yaml:"capture_rate"`

	// RenderRate is the rate the render device is opened at. Agent audio
	// (24 kHz) is converted to it.
	RenderRate int `yaml:"render_rate"`

	// Channels is the render device channel count (1 or 2).
	Channels int `yaml:"channels"`

	// Period is the driver buffer length (e.g., "20ms"). Zero uses the
	// device's low-latency default.
	Period time.Duration `yaml:"period"`

	// MatchThreshold is the minimum fuzzy score for device name matching.
	MatchThreshold float64 `yaml:"match_threshold"`
}

// PreviewConfig configures the voice preview synthesiser.
type PreviewConfig struct {
	// Model is the text-to-speech model used for previews.
	Model string `yaml:"model"`

	// Text overrides the greeting spoken in previews.
	Text string `yaml:"text"`
}

// WatchConfig controls hot reload of the configuration file.
type WatchConfig struct {
	// Enabled turns on polling of the configuration file.
	Enabled bool `yaml:"enabled"`

	// Interval is the polling interval. Default: 5s.
	Interval time.Duration `yaml:"interval"`
}

// FailoverConfig tunes the per-provider circuit breakers used when
// provider.fallbacks is set.
type FailoverConfig struct {
	// MaxFailures is the number of consecutive failed handshakes after which
	// a provider is skipped. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long a tripped provider is skipped. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Call.Voice == "" {
		cfg.Call.Voice = DefaultVoice
	}
	if cfg.Call.Language == "" {
		cfg.Call.Language = DefaultLanguage
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = DefaultCaptureRate
	}
	if cfg.Audio.RenderRate == 0 {
		cfg.Audio.RenderRate = DefaultRenderRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.MatchThreshold == 0 {
		cfg.Audio.MatchThreshold = DefaultMatchThreshold
	}
	if cfg.Preview.Model == "" {
		cfg.Preview.Model = DefaultPreviewModel
	}
	if cfg.Watch.Interval == 0 {
		cfg.Watch.Interval = 5 * time.Second
	}
	if cfg.Failover.MaxFailures == 0 {
		cfg.Failover.MaxFailures = 3
	}
	if cfg.Failover.Cooldown == 0 {
		cfg.Failover.Cooldown = 30 * time.Second
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Audio: AudioConfig{VirtualCable: true}}
	ApplyDefaults(cfg)
	return cfg
}
