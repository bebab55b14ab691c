package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Provider names understood by the built-in registry.
const (
	ProviderGeminiLive     = "gemini-live"
	ProviderOpenAIRealtime = "openai-realtime"
)

// ValidProviderNames lists the known speech-to-speech provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{ProviderGeminiLive, ProviderOpenAIRealtime}

// apiKeyEnv lists, per provider, the environment variables consulted by
// [ApplyEnv] in order. "API_KEY" is tried last for every provider.
var apiKeyEnv = map[string][]string{
	ProviderGeminiLive:     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	ProviderOpenAIRealtime: {"OPENAI_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{Audio: AudioConfig{VirtualCable: true}}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyEnv fills provider API keys from the environment where the file
// leaves them empty, for the primary provider and each fallback. It returns
// the name of the variable used for the primary, or "" if none was set.
// getenv is usually [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) string {
	for i := range cfg.Provider.Fallbacks {
		applyEnvEntry(&cfg.Provider.Fallbacks[i], getenv)
	}
	return applyEnvEntry(&cfg.Provider, getenv)
}

func applyEnvEntry(e *ProviderEntry, getenv func(string) string) string {
	if e.APIKey != "" {
		return ""
	}
	names := append(slices.Clone(apiKeyEnv[e.Name]), "API_KEY")
	for _, name := range names {
		if v := getenv(name); v != "" {
			e.APIKey = v
			return name
		}
	}
	return ""
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if addr := cfg.Server.ListenAddr; addr != "" && addr != "off" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", addr, err))
		}
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName(cfg.Provider.Name)
	}
	for i, fb := range cfg.Provider.Fallbacks {
		switch {
		case fb.Name == "":
			errs = append(errs, fmt.Errorf("provider.fallbacks[%d].name is required", i))
		case len(fb.Fallbacks) > 0:
			errs = append(errs, fmt.Errorf("provider.fallbacks[%d] must not declare its own fallbacks", i))
		default:
			validateProviderName(fb.Name)
		}
	}

	// Call
	for i, doc := range cfg.Call.ReferenceDocs {
		if doc == "" {
			errs = append(errs, fmt.Errorf("call.reference_docs[%d] is empty", i))
		}
	}

	// Audio
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.RenderRate < 0 {
		errs = append(errs, fmt.Errorf("audio.render_rate %d must be positive", cfg.Audio.RenderRate))
	}
	if cfg.Audio.Channels != 0 && cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if cfg.Audio.Period < 0 {
		errs = append(errs, fmt.Errorf("audio.period %s must not be negative", cfg.Audio.Period))
	}
	if t := cfg.Audio.MatchThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("audio.match_threshold %.2f is out of range [0, 1]", t))
	}
	if !cfg.Audio.VirtualCable && cfg.Audio.CaptureDevice == "" && cfg.Audio.RenderDevice == "" {
		slog.Debug("no audio devices configured; the host default devices will be used")
	}

	// Watch
	if cfg.Watch.Interval < 0 {
		errs = append(errs, fmt.Errorf("watch.interval %s must not be negative", cfg.Watch.Interval))
	}

	// Failover
	if cfg.Failover.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("failover.max_failures %d must not be negative", cfg.Failover.MaxFailures))
	}
	if cfg.Failover.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("failover.cooldown %s must not be negative", cfg.Failover.Cooldown))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
