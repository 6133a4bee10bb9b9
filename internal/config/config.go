// Package config provides the configuration schema, loader, and provider registry
// for the aidoctor service.
package config

import (
	"strconv"
	"time"
)

// LogLevel controls log verbosity for the aidoctor server.
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

// Config is the root configuration structure for aidoctor.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network, logging and storage settings for the server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":7860").
	// The PORT environment variable overrides the port.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// OutputDir is where synthesised replies are written.
	OutputDir string `yaml:"output_dir"`

	// AudioTTL is how long a synthesised reply is kept before the janitor
	// removes it. Zero disables cleanup.
	AudioTTL time.Duration `yaml:"audio_ttl"`

	// MaxUploadMB caps the size of a consultation upload (audio plus image).
	MaxUploadMB int64 `yaml:"max_upload_mb"`
}

// ProvidersConfig declares the provider chains for each pipeline stage.
// STT and TTS entries are tried in the order listed.
type ProvidersConfig struct {
	STT    []ProviderEntry `yaml:"stt"`
	Vision VisionEntry     `yaml:"vision"`
	TTS    []ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "groq", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "whisper-large-v3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// VisionEntry configures the single vision endpoint and the ordered list of
// models tried against it.
type VisionEntry struct {
	ProviderEntry `yaml:",inline"`

	Models VisionModels `yaml:"models"`
}

// VisionModels names the model requested by default and the models tried
// after it, in order.
type VisionModels struct {
	Default   string   `yaml:"default"`
	Fallbacks []string `yaml:"fallbacks"`
}

// OptionString returns Options[key] if it is a string, otherwise "".
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionFloat returns Options[key] as a float64. Integer and numeric string
// values are converted. ok is false when the key is absent or not numeric.
func (e ProviderEntry) OptionFloat(key string) (f float64, ok bool) {
	switch v := e.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// OptionInt returns Options[key] as an int. ok is false when the key is
// absent or not an integer.
func (e ProviderEntry) OptionInt(key string) (n int, ok bool) {
	switch v := e.Options[key].(type) {
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// OptionBool returns Options[key] if it is a bool, otherwise false.
func (e ProviderEntry) OptionBool(key string) bool {
	b, _ := e.Options[key].(bool)
	return b
}

// OptionDuration parses Options[key] as a [time.Duration] string such as "30s".
// ok is false when the key is absent or unparsable.
func (e ProviderEntry) OptionDuration(key string) (d time.Duration, ok bool) {
	s := e.OptionString(key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	return d, err == nil
}
