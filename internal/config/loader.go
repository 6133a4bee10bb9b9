package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Built-in defaults, matching the hosted Groq + ElevenLabs setup.
const (
	DefaultPort         = "7860"
	DefaultListenAddr   = ":" + DefaultPort
	DefaultOutputDir    = "output"
	DefaultAudioTTL     = time.Hour
	DefaultMaxUploadMB  = 25
	DefaultSTTModel     = "whisper-large-v3"
	DefaultVisionModel  = "meta-llama/llama-4-scout-17b-16e-instruct"
	DefaultTTSPrimary   = "elevenlabs"
	DefaultTTSSecondary = "gtts"
)

// DefaultVisionFallbacks are the models tried after the requested one.
var DefaultVisionFallbacks = []string{
	"llama-3.2-11b-vision-preview",
	"llama-3.2-90b-vision-preview",
}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":    {"groq", "openai", "whisper"},
	"vision": {"groq", "openai", "anyllm"},
	"tts":    {"elevenlabs", "gtts", "coqui"},
}

// apiKeyEnv names the environment variable consulted when a provider entry
// has no api_key.
var apiKeyEnv = map[string]string{
	"groq":       "GROQ_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"elevenlabs": "ELEVENLABS_API_KEY",
}

// LoadEnv loads KEY=value pairs from the given dotenv files into the process
// environment without overriding variables that are already set. Missing files
// are ignored. With no arguments ".env" in the working directory is used.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", f, err)
		}
	}
	return nil
}

// Default returns the configuration used when no config file is present:
// Groq whisper for STT, the Groq vision model chain and ElevenLabs with a
// gTTS fallback for speech. Credentials come from the environment.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, fills in defaults, resolves
// credentials from the environment and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every unset field with its built-in default. An empty
// provider section gets the default chain for that stage.
func applyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.OutputDir == "" {
		s.OutputDir = DefaultOutputDir
	}
	if s.AudioTTL == 0 {
		s.AudioTTL = DefaultAudioTTL
	}
	if s.MaxUploadMB == 0 {
		s.MaxUploadMB = DefaultMaxUploadMB
	}

	p := &cfg.Providers
	if len(p.STT) == 0 {
		p.STT = []ProviderEntry{{Name: "groq", Model: DefaultSTTModel}}
	}
	if p.Vision.Name == "" {
		p.Vision.Name = "groq"
	}
	if p.Vision.Models.Default == "" {
		p.Vision.Models.Default = p.Vision.Model
	}
	if p.Vision.Models.Default == "" {
		p.Vision.Models.Default = DefaultVisionModel
	}
	if p.Vision.Models.Fallbacks == nil {
		p.Vision.Models.Fallbacks = slices.Clone(DefaultVisionFallbacks)
	}
	if len(p.TTS) == 0 {
		p.TTS = []ProviderEntry{{Name: DefaultTTSPrimary}, {Name: DefaultTTSSecondary}}
	}
}

// ApplyEnv resolves environment overrides using getenv: PORT replaces the
// port of server.listen_addr and provider entries without an api_key take it
// from the provider's well-known variable (GROQ_API_KEY, ELEVENLABS_API_KEY,
// ...). For anyllm entries the variable is derived from options.provider,
// e.g. "gemini" reads GEMINI_API_KEY.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		host, _, err := net.SplitHostPort(cfg.Server.ListenAddr)
		if err != nil {
			host = ""
		}
		cfg.Server.ListenAddr = net.JoinHostPort(host, port)
	}

	fill := func(e *ProviderEntry) {
		if e.APIKey != "" {
			return
		}
		if v := envKeyFor(*e); v != "" {
			e.APIKey = getenv(v)
		}
	}
	for i := range cfg.Providers.STT {
		fill(&cfg.Providers.STT[i])
	}
	fill(&cfg.Providers.Vision.ProviderEntry)
	for i := range cfg.Providers.TTS {
		fill(&cfg.Providers.TTS[i])
	}
}

// envKeyFor returns the environment variable holding the API key for e, or ""
// when the provider does not take one.
func envKeyFor(e ProviderEntry) string {
	if e.Name == "anyllm" {
		backend := e.OptionString("provider")
		if backend == "" || backend == "ollama" || backend == "llamacpp" {
			return ""
		}
		return strings.ToUpper(backend) + "_API_KEY"
	}
	return apiKeyEnv[e.Name]
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.OutputDir == "" {
		errs = append(errs, errors.New("server.output_dir is required"))
	}
	if cfg.Server.AudioTTL < 0 {
		errs = append(errs, fmt.Errorf("server.audio_ttl %s must not be negative", cfg.Server.AudioTTL))
	}
	if cfg.Server.MaxUploadMB < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_mb %d must not be negative", cfg.Server.MaxUploadMB))
	}

	// Provider chains
	errs = append(errs, validateChain("stt", cfg.Providers.STT)...)
	errs = append(errs, validateChain("tts", cfg.Providers.TTS)...)

	vision := cfg.Providers.Vision
	if vision.Name == "" {
		errs = append(errs, errors.New("providers.vision.name is required"))
	} else {
		validateProviderName("vision", vision.Name)
	}
	if vision.Models.Default == "" {
		errs = append(errs, errors.New("providers.vision.models.default is required"))
	}
	if vision.Name == "anyllm" && vision.OptionString("provider") == "" {
		errs = append(errs, errors.New("providers.vision.options.provider is required for anyllm"))
	}
	for i, m := range vision.Models.Fallbacks {
		if strings.TrimSpace(m) == "" {
			slog.Warn("empty vision fallback model; it will be attempted and fail", "index", i)
		}
	}

	return errors.Join(errs...)
}

// validateChain checks one ordered provider list.
func validateChain(kind string, entries []ProviderEntry) []error {
	if len(entries) == 0 {
		return []error{fmt.Errorf("providers.%s must list at least one provider", kind)}
	}
	var errs []error
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, e.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
