// Command aidoctor serves the AI doctor: a spoken question and an optional
// photo go in, a transcript, a written reply and a spoken reply come out.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/aidoctor/internal/app"
	"github.com/MrWong99/aidoctor/internal/config"
	"github.com/MrWong99/aidoctor/internal/doctor"
	"github.com/MrWong99/aidoctor/internal/observe"
	"github.com/MrWong99/aidoctor/internal/resilience"
	"github.com/MrWong99/aidoctor/pkg/provider/stt"
	sttopenai "github.com/MrWong99/aidoctor/pkg/provider/stt/openai"
	"github.com/MrWong99/aidoctor/pkg/provider/stt/whisper"
	"github.com/MrWong99/aidoctor/pkg/provider/tts"
	"github.com/MrWong99/aidoctor/pkg/provider/tts/coqui"
	"github.com/MrWong99/aidoctor/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/aidoctor/pkg/provider/tts/gtts"
	"github.com/MrWong99/aidoctor/pkg/provider/vision"
	"github.com/MrWong99/aidoctor/pkg/provider/vision/anyllm"
	visionopenai "github.com/MrWong99/aidoctor/pkg/provider/vision/openai"
)

const (
	defaultConfigPath = "config.yaml"
	shutdownTimeout   = 15 * time.Second

	openAIBaseURL  = "https://api.openai.com/v1/"
	openAISTTModel = "whisper-1"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the configuration")
	audioPath := flag.String("audio", "", "run a single consultation on this recording and exit")
	imagePath := flag.String("image", "", "optional image for the single consultation")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "aidoctor: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aidoctor: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aidoctor: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("aidoctor starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithVersion(version),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *audioPath != "" {
		return consultOnce(ctx, application.Doctor(), *audioPath, *imagePath)
	}

	printStartupSummary(cfg, providers)
	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path. A missing default config.yaml is not an error: the
// built-in defaults plus environment variables are enough to run.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && !flagSet("config") {
		return config.Default(), nil
	}
	return cfg, err
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// consultOnce runs a single consultation and prints the result as JSON.
func consultOnce(ctx context.Context, svc *doctor.Service, audioPath, imagePath string) int {
	res := svc.Consult(ctx, doctor.Consultation{AudioPath: audioPath, ImagePath: imagePath})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		Transcript string   `json:"transcript"`
		Reply      string   `json:"reply"`
		AudioPath  string   `json:"audio_path,omitempty"`
		Errors     []string `json:"errors,omitempty"`
	}{res.Transcript, res.Reply, res.AudioPath, res.Errors}); err != nil {
		slog.Error("write result", "err", err)
		return 1
	}
	if res.Degraded() {
		return 2
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("groq", func(entry config.ProviderEntry) (stt.Provider, error) {
		return newOpenAISTT(entry, sttopenai.GroqBaseURL, "")
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		return newOpenAISTT(entry, openAIBaseURL, openAISTTModel)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d, ok := entry.OptionDuration("timeout"); ok {
			opts = append(opts, whisper.WithTimeout(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Vision ────────────────────────────────────────────────────────────────

	reg.RegisterVision("groq", func(entry config.ProviderEntry) (vision.Provider, error) {
		return newOpenAIVision(entry, visionopenai.GroqBaseURL)
	})

	reg.RegisterVision("openai", func(entry config.ProviderEntry) (vision.Provider, error) {
		return newOpenAIVision(entry, openAIBaseURL)
	})

	// anyllm reaches every backend any-llm-go supports; options.provider picks
	// which one.
	reg.RegisterVision("anyllm", func(entry config.ProviderEntry) (vision.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.OptionString("provider"), opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptionString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := entry.OptionString("voice_id"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("gtts", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []gtts.Option
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, gtts.WithLanguage(lang))
		}
		if entry.OptionBool("slow") {
			opts = append(opts, gtts.WithSlow(true))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gtts.WithBaseURL(entry.BaseURL))
		}
		if d, ok := entry.OptionDuration("timeout"); ok {
			opts = append(opts, gtts.WithTimeout(d))
		}
		return gtts.New(opts...), nil
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if speaker := entry.OptionString("speaker"); speaker != "" {
			opts = append(opts, coqui.WithSpeaker(speaker))
		}
		if d, ok := entry.OptionDuration("timeout"); ok {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"stt", "vision", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

func newOpenAISTT(entry config.ProviderEntry, defaultBaseURL, defaultModel string) (stt.Provider, error) {
	opts := []sttopenai.Option{sttopenai.WithBaseURL(cmp.Or(entry.BaseURL, defaultBaseURL))}
	if model := cmp.Or(entry.Model, defaultModel); model != "" {
		opts = append(opts, sttopenai.WithModel(model))
	}
	if lang := entry.OptionString("language"); lang != "" {
		opts = append(opts, sttopenai.WithLanguage(lang))
	}
	if prompt := entry.OptionString("prompt"); prompt != "" {
		opts = append(opts, sttopenai.WithPrompt(prompt))
	}
	if d, ok := entry.OptionDuration("timeout"); ok {
		opts = append(opts, sttopenai.WithTimeout(d))
	}
	return sttopenai.New(entry.APIKey, opts...)
}

func newOpenAIVision(entry config.ProviderEntry, defaultBaseURL string) (vision.Provider, error) {
	opts := []visionopenai.Option{visionopenai.WithBaseURL(cmp.Or(entry.BaseURL, defaultBaseURL))}
	if org := entry.OptionString("organization"); org != "" {
		opts = append(opts, visionopenai.WithOrganization(org))
	}
	if d, ok := entry.OptionDuration("timeout"); ok {
		opts = append(opts, visionopenai.WithTimeout(d))
	}
	return visionopenai.New(entry.APIKey, opts...)
}

// buildProviders instantiates the configured chains using the registry. A
// chain member that cannot be constructed (typically a missing API key) is
// skipped with a warning so the remaining members can still serve; a chain
// left empty is an error. The vision provider is required.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	for _, entry := range cfg.Providers.STT {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			slog.Warn("stt provider unavailable, skipping", "name", entry.Name, "err", err)
			continue
		}
		ps.STT = append(ps.STT, resilience.Candidate[stt.Provider]{Name: entry.Name, Value: p})
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "model", entry.Model)
	}
	if len(ps.STT) == 0 {
		return nil, errors.New("no usable stt provider configured")
	}

	v, err := reg.CreateVision(cfg.Providers.Vision.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create vision provider %q: %w", cfg.Providers.Vision.Name, err)
	}
	ps.Vision = v
	slog.Info("provider created", "kind", "vision", "name", cfg.Providers.Vision.Name,
		"model", cfg.Providers.Vision.Models.Default)

	for _, entry := range cfg.Providers.TTS {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			slog.Warn("tts provider unavailable, skipping", "name", entry.Name, "err", err)
			continue
		}
		ps.TTS = append(ps.TTS, resilience.Candidate[tts.Provider]{Name: entry.Name, Value: p})
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
	}
	if len(ps.TTS) == 0 {
		return nil, errors.New("no usable tts provider configured")
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        AI Doctor: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", candidateNames(ps.STT))
	printProvider("Vision", cfg.Providers.Vision.Name+" / "+cfg.Providers.Vision.Models.Default)
	printProvider("Fallbacks", fmt.Sprintf("%d model(s)", len(cfg.Providers.Vision.Models.Fallbacks)))
	printProvider("TTS", candidateNames(ps.TTS))
	printProvider("Output dir", cfg.Server.OutputDir)
	printProvider("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func candidateNames[T any](cands []resilience.Candidate[T]) string {
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.Name
	}
	return strings.Join(names, ",")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
