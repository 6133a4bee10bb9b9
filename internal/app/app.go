// Package app wires all aidoctor subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the provider chains, the
// consultation service and the HTTP server, Run serves requests and cleans up
// old replies until the context is cancelled, and Shutdown stops the server.
//
// For testing, inject doubles via the [Providers] struct and functional
// options (WithMetrics, WithListener).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aidoctor/internal/config"
	"github.com/MrWong99/aidoctor/internal/doctor"
	"github.com/MrWong99/aidoctor/internal/health"
	"github.com/MrWong99/aidoctor/internal/observe"
	"github.com/MrWong99/aidoctor/internal/resilience"
	"github.com/MrWong99/aidoctor/internal/web"
	"github.com/MrWong99/aidoctor/pkg/provider/stt"
	"github.com/MrWong99/aidoctor/pkg/provider/tts"
	"github.com/MrWong99/aidoctor/pkg/provider/vision"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Providers holds the constructed providers in chain order. Populated by
// main.go via the config registry.
type Providers struct {
	STT    []resilience.Candidate[stt.Provider]
	Vision vision.Provider
	TTS    []resilience.Candidate[tts.Provider]
}

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	metrics        *observe.Metrics
	metricsHandler http.Handler
	version        string

	doctor   *doctor.Service
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	janitor  *janitor

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler mounted at GET /metrics. Defaults to
// [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithVersion sets the build version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New builds the fallback chains from providers, the consultation service and
// the HTTP handler.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = observe.MetricsHandler()
	}

	if providers == nil || providers.Vision == nil {
		return nil, errors.New("app: a vision provider is required")
	}
	sttChain, err := a.buildSTT(providers.STT)
	if err != nil {
		return nil, err
	}
	ttsChain, err := a.buildTTS(providers.TTS)
	if err != nil {
		return nil, err
	}
	visionModels := cfg.Providers.Vision.Models
	analyzer := resilience.NewVisionFallback(providers.Vision, visionModels.Fallbacks, a.fallbackConfig("vision"))

	docOpts := []doctor.Option{
		doctor.WithModel(visionModels.Default),
		doctor.WithMetrics(a.metrics),
	}
	if t, ok := cfg.Providers.Vision.OptionFloat("temperature"); ok {
		docOpts = append(docOpts, doctor.WithTemperature(t))
	}
	if n, ok := cfg.Providers.Vision.OptionInt("max_tokens"); ok {
		docOpts = append(docOpts, doctor.WithMaxTokens(n))
	}
	if p := cfg.Providers.Vision.OptionString("system_prompt"); p != "" {
		docOpts = append(docOpts, doctor.WithSystemPrompt(p))
	}
	a.doctor, err = doctor.New(sttChain, analyzer, ttsChain, cfg.Server.OutputDir, docOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	mux := http.NewServeMux()
	web.New(a.doctor, web.WithMaxUploadBytes(cfg.Server.MaxUploadMB<<20)).Register(mux)
	health.New([]health.Checker{
		health.OutputDir(cfg.Server.OutputDir),
		health.Chains(map[string]int{
			"stt":    len(sttChain.Names()),
			"vision": len(analyzer.Models(visionModels.Default)),
			"tts":    len(ttsChain.Names()),
		}),
	}, health.WithVersion(a.version)).Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.janitor = newJanitor(cfg.Server.OutputDir, cfg.Server.AudioTTL)

	slog.Info("app initialised",
		"stt", sttChain.Names(),
		"vision", analyzer.Models(visionModels.Default),
		"tts", ttsChain.Names(),
		"output_dir", cfg.Server.OutputDir,
	)
	return a, nil
}

func (a *App) buildSTT(cands []resilience.Candidate[stt.Provider]) (*resilience.STTFallback, error) {
	if len(cands) == 0 {
		return nil, fmt.Errorf("app: stt: %w", resilience.ErrNoCandidates)
	}
	chain := resilience.NewSTTFallback(cands[0].Value, cands[0].Name, a.fallbackConfig("stt"))
	for _, c := range cands[1:] {
		chain.AddFallback(c.Name, c.Value)
	}
	return chain, nil
}

func (a *App) buildTTS(cands []resilience.Candidate[tts.Provider]) (*resilience.TTSFallback, error) {
	if len(cands) == 0 {
		return nil, fmt.Errorf("app: tts: %w", resilience.ErrNoCandidates)
	}
	chain := resilience.NewTTSFallback(cands[0].Value, cands[0].Name, a.fallbackConfig("tts"))
	for _, c := range cands[1:] {
		chain.AddFallback(c.Name, c.Value)
	}
	return chain, nil
}

// fallbackConfig labels a chain and records every attempt in metrics.
func (a *App) fallbackConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		Kind: kind,
		OnAttempt: func(at resilience.Attempt) {
			a.metrics.RecordProviderAttempt(context.Background(), at.Candidate, kind, at.Err)
		},
	}
}

// Doctor returns the consultation service.
func (a *App) Doctor() *doctor.Service { return a.doctor }

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and runs the output janitor until ctx is cancelled or the
// server fails. It shuts the server down before returning. On cancellation
// Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.janitor.run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight
// consultations until ctx expires. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			a.stopErr = err
			return
		}
		slog.Info("shutdown complete")
	})
	return a.stopErr
}
