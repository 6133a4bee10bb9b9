package resilience

import (
	"context"

	"github.com/MrWong99/aidoctor/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across distinct TTS
// backends. It only reports what the backends return; checking that the
// written file is usable is left to the caller (see [tts.ValidateOutput]).
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in the order they are tried.
func (f *TTSFallback) Names() []string { return f.group.Names() }

// Synthesize writes speech for text to outputPath using the first backend
// that succeeds.
func (f *TTSFallback) Synthesize(ctx context.Context, text, outputPath string) (string, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (string, error) {
		return p.Synthesize(ctx, text, outputPath)
	})
}
