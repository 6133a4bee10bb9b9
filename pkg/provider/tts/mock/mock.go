// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to control what ends up on disk and to verify which text and
// output paths were passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte("ID3...")}
//	path, _ := p.Synthesize(ctx, "hello", "/tmp/out.mp3")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aidoctor/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// OutputPath is the destination path passed to Synthesize.
	OutputPath string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is written to the output path on success. A nil or empty slice
	// produces a zero-byte file, which is useful for exercising caller-side
	// validation.
	Audio []byte

	// SkipWrite, when true, makes Synthesize report success without touching
	// the filesystem.
	SkipWrite bool

	// ResultPath, if non-empty, is returned instead of the requested output path.
	ResultPath string

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and, if SynthesizeErr is nil, writes Audio to
// outputPath.
func (p *Provider) Synthesize(ctx context.Context, text, outputPath string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, OutputPath: outputPath})
	if p.SynthesizeErr != nil {
		return "", p.SynthesizeErr
	}
	if !p.SkipWrite {
		if err := tts.WriteFile(outputPath, p.Audio); err != nil {
			return "", err
		}
	}
	if p.ResultPath != "" {
		return p.ResultPath, nil
	}
	return outputPath, nil
}

// CallCount returns the number of recorded Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
