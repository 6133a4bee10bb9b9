package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/aidoctor/pkg/provider/vision"
)

// errEmptyReply is recorded for a model that answered with only whitespace.
var errEmptyReply = errors.New("empty reply")

// VisionFallback implements [vision.Analyzer] by trying a caller-requested
// model first and then a fixed list of alternate models, all served by the
// same [vision.Provider].
type VisionFallback struct {
	provider  vision.Provider
	fallbacks []string
	cfg       FallbackConfig
}

// Compile-time interface assertion.
var _ vision.Analyzer = (*VisionFallback)(nil)

// NewVisionFallback creates a [VisionFallback]. fallbacks are tried in order
// after the model passed to [VisionFallback.Analyze].
func NewVisionFallback(provider vision.Provider, fallbacks []string, cfg FallbackConfig) *VisionFallback {
	if cfg.Kind == "" {
		cfg.Kind = "vision"
	}
	return &VisionFallback{
		provider:  provider,
		fallbacks: append([]string(nil), fallbacks...),
		cfg:       cfg,
	}
}

// Models returns the chain that [VisionFallback.Analyze] tries for model.
func (f *VisionFallback) Models(model string) []string {
	return append([]string{model}, f.fallbacks...)
}

// Analyze sends req to model, then to each fallback model in turn, and
// returns the first non-empty reply with surrounding whitespace removed. The
// requested model is attempted even when it is empty.
func (f *VisionFallback) Analyze(ctx context.Context, model string, req vision.Request) (string, error) {
	models := f.Models(model)
	candidates := make([]Candidate[string], len(models))
	for i, m := range models {
		candidates[i] = Candidate[string]{Name: m, Value: m}
	}
	chain, err := NewChain(f.cfg, candidates...)
	if err != nil {
		return "", err
	}
	return ExecuteWithResult(chain, func(m string) (string, error) {
		reply, err := f.provider.Infer(ctx, m, req)
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(reply)
		if reply == "" {
			return "", errEmptyReply
		}
		return reply, nil
	})
}
