// Package anyllm provides a vision provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface. It lets
// the consultation pipeline run against Groq, OpenAI, Gemini, Anthropic,
// Mistral or a local Ollama / llama.cpp server with a multimodal model.
//
// Usage:
//
//	p, err := anyllm.New("gemini", anyllmlib.WithAPIKey("..."))
//	reply, err := p.Infer(ctx, "gemini-2.0-flash", req)
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/aidoctor/pkg/provider/vision"
)

// Compile-time interface assertion.
var _ vision.Provider = (*Provider)(nil)

// Provider implements vision.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	name    string
}

// New creates a new Provider backed by the given backend name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "mistral",
// "groq", "llamacpp".
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the backend falls back to
// its usual environment variable (GROQ_API_KEY, OPENAI_API_KEY, ...).
func New(providerName string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, name: strings.ToLower(providerName)}, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, mistral, groq, llamacpp", providerName)
	}
}

// Infer implements vision.Provider.
func (p *Provider) Infer(ctx context.Context, model string, req vision.Request) (string, error) {
	resp, err := p.backend.Completion(ctx, buildParams(model, req))
	if err != nil {
		return "", fmt.Errorf("anyllm: %s completion (%s): %w", p.name, model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: empty choices in response (%s)", model)
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if reply == "" {
		return "", fmt.Errorf("anyllm: empty reply (%s)", model)
	}
	return reply, nil
}

// buildParams converts a vision.Request into anyllm CompletionParams. The
// prompt and the image are sent as content parts of one user message.
func buildParams(model string, req vision.Request) anyllmlib.CompletionParams {
	parts := []anyllmlib.ContentPart{
		{Type: "text", Text: req.Prompt},
	}
	if !req.Image.IsZero() {
		parts = append(parts, anyllmlib.ContentPart{
			Type:     "image_url",
			ImageURL: &anyllmlib.ImageURL{URL: req.Image.DataURL()},
		})
	}

	params := anyllmlib.CompletionParams{
		Model: model,
		Messages: []anyllmlib.Message{{
			Role:    anyllmlib.RoleUser,
			Content: parts,
		}},
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}
