// Package mock provides a test double for the vision.Provider interface.
//
// Replies and errors can be configured per model so that fallback chains over
// several model identifiers can be exercised against a single Provider.
//
// Example:
//
//	p := &mock.Provider{
//	    Errors: map[string]error{"primary-model": errors.New("model not found")},
//	    Reply:  "Looks like a mild sunburn.",
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aidoctor/pkg/provider/vision"
)

// InferCall records a single invocation of Infer.
type InferCall struct {
	// Ctx is the context passed to Infer.
	Ctx context.Context
	// Model is the model identifier passed to Infer.
	Model string
	// Req is the request passed to Infer.
	Req vision.Request
}

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Reply is returned for any model without an entry in Replies.
	Reply string

	// Replies overrides Reply for specific models.
	Replies map[string]string

	// Err, if non-nil, is returned for any model without an entry in Errors.
	Err error

	// Errors maps model identifiers to the error Infer returns for them.
	Errors map[string]error

	// --- Call records ---

	// InferCalls records every call to Infer in order.
	InferCalls []InferCall
}

// Infer records the call and returns the configured reply or error for model.
func (p *Provider) Infer(ctx context.Context, model string, req vision.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InferCalls = append(p.InferCalls, InferCall{Ctx: ctx, Model: model, Req: req})
	if err, ok := p.Errors[model]; ok && err != nil {
		return "", err
	}
	if p.Err != nil {
		return "", p.Err
	}
	if r, ok := p.Replies[model]; ok {
		return r, nil
	}
	return p.Reply, nil
}

// Models returns the model identifiers of all recorded calls in order.
// Thread-safe.
func (p *Provider) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	models := make([]string, len(p.InferCalls))
	for i, c := range p.InferCalls {
		models[i] = c.Model
	}
	return models
}

// CallCount returns the number of recorded Infer calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.InferCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InferCalls = nil
}

// Ensure Provider implements vision.Provider at compile time.
var _ vision.Provider = (*Provider)(nil)
