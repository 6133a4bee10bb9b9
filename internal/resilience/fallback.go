// Package resilience provides provider failover primitives.
//
// The central type is [FallbackGroup], an ordered list of interchangeable
// candidates for one capability (a vision model, a TTS engine, an STT backend).
// [ExecuteWithResult] walks the list front to back, calls each candidate
// exactly once and returns the first success. When every candidate fails the
// caller receives a single [*ChainExhaustedError] that records every attempt.
//
// A group holds no mutable state between invocations: the outcome of one call
// never influences which candidates are tried on the next.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrAllFailed is matched (via [errors.Is]) by the error returned when every
// entry in a [FallbackGroup] fails.
var ErrAllFailed = errors.New("all providers failed")

// ErrNoCandidates is returned by [NewChain] when the candidate list is empty.
var ErrNoCandidates = errors.New("resilience: fallback chain has no candidates")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// Kind labels the capability (e.g. "vision", "tts") in logs and errors.
	Kind string

	// OnAttempt, if set, is called synchronously after every candidate attempt,
	// successful or not. It must not block for long.
	OnAttempt func(Attempt)
}

// Candidate is one named entry in a fallback chain.
type Candidate[T any] struct {
	// Name identifies the candidate (provider or model name). Duplicates are
	// allowed and attempted independently.
	Name string

	// Value is handed to the invocation function when this candidate is tried.
	Value T
}

// Attempt records the outcome of invoking a single candidate.
type Attempt struct {
	// Candidate is the name of the candidate that was tried.
	Candidate string

	// Err is nil for the successful attempt.
	Err error

	// Duration is the wall-clock time the candidate took.
	Duration time.Duration
}

// ChainExhaustedError is returned when every candidate in a chain failed. It
// carries one [Attempt] per candidate, in the order they were tried.
type ChainExhaustedError struct {
	Kind     string
	Attempts []Attempt
}

// Error lists every tried candidate with its error; the last error is printed
// last.
func (e *ChainExhaustedError) Error() string {
	var b strings.Builder
	if e.Kind != "" {
		b.WriteString(e.Kind)
		b.WriteString(": ")
	}
	b.WriteString(ErrAllFailed.Error())
	b.WriteString(" (tried: ")
	b.WriteString(strings.Join(e.Tried(), ", "))
	b.WriteString(")")
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Candidate, a.Err)
	}
	return b.String()
}

// Is reports whether target is [ErrAllFailed].
func (e *ChainExhaustedError) Is(target error) bool {
	return target == ErrAllFailed
}

// Unwrap exposes every per-candidate error so that [errors.Is] and [errors.As]
// can match an underlying cause such as context.DeadlineExceeded.
func (e *ChainExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Tried returns the candidate names in attempt order.
func (e *ChainExhaustedError) Tried() []string {
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = a.Candidate
	}
	return names
}

// Last returns the error of the final attempt, or nil if there were none.
func (e *ChainExhaustedError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. Entries are tried in registration order.
//
// Registration (AddFallback) must happen before the group is shared; once built,
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []Candidate[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{
		entries: []Candidate[T]{{Name: primaryName, Value: primary}},
		cfg:     cfg,
	}
}

// NewChain creates a [FallbackGroup] from an explicit candidate list. The
// list is copied; order is preserved. An empty list is a configuration error
// and yields [ErrNoCandidates].
func NewChain[T any](cfg FallbackConfig, candidates ...Candidate[T]) (*FallbackGroup[T], error) {
	if len(candidates) == 0 {
		if cfg.Kind != "" {
			return nil, fmt.Errorf("%w (%s)", ErrNoCandidates, cfg.Kind)
		}
		return nil, ErrNoCandidates
	}
	entries := make([]Candidate[T], len(candidates))
	copy(entries, candidates)
	return &FallbackGroup[T]{entries: entries, cfg: cfg}, nil
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order they
// are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.entries = append(fg.entries, Candidate[T]{Name: name, Value: fallback})
}

// Names returns the candidate names in the order they will be tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.Name
	}
	return names
}

// Len returns the number of candidates in the group.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Execute tries fn against each entry in order until one succeeds. Returns a
// [*ChainExhaustedError] if every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. Entries after the first success
// are never invoked. This is a package-level function because Go does not
// support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var zero R
	if len(fg.entries) == 0 {
		return zero, ErrNoCandidates
	}

	attempts := make([]Attempt, 0, len(fg.entries))
	for i := range fg.entries {
		entry := &fg.entries[i]

		start := time.Now()
		result, err := fn(entry.Value)
		attempt := Attempt{Candidate: entry.Name, Err: err, Duration: time.Since(start)}
		if fg.cfg.OnAttempt != nil {
			fg.cfg.OnAttempt(attempt)
		}
		if err == nil {
			if i > 0 {
				slog.Info("fallback provider succeeded",
					"kind", fg.cfg.Kind, "provider", entry.Name, "attempt", i+1)
			}
			return result, nil
		}

		attempts = append(attempts, attempt)
		slog.Warn("provider failed, trying next",
			"kind", fg.cfg.Kind, "provider", entry.Name, "error", err)
	}
	return zero, &ChainExhaustedError{Kind: fg.cfg.Kind, Attempts: attempts}
}
