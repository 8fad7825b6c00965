// Package provider defines the reasoning provider port (interface) and its
// factory registry.
package provider

import "context"

// Options are the per-call knobs passed through to a provider. Prompt
// content itself is opaque and owned by the caller.
type Options struct {
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Result is the normalized outcome of one provider call. Confidence is a
// provider-declared heuristic in [0,1], treated as an opaque weight rather
// than a calibrated probability.
type Result struct {
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Provider is the port interface for one external reasoning provider.
// Implementations may apply an internal fallback chain, but it must look
// like a single call that either succeeds with a confidence estimate or
// fails.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g. "analyst").
	Name() string

	// Role returns the reasoning role used for fusion weighting
	// (e.g. "deliberate", "fast").
	Role() string

	// Invoke sends the prompt to the provider and returns its answer.
	Invoke(ctx context.Context, prompt string, opts Options) (*Result, error)
}
