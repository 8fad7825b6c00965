package service

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/somahq/arbiter/internal/domain/episode"
	"github.com/somahq/arbiter/internal/port/provider"
)

// WorkerCaller is the worker pool surface the invoker needs: one call to a
// named adapter inside an isolated worker process.
type WorkerCaller interface {
	Call(ctx context.Context, adapterName, prompt string, opts map[string]any, timeout time.Duration) (*provider.Result, error)
}

// Invoker wraps provider calls so that every call produces a Candidate,
// never an error. A failed in-process call falls back once to the worker
// pool (when one is configured); if both paths fail the candidate carries
// zero confidence so fusion still has a value to work with.
type Invoker struct {
	pool    WorkerCaller
	timeout time.Duration
	log     *slog.Logger
}

// NewInvoker creates an Invoker. pool may be nil, in which case in-process
// failures degrade directly to zero-confidence candidates.
func NewInvoker(pool WorkerCaller, timeout time.Duration, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{pool: pool, timeout: timeout, log: log}
}

// Invoke calls the provider and normalizes the outcome into a Candidate
// tagged with the provider's name:
//   - success:        source = name
//   - worker fallback: source = name + ":worker"
//   - total failure:   source = name + ":error", confidence 0
func (iv *Invoker) Invoke(ctx context.Context, p provider.Provider, prompt string, opts provider.Options) episode.Candidate {
	callCtx, cancel := context.WithTimeout(ctx, iv.timeout)
	defer cancel()

	res, err := p.Invoke(callCtx, prompt, opts)
	if err == nil && wellFormed(res) {
		return episode.Candidate{
			Source:     p.Name(),
			Role:       p.Role(),
			Text:       res.Text,
			Confidence: episode.Clamp01(res.Confidence),
		}
	}
	if err != nil {
		iv.log.Warn("provider call failed", "provider", p.Name(), "error", err)
	} else {
		iv.log.Warn("provider returned malformed result", "provider", p.Name())
	}

	if iv.pool != nil {
		res, err = iv.pool.Call(ctx, p.Name(), prompt, workerOpts(opts), iv.timeout)
		if err == nil && wellFormed(res) {
			return episode.Candidate{
				Source:     p.Name() + ":worker",
				Role:       p.Role(),
				Text:       res.Text,
				Confidence: episode.Clamp01(res.Confidence),
			}
		}
		if err != nil {
			iv.log.Warn("worker fallback failed", "provider", p.Name(), "error", err)
		}
	}

	return episode.Candidate{
		Source:     p.Name() + ":error",
		Role:       p.Role(),
		Confidence: 0,
	}
}

// wellFormed rejects results the downstream fusion cannot use.
func wellFormed(res *provider.Result) bool {
	if res == nil {
		return false
	}
	return !math.IsNaN(res.Confidence) && !math.IsInf(res.Confidence, 0)
}

// workerOpts flattens provider options into the wire-level opts map.
func workerOpts(opts provider.Options) map[string]any {
	m := make(map[string]any, 2+len(opts.Meta))
	if opts.Temperature != 0 {
		m["temperature"] = opts.Temperature
	}
	if opts.MaxTokens != 0 {
		m["max_tokens"] = opts.MaxTokens
	}
	for k, v := range opts.Meta {
		m[k] = v
	}
	return m
}
