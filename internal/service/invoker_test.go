package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/somahq/arbiter/internal/port/provider"
)

type fakeProvider struct {
	name string
	role string
	fn   func(ctx context.Context, prompt string, opts provider.Options) (*provider.Result, error)
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Role() string { return f.role }
func (f *fakeProvider) Invoke(ctx context.Context, prompt string, opts provider.Options) (*provider.Result, error) {
	return f.fn(ctx, prompt, opts)
}

func staticProvider(name, role, text string, confidence float64) *fakeProvider {
	return &fakeProvider{name: name, role: role,
		fn: func(context.Context, string, provider.Options) (*provider.Result, error) {
			return &provider.Result{Text: text, Confidence: confidence}, nil
		}}
}

func failingProvider(name, role string) *fakeProvider {
	return &fakeProvider{name: name, role: role,
		fn: func(context.Context, string, provider.Options) (*provider.Result, error) {
			return nil, errors.New("upstream unavailable")
		}}
}

type fakePool struct {
	mu    sync.Mutex
	calls []string
	fn    func(adapterName, prompt string) (*provider.Result, error)
}

func (f *fakePool) Call(ctx context.Context, adapterName, prompt string, opts map[string]any, timeout time.Duration) (*provider.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, adapterName)
	f.mu.Unlock()
	if f.fn == nil {
		return &provider.Result{Text: "worker answer", Confidence: 0.8}, nil
	}
	return f.fn(adapterName, prompt)
}

func (f *fakePool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInvokerSuccess(t *testing.T) {
	iv := NewInvoker(nil, time.Second, discardLogger())
	c := iv.Invoke(context.Background(), staticProvider("analyst", "deliberate", "hi", 0.9), "q", provider.Options{})

	if c.Source != "analyst" || c.Role != "deliberate" || c.Text != "hi" || c.Confidence != 0.9 {
		t.Fatalf("unexpected candidate: %+v", c)
	}
}

func TestInvokerClampsConfidence(t *testing.T) {
	iv := NewInvoker(nil, time.Second, discardLogger())
	c := iv.Invoke(context.Background(), staticProvider("a", "fast", "x", 3.2), "q", provider.Options{})
	if c.Confidence != 1 {
		t.Fatalf("confidence = %v, want clamped 1", c.Confidence)
	}
}

func TestInvokerWorkerFallback(t *testing.T) {
	pool := &fakePool{}
	iv := NewInvoker(pool, time.Second, discardLogger())
	c := iv.Invoke(context.Background(), failingProvider("scout", "fast"), "q", provider.Options{})

	if c.Source != "scout:worker" {
		t.Fatalf("source = %q, want scout:worker", c.Source)
	}
	if c.Role != "fast" || c.Text != "worker answer" || c.Confidence != 0.8 {
		t.Fatalf("unexpected fallback candidate: %+v", c)
	}
	if pool.callCount() != 1 {
		t.Fatalf("pool called %d times, want 1", pool.callCount())
	}
}

func TestInvokerDegradesWithoutPool(t *testing.T) {
	iv := NewInvoker(nil, time.Second, discardLogger())
	c := iv.Invoke(context.Background(), failingProvider("scout", "fast"), "q", provider.Options{})

	if c.Source != "scout:error" || c.Confidence != 0 {
		t.Fatalf("unexpected degraded candidate: %+v", c)
	}
}

func TestInvokerDegradesWhenBothPathsFail(t *testing.T) {
	pool := &fakePool{fn: func(string, string) (*provider.Result, error) {
		return nil, errors.New("no workers alive")
	}}
	iv := NewInvoker(pool, time.Second, discardLogger())
	c := iv.Invoke(context.Background(), failingProvider("scout", "fast"), "q", provider.Options{})

	if c.Source != "scout:error" || c.Confidence != 0 {
		t.Fatalf("unexpected candidate: %+v", c)
	}
}

func TestInvokerRejectsMalformedResult(t *testing.T) {
	p := &fakeProvider{name: "bad", role: "fast",
		fn: func(context.Context, string, provider.Options) (*provider.Result, error) {
			return &provider.Result{Text: "x", Confidence: math.NaN()}, nil
		}}
	iv := NewInvoker(nil, time.Second, discardLogger())
	c := iv.Invoke(context.Background(), p, "q", provider.Options{})

	if c.Source != "bad:error" || c.Confidence != 0 {
		t.Fatalf("NaN confidence accepted: %+v", c)
	}
}

func TestInvokerTimeout(t *testing.T) {
	slow := &fakeProvider{name: "slow", role: "fast",
		fn: func(ctx context.Context, _ string, _ provider.Options) (*provider.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	iv := NewInvoker(nil, 20*time.Millisecond, discardLogger())

	start := time.Now()
	c := iv.Invoke(context.Background(), slow, "q", provider.Options{})
	if c.Source != "slow:error" {
		t.Fatalf("source = %q, want slow:error", c.Source)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("invoke took %v, timeout not enforced", elapsed)
	}
}

func TestWorkerOptsFlattening(t *testing.T) {
	opts := workerOpts(provider.Options{Temperature: 0.7, MaxTokens: 256, Meta: map[string]any{"lang": "en"}})
	if opts["temperature"] != 0.7 || opts["max_tokens"] != 256 || opts["lang"] != "en" {
		t.Fatalf("unexpected worker opts: %v", opts)
	}
}
