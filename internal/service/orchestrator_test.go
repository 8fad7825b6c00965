package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/somahq/arbiter/internal/config"
	"github.com/somahq/arbiter/internal/domain/episode"
	"github.com/somahq/arbiter/internal/port/eventbus"
	"github.com/somahq/arbiter/internal/port/provider"
)

type memStore struct {
	mu       sync.Mutex
	persists int
	fail     bool
	episodes map[string]*episode.Episode
}

func newMemStore() *memStore {
	return &memStore{episodes: make(map[string]*episode.Episode)}
}

func (s *memStore) Persist(_ context.Context, ep *episode.Episode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists++
	if s.fail {
		return "", errors.New("storage unavailable")
	}
	if _, ok := s.episodes[ep.TraceID]; ok {
		return "", fmt.Errorf("episode %s already persisted", ep.TraceID)
	}
	cp := *ep
	s.episodes[ep.TraceID] = &cp
	return "key_" + ep.TraceID, nil
}

func (s *memStore) Get(_ context.Context, traceID string) (*episode.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[traceID]
	if !ok {
		return nil, fmt.Errorf("episode %s not found", traceID)
	}
	return ep, nil
}

func (s *memStore) persistCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persists
}

func (s *memStore) episode(t *testing.T, traceID string) *episode.Episode {
	t.Helper()
	ep, err := s.Get(context.Background(), traceID)
	if err != nil {
		t.Fatalf("persisted episode missing: %v", err)
	}
	return ep
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMemBus() *memBus { return &memBus{messages: make(map[string][][]byte)} }

func (b *memBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[subject] = append(b.messages[subject], data)
	return nil
}

func (b *memBus) Subscribe(context.Context, string, eventbus.Handler) (func(), error) {
	return func() {}, nil
}

func (b *memBus) Close() error { return nil }

func (b *memBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[subject])
}

type rejectAllGate struct{}

func (rejectAllGate) Allow(episode.Meta, episode.FusedResult) bool { return false }

func testCfg() config.Orchestrator {
	cfg := config.Defaults().Orchestrator
	cfg.ClassifierJitterOff = true
	return cfg
}

func newTestOrchestrator(cfg config.Orchestrator, providers []provider.Provider, store *memStore, pool WorkerCaller) *Orchestrator {
	log := discardLogger()
	iv := NewInvoker(pool, time.Second, log)
	o := NewOrchestrator(cfg, providers, iv, store, log)
	if pool != nil {
		o.SetWorkerPool(pool, time.Second)
	}
	return o
}

func TestEvaluateHappyPath(t *testing.T) {
	cfg := testCfg()
	cfg.FinalizeConfidence = 0.8
	store := newMemStore()
	providers := []provider.Provider{
		staticProvider("a", "fast", "answer a", 0.9),
		staticProvider("b", "fast", "answer b", 0.6),
		staticProvider("c", "fast", "answer c", 0.85),
	}
	o := newTestOrchestrator(cfg, providers, store, nil)

	meta := episode.Meta{Domain: "general", NoveltyScore: 0.2, QueryLength: 20}
	res, err := o.Evaluate(context.Background(), "what is consensus", &meta)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if res.Outcome != episode.OutcomeFinalized {
		t.Fatalf("outcome = %q, want finalized", res.Outcome)
	}
	if res.Rounds != 0 {
		t.Fatalf("rounds = %d, want 0 (no reflection needed)", res.Rounds)
	}
	if res.Confidence < 0.8 {
		t.Fatalf("confidence = %v, want >= 0.8", res.Confidence)
	}
	if res.Text != "answer a" {
		t.Fatalf("text = %q, want highest-raw-score candidate", res.Text)
	}
	if store.persistCount() != 1 {
		t.Fatalf("persist count = %d, want 1", store.persistCount())
	}

	ep := store.episode(t, res.TraceID)
	if len(ep.Candidates) != 3 {
		t.Fatalf("persisted %d candidates, want 3", len(ep.Candidates))
	}
}

func TestEvaluateEscalationTrigger(t *testing.T) {
	cfg := testCfg()
	store := newMemStore()
	pool := &fakePool{fn: func(string, string) (*provider.Result, error) {
		return &provider.Result{Text: "isolated opinion", Confidence: 0.95}, nil
	}}
	providers := []provider.Provider{
		staticProvider("analyst", "deliberate", "confident take", 0.95),
		staticProvider("scout", "fast", "other take", 0.95),
	}
	o := newTestOrchestrator(cfg, providers, store, pool)

	meta := episode.Meta{Domain: "medical", NoveltyScore: 0.3, QueryLength: 40}
	res, err := o.Evaluate(context.Background(), "dosage question", &meta)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if res.Escalation == nil || !res.Escalation.Escalate {
		t.Fatal("high-risk domain must escalate even at high confidence")
	}
	if res.Escalation.Reason != episode.ReasonHighRiskDomain {
		t.Fatalf("reason = %q, want high_risk_domain", res.Escalation.Reason)
	}
	if pool.callCount() != len(providers) {
		t.Fatalf("worker fan-out made %d calls, want %d", pool.callCount(), len(providers))
	}

	ep := store.episode(t, res.TraceID)
	// 2 initial + 2 worker opinions, no reflection (confidence high)
	if len(ep.Candidates) != 4 {
		t.Fatalf("persisted %d candidates, want 4", len(ep.Candidates))
	}
	workers := 0
	for _, c := range ep.Candidates {
		if c.Source == "analyst:worker" || c.Source == "scout:worker" {
			workers++
		}
	}
	if workers != 2 {
		t.Fatalf("worker candidates = %d, want 2", workers)
	}
}

func TestEvaluateEscalationWithoutPool(t *testing.T) {
	cfg := testCfg()
	store := newMemStore()
	o := newTestOrchestrator(cfg, []provider.Provider{
		staticProvider("analyst", "deliberate", "take", 0.95),
	}, store, nil)

	meta := episode.Meta{Domain: "medical"}
	res, err := o.Evaluate(context.Background(), "q", &meta)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if res.Escalation == nil || !res.Escalation.Escalate {
		t.Fatal("escalation decision must still be recorded without a pool")
	}
	if len(store.episode(t, res.TraceID).Candidates) != 1 {
		t.Fatal("no worker candidates expected without a pool")
	}
}

func TestEvaluateExhaustedRounds(t *testing.T) {
	cfg := testCfg()
	cfg.MaxReflection = 3
	store := newMemStore()

	var mu sync.Mutex
	invocations := 0
	stubborn := func(name, role string) *fakeProvider {
		return &fakeProvider{name: name, role: role,
			fn: func(context.Context, string, provider.Options) (*provider.Result, error) {
				mu.Lock()
				invocations++
				mu.Unlock()
				return &provider.Result{Text: "shrug", Confidence: 0.3}, nil
			}}
	}
	o := newTestOrchestrator(cfg, []provider.Provider{
		stubborn("analyst", "deliberate"),
		stubborn("scout", "fast"),
	}, store, nil)

	meta := episode.Meta{Domain: "general", NoveltyScore: 0.1, QueryLength: 10}
	res, err := o.Evaluate(context.Background(), "hard question", &meta)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if res.Outcome != episode.OutcomeFinalized {
		t.Fatalf("outcome = %q, want finalized despite low confidence", res.Outcome)
	}
	if res.Rounds != 3 {
		t.Fatalf("rounds = %d, want exactly 3", res.Rounds)
	}
	// 2 initial + 3 rounds x 2 reflection calls
	if invocations != 8 {
		t.Fatalf("provider invocations = %d, want 8", invocations)
	}
	if res.Confidence >= cfg.FinalizeConfidence {
		t.Fatalf("confidence = %v, expected to stay below %v", res.Confidence, cfg.FinalizeConfidence)
	}

	ep := store.episode(t, res.TraceID)
	if len(ep.Candidates) != 8 {
		t.Fatalf("persisted %d candidates, want 8 (append-only growth)", len(ep.Candidates))
	}
}

func TestEvaluateSafetyDecline(t *testing.T) {
	cfg := testCfg()
	store := newMemStore()
	bus := newMemBus()
	o := newTestOrchestrator(cfg, []provider.Provider{
		staticProvider("analyst", "deliberate", "risky answer", 0.95),
	}, store, nil)
	o.SetSafetyGate(rejectAllGate{})
	o.SetBus(bus)

	meta := episode.Meta{Domain: "general"}
	res, err := o.Evaluate(context.Background(), "q", &meta)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if res.Outcome != episode.OutcomeDeclined {
		t.Fatalf("outcome = %q, want declined", res.Outcome)
	}
	if res.Text != cfg.DeclineMessage {
		t.Fatalf("text = %q, want the fixed decline message", res.Text)
	}
	if ep := store.episode(t, res.TraceID); ep.Outcome != episode.OutcomeDeclined {
		t.Fatalf("persisted outcome = %q, want declined", ep.Outcome)
	}
	if bus.count(eventbus.SubjectDeclined) != 1 {
		t.Fatal("declined episode must publish to the declined subject")
	}
}

func TestEvaluateErrorStillPersists(t *testing.T) {
	cfg := testCfg()
	store := newMemStore()
	panicky := &fakeProvider{name: "boom", role: "fast",
		fn: func(context.Context, string, provider.Options) (*provider.Result, error) {
			panic("adapter blew up")
		}}
	o := newTestOrchestrator(cfg, []provider.Provider{panicky}, store, nil)

	meta := episode.Meta{Domain: "general"}
	_, err := o.Evaluate(context.Background(), "q", &meta)
	if err == nil {
		t.Fatal("expected an error outcome")
	}
	var epErr *EpisodeError
	if !errors.As(err, &epErr) {
		t.Fatalf("error type = %T, want *EpisodeError", err)
	}
	if store.persistCount() != 1 {
		t.Fatalf("persist count = %d, want 1 on the error path", store.persistCount())
	}
	if ep := store.episode(t, epErr.TraceID); ep.Outcome != episode.OutcomeError || ep.Error == "" {
		t.Fatalf("persisted episode = outcome %q error %q, want recorded failure", ep.Outcome, ep.Error)
	}
}

func TestEvaluatePersistsExactlyOnceUnderLoad(t *testing.T) {
	cfg := testCfg()
	store := newMemStore()
	o := newTestOrchestrator(cfg, []provider.Provider{
		staticProvider("analyst", "deliberate", "a", 0.95),
	}, store, nil)

	const episodes = 100
	var wg sync.WaitGroup
	meta := episode.Meta{Domain: "general"}
	for i := 0; i < episodes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Evaluate(context.Background(), "q", &meta); err != nil {
				t.Errorf("Evaluate() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if store.persistCount() != episodes {
		t.Fatalf("persist count = %d, want %d", store.persistCount(), episodes)
	}
}

func TestEvaluatePersistFailureDoesNotFailEpisode(t *testing.T) {
	cfg := testCfg()
	store := newMemStore()
	store.fail = true
	o := newTestOrchestrator(cfg, []provider.Provider{
		staticProvider("analyst", "deliberate", "a", 0.95),
	}, store, nil)

	meta := episode.Meta{Domain: "general"}
	res, err := o.Evaluate(context.Background(), "q", &meta)
	if err != nil {
		t.Fatalf("Evaluate() error: %v, persistence must be best-effort", err)
	}
	if res.StorageKey != "" {
		t.Fatalf("storage key = %q, want empty on failed persist", res.StorageKey)
	}
	if store.persistCount() != 1 {
		t.Fatalf("persist attempts = %d, want exactly 1 even on failure", store.persistCount())
	}
}

func TestEvaluateTimeoutIsolation(t *testing.T) {
	cfg := testCfg()
	cfg.MaxReflection = 0
	store := newMemStore()
	slow := &fakeProvider{name: "slow", role: "fast",
		fn: func(ctx context.Context, _ string, _ provider.Options) (*provider.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	log := discardLogger()
	iv := NewInvoker(nil, 30*time.Millisecond, log)
	o := NewOrchestrator(cfg, []provider.Provider{
		slow,
		staticProvider("quick", "fast", "fast answer", 0.9),
	}, iv, store, log)

	meta := episode.Meta{Domain: "general"}
	start := time.Now()
	res, err := o.Evaluate(context.Background(), "q", &meta)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("episode took %v, round latency not bounded by per-call timeout", elapsed)
	}

	ep := store.episode(t, res.TraceID)
	if len(ep.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(ep.Candidates))
	}
	sources := map[string]bool{}
	for _, c := range ep.Candidates {
		sources[c.Source] = true
	}
	if !sources["slow:error"] || !sources["quick"] {
		t.Fatalf("sources = %v, want the timed-out call degraded and the fast one intact", sources)
	}
}

func TestEvaluateCalibratorAppliedAndClamped(t *testing.T) {
	cfg := testCfg()
	store := newMemStore()
	o := newTestOrchestrator(cfg, []provider.Provider{
		staticProvider("analyst", "deliberate", "a", 0.95),
	}, store, nil)
	o.SetCalibrator(func(c float64) float64 { return c + 10 })

	meta := episode.Meta{Domain: "general"}
	res, err := o.Evaluate(context.Background(), "q", &meta)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if res.Confidence != episode.MaxConfidence {
		t.Fatalf("confidence = %v, want clamped to %v", res.Confidence, episode.MaxConfidence)
	}
}

func TestEvaluatePublishesLowConfidence(t *testing.T) {
	cfg := testCfg()
	cfg.MaxReflection = 1
	store := newMemStore()
	bus := newMemBus()
	o := newTestOrchestrator(cfg, []provider.Provider{
		staticProvider("analyst", "deliberate", "weak", 0.2),
	}, store, nil)
	o.SetBus(bus)

	meta := episode.Meta{Domain: "general"}
	if _, err := o.Evaluate(context.Background(), "q", &meta); err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if bus.count(eventbus.SubjectEpisodeTrace) != 1 {
		t.Fatal("every episode must publish a trace event")
	}
	if bus.count(eventbus.SubjectLowConfidence) != 1 {
		t.Fatal("low-confidence finalized episode must publish to the low-confidence subject")
	}
}

func TestEpisodeLookup(t *testing.T) {
	cfg := testCfg()
	store := newMemStore()
	o := newTestOrchestrator(cfg, []provider.Provider{
		staticProvider("analyst", "deliberate", "a", 0.95),
	}, store, nil)

	meta := episode.Meta{Domain: "general"}
	res, err := o.Evaluate(context.Background(), "q", &meta)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	ep, err := o.Episode(context.Background(), res.TraceID)
	if err != nil {
		t.Fatalf("Episode() error: %v", err)
	}
	if ep.TraceID != res.TraceID {
		t.Fatalf("loaded trace id = %q, want %q", ep.TraceID, res.TraceID)
	}
	if _, err := o.Episode(context.Background(), "nope"); err == nil {
		t.Fatal("unknown trace id must error")
	}
}
