// Package service implements the consensus reasoning core: candidate
// fusion, escalation policy, the invoker, and the reflection-loop
// orchestrator that ties them together.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/somahq/arbiter/internal/adapter/otel"
	"github.com/somahq/arbiter/internal/config"
	"github.com/somahq/arbiter/internal/domain/classify"
	"github.com/somahq/arbiter/internal/domain/episode"
	"github.com/somahq/arbiter/internal/logger"
	"github.com/somahq/arbiter/internal/port/cache"
	"github.com/somahq/arbiter/internal/port/eventbus"
	"github.com/somahq/arbiter/internal/port/provenance"
	"github.com/somahq/arbiter/internal/port/provider"
)

// Result is the caller-facing outcome of one orchestration call.
type Result struct {
	TraceID    string                      `json:"trace_id"`
	Text       string                      `json:"text"`
	Confidence float64                     `json:"confidence"`
	Outcome    episode.Outcome             `json:"outcome"`
	Rounds     int                         `json:"rounds"`
	Escalation *episode.EscalationDecision `json:"escalation,omitempty"`
	Provenance []episode.ProvenanceEntry   `json:"provenance,omitempty"`
	StorageKey string                      `json:"storage_key,omitempty"`
}

// EpisodeError is returned when an episode ends in the error outcome. The
// episode is still persisted before this is returned.
type EpisodeError struct {
	TraceID string
	Err     error
}

func (e *EpisodeError) Error() string {
	return fmt.Sprintf("episode %s: %v", e.TraceID, e.Err)
}

func (e *EpisodeError) Unwrap() error { return e.Err }

// Orchestrator runs reasoning episodes: initial provider fan-out, a single
// escalation decision, up to a bounded number of reflection rounds, then
// calibration, the safety gate, and exactly one provenance write.
type Orchestrator struct {
	cfg       config.Orchestrator
	providers []provider.Provider
	invoker   *Invoker
	fuser     *Fuser
	policy    *EscalationPolicy
	store     provenance.Store
	log       *slog.Logger

	pool        WorkerCaller
	poolTimeout time.Duration
	bus         eventbus.Bus
	cache       cache.Cache
	cacheTTL    time.Duration
	classifier  *classify.Classifier
	prompter    Prompter
	gate        SafetyGate
	calibrate   Calibrator
	metrics     *otel.Metrics
}

// NewOrchestrator wires the required collaborators. Optional collaborators
// (worker pool, event bus, cache, metrics) are attached with setters before
// the first Evaluate call; the defaults for classifier, prompter, gate and
// calibrator are usable as-is.
func NewOrchestrator(cfg config.Orchestrator, providers []provider.Provider, invoker *Invoker, store provenance.Store, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	var rng *rand.Rand
	if !cfg.ClassifierJitterOff {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Orchestrator{
		cfg:        cfg,
		providers:  providers,
		invoker:    invoker,
		fuser:      NewFuser(DefaultRoleWeight, cfg.SnippetLength),
		policy:     NewEscalationPolicy(cfg),
		store:      store,
		log:        log,
		classifier: classify.New(rng),
		prompter:   NewDefaultPrompter(),
		gate:       NewAllowAllGate(),
		calibrate:  DefaultCalibrator,
	}
}

// SetWorkerPool attaches the escalation worker pool.
func (o *Orchestrator) SetWorkerPool(pool WorkerCaller, timeout time.Duration) {
	o.pool = pool
	o.poolTimeout = timeout
}

// SetBus attaches the event bus for trace and outcome publications.
func (o *Orchestrator) SetBus(bus eventbus.Bus) { o.bus = bus }

// SetCache attaches the classification cache.
func (o *Orchestrator) SetCache(c cache.Cache, ttl time.Duration) {
	o.cache = c
	o.cacheTTL = ttl
}

// SetClassifier replaces the default query classifier.
func (o *Orchestrator) SetClassifier(c *classify.Classifier) { o.classifier = c }

// SetPrompter replaces the reflection prompt construction.
func (o *Orchestrator) SetPrompter(p Prompter) { o.prompter = p }

// SetSafetyGate replaces the default allow-all gate.
func (o *Orchestrator) SetSafetyGate(g SafetyGate) { o.gate = g }

// SetCalibrator replaces the final confidence calibration.
func (o *Orchestrator) SetCalibrator(c Calibrator) { o.calibrate = c }

// SetMetrics attaches metric instruments.
func (o *Orchestrator) SetMetrics(m *otel.Metrics) { o.metrics = m }

// SetRoleWeight replaces the fusion role-weight strategy.
func (o *Orchestrator) SetRoleWeight(rw RoleWeightFunc) {
	o.fuser = NewFuser(rw, o.cfg.SnippetLength)
}

// Evaluate runs one complete episode for the query. meta, when non-nil,
// bypasses classification (callers that already classified, and tests that
// need determinism). The episode is persisted exactly once on every path,
// including the error path.
func (o *Orchestrator) Evaluate(ctx context.Context, query string, meta *episode.Meta) (*Result, error) {
	traceID := uuid.NewString()
	ctx = logger.WithTraceID(ctx, traceID)

	var m episode.Meta
	if meta != nil {
		m = *meta
	} else {
		m = o.classifyQuery(ctx, query)
	}

	ep := &episode.Episode{
		TraceID:   traceID,
		Query:     query,
		Meta:      m,
		StartedAt: time.Now().UTC(),
	}

	ctx, span := otel.StartEpisodeSpan(ctx, traceID, m.Domain)
	defer span.End()

	o.log.Info("episode started",
		"trace_id", traceID, "domain", m.Domain, "novelty", m.NoveltyScore, "query_length", m.QueryLength)

	runErr := o.run(ctx, ep)

	finalText := ""
	if runErr != nil {
		ep.Outcome = episode.OutcomeError
		ep.Error = runErr.Error()
		o.log.Error("episode failed", "trace_id", traceID, "error", runErr)
	} else {
		fused := *ep.Fused
		fused.Confidence = episode.ClampFused(o.calibrate(fused.Confidence))
		ep.Fused = &fused

		if o.gate.Allow(ep.Meta, fused) {
			ep.Outcome = episode.OutcomeFinalized
			finalText = fused.Text
		} else {
			ep.Outcome = episode.OutcomeDeclined
			finalText = o.cfg.DeclineMessage
			o.log.Warn("episode declined by safety gate", "trace_id", traceID, "domain", m.Domain)
		}
	}
	ep.CompletedAt = time.Now().UTC()

	key := o.persist(ctx, ep)
	o.publish(ctx, ep, key)
	o.record(ctx, ep)

	if runErr != nil {
		return nil, &EpisodeError{TraceID: traceID, Err: runErr}
	}

	res := &Result{
		TraceID:    traceID,
		Text:       finalText,
		Confidence: ep.Fused.Confidence,
		Outcome:    ep.Outcome,
		Rounds:     ep.RoundsCompleted,
		Escalation: ep.Escalation,
		Provenance: ep.Fused.Provenance,
		StorageKey: key,
	}
	o.log.Info("episode completed",
		"trace_id", traceID, "outcome", ep.Outcome, "confidence", res.Confidence, "rounds", res.Rounds)
	return res, nil
}

// run drives the fan-out, escalation and reflection state machine. A panic
// anywhere in a round surfaces as an error so the episode still closes and
// persists.
func (o *Orchestrator) run(ctx context.Context, ep *episode.Episode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestration panic: %v", r)
		}
	}()

	ep.Candidates = append(ep.Candidates, o.fanout(ctx, ep.Query)...)
	fused := o.fuser.Fuse(ep.Candidates, ep.Meta)
	ep.Fused = &fused

	// Escalation is decided exactly once, on the first fused result, and
	// is not short-circuited by high confidence: high-risk domains get
	// extra opinions regardless.
	decision := o.policy.Decide(ep.Meta, fused)
	ep.Escalation = &decision
	if decision.Escalate && o.pool != nil {
		o.log.Info("escalating to worker pool", "trace_id", ep.TraceID, "reason", decision.Reason)
		if o.metrics != nil {
			o.metrics.Escalations.Add(ctx, 1)
		}
		if extra := o.escalate(ctx, ep.Query); len(extra) > 0 {
			ep.Candidates = append(ep.Candidates, extra...)
			fused = o.fuser.Fuse(ep.Candidates, ep.Meta)
			ep.Fused = &fused
		}
	}

	for round := 1; round <= o.cfg.MaxReflection; round++ {
		if fused.Confidence >= o.cfg.FinalizeConfidence {
			break
		}
		if len(o.providers) == 0 {
			break
		}
		rctx, rspan := otel.StartRoundSpan(ctx, ep.TraceID, round)
		cands := o.reflectRound(rctx, ep.Query, fused.Text)
		rspan.End()

		ep.Candidates = append(ep.Candidates, cands...)
		fused = o.fuser.Fuse(ep.Candidates, ep.Meta)
		ep.Fused = &fused
		ep.RoundsCompleted = round
		o.log.Debug("reflection round fused",
			"trace_id", ep.TraceID, "round", round, "confidence", fused.Confidence, "candidates", len(ep.Candidates))
	}
	return nil
}

// fanout invokes every configured provider concurrently and collects all
// outcomes, including degraded ones; the invoker never errors.
func (o *Orchestrator) fanout(ctx context.Context, prompt string) []episode.Candidate {
	out := make([]episode.Candidate, len(o.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range o.providers {
		g.Go(func() error {
			pctx, span := otel.StartProviderSpan(gctx, p.Name(), p.Role())
			out[i] = o.invoker.Invoke(pctx, p, prompt, provider.Options{})
			span.End()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// escalate fans the query out to the configured worker adapters. Failed
// worker calls are logged and skipped; escalation adds opinions, it does
// not add failure candidates.
func (o *Orchestrator) escalate(ctx context.Context, query string) []episode.Candidate {
	adapters := o.cfg.EscalationAdapters
	if len(adapters) == 0 {
		adapters = make([]string, 0, len(o.providers))
		for _, p := range o.providers {
			adapters = append(adapters, p.Name())
		}
	}

	var mu sync.Mutex
	var out []episode.Candidate
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range adapters {
		g.Go(func() error {
			res, err := o.pool.Call(gctx, name, query, nil, o.poolTimeout)
			if err != nil {
				o.log.Warn("escalation worker call failed", "adapter", name, "error", err)
				return nil
			}
			mu.Lock()
			out = append(out, episode.Candidate{
				Source:     name + ":worker",
				Role:       "deliberate",
				Text:       res.Text,
				Confidence: episode.Clamp01(res.Confidence),
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// reflectRound issues the critique call and the alternative-hypotheses
// call concurrently, both seeded with the current fused text.
func (o *Orchestrator) reflectRound(ctx context.Context, query, fusedText string) []episode.Candidate {
	critic := o.pickByRole("deliberate", 0)
	explorer := o.pickByRole("fast", len(o.providers)-1)

	out := make([]episode.Candidate, 2)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pctx, span := otel.StartProviderSpan(gctx, critic.Name(), critic.Role())
		out[0] = o.invoker.Invoke(pctx, critic, o.prompter.Critique(query, fusedText), provider.Options{})
		span.End()
		return nil
	})
	g.Go(func() error {
		pctx, span := otel.StartProviderSpan(gctx, explorer.Name(), explorer.Role())
		out[1] = o.invoker.Invoke(pctx, explorer, o.prompter.Hypotheses(query, fusedText), provider.Options{})
		span.End()
		return nil
	})
	_ = g.Wait()
	return out
}

// pickByRole returns the first provider with the given role, or the
// provider at the fallback index.
func (o *Orchestrator) pickByRole(role string, fallback int) provider.Provider {
	for _, p := range o.providers {
		if p.Role() == role {
			return p
		}
	}
	return o.providers[fallback]
}

// classifyQuery derives the meta bag, memoized by query text when a cache
// is attached. Caching also pins the jittered novelty score for repeats of
// the same query.
func (o *Orchestrator) classifyQuery(ctx context.Context, query string) episode.Meta {
	key := "classify:" + query
	if o.cache != nil {
		if b, ok, err := o.cache.Get(ctx, key); err == nil && ok {
			var m episode.Meta
			if json.Unmarshal(b, &m) == nil {
				return m
			}
		}
	}
	m := o.classifier.Classify(query)
	if o.cache != nil {
		if b, err := json.Marshal(m); err == nil {
			if err := o.cache.Set(ctx, key, b, o.cacheTTL); err != nil {
				o.log.Debug("classification cache set failed", "error", err)
			}
		}
	}
	return m
}

// persist writes the episode record. Persistence failure is logged, never
// surfaced: returning an answer takes priority over the audit write.
func (o *Orchestrator) persist(ctx context.Context, ep *episode.Episode) string {
	key, err := o.store.Persist(ctx, ep)
	if err != nil {
		o.log.Error("provenance persist failed", "trace_id", ep.TraceID, "error", err)
		return ""
	}
	return key
}

// episodeEvent is the summary published on the event bus subjects.
type episodeEvent struct {
	TraceID    string          `json:"trace_id"`
	Outcome    episode.Outcome `json:"outcome"`
	Domain     string          `json:"domain"`
	Confidence float64         `json:"confidence"`
	Rounds     int             `json:"rounds"`
	Escalated  bool            `json:"escalated"`
	Reason     string          `json:"reason,omitempty"`
	StorageKey string          `json:"storage_key,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// publish emits the episode summary: always to the trace subject, plus the
// declined or low-confidence subject when applicable. Best-effort.
func (o *Orchestrator) publish(ctx context.Context, ep *episode.Episode, key string) {
	if o.bus == nil {
		return
	}
	ev := episodeEvent{
		TraceID:    ep.TraceID,
		Outcome:    ep.Outcome,
		Domain:     ep.Meta.Domain,
		Rounds:     ep.RoundsCompleted,
		StorageKey: key,
		Error:      ep.Error,
	}
	if ep.Fused != nil {
		ev.Confidence = ep.Fused.Confidence
	}
	if ep.Escalation != nil {
		ev.Escalated = ep.Escalation.Escalate
		ev.Reason = string(ep.Escalation.Reason)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		o.log.Error("episode event marshal failed", "trace_id", ep.TraceID, "error", err)
		return
	}

	subjects := []string{eventbus.SubjectEpisodeTrace}
	switch {
	case ep.Outcome == episode.OutcomeDeclined:
		subjects = append(subjects, eventbus.SubjectDeclined)
	case ep.Outcome == episode.OutcomeFinalized && ev.Confidence < o.cfg.LowConfPublish:
		subjects = append(subjects, eventbus.SubjectLowConfidence)
	}
	for _, subj := range subjects {
		if err := o.bus.Publish(ctx, subj, data); err != nil {
			o.log.Warn("episode event publish failed", "trace_id", ep.TraceID, "subject", subj, "error", err)
		}
	}
}

// record updates metric instruments for the closed episode.
func (o *Orchestrator) record(ctx context.Context, ep *episode.Episode) {
	if o.metrics == nil {
		return
	}
	switch ep.Outcome {
	case episode.OutcomeFinalized:
		o.metrics.EpisodesFinalized.Add(ctx, 1)
	case episode.OutcomeDeclined:
		o.metrics.EpisodesDeclined.Add(ctx, 1)
	case episode.OutcomeError:
		o.metrics.EpisodesErrored.Add(ctx, 1)
	}
	o.metrics.RoundsPerEpisode.Record(ctx, int64(ep.RoundsCompleted))
	if ep.Fused != nil {
		o.metrics.FusedConfidence.Record(ctx, ep.Fused.Confidence)
	}
}

// Episode retrieves a persisted episode by trace id, for audit and replay.
func (o *Orchestrator) Episode(ctx context.Context, traceID string) (*episode.Episode, error) {
	ep, err := o.store.Get(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("load episode %s: %w", traceID, err)
	}
	return ep, nil
}
