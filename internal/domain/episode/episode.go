// Package episode defines the domain entities for one consensus reasoning
// episode: the query metadata, the candidates produced by providers, the
// fused result, and the durable episode record itself.
package episode

import "time"

// MaxConfidence is the hard ceiling for any fused confidence value.
// The orchestrator never reports absolute certainty.
const MaxConfidence = 0.995

// Outcome represents the terminal state of an episode.
type Outcome string

const (
	OutcomeFinalized Outcome = "finalized"
	OutcomeDeclined  Outcome = "declined"
	OutcomeError     Outcome = "error"
)

// Meta is the query classification bag, computed once per episode and
// immutable afterwards.
type Meta struct {
	Domain        string  `json:"domain"`
	NoveltyScore  float64 `json:"novelty_score"`
	EstimatedRisk float64 `json:"estimated_risk"`
	QueryLength   int     `json:"query_length"`
}

// Candidate is one provider's (or worker's) answer to a prompt.
// Candidates are never mutated after creation; rounds only append.
type Candidate struct {
	Source     string  `json:"source"`
	Role       string  `json:"role"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ProvenanceEntry records one candidate's contribution to a fused result.
type ProvenanceEntry struct {
	Source     string  `json:"source"`
	Snippet    string  `json:"snippet"`
	Confidence float64 `json:"confidence"`
}

// Weight records the normalized fusion weight assigned to one candidate.
type Weight struct {
	Source           string  `json:"source"`
	NormalizedWeight float64 `json:"normalized_weight"`
	RawConfidence    float64 `json:"raw_confidence"`
}

// FusedResult is the deterministic merge of a candidate list. It is
// recomputed from scratch from the full candidate list on every round.
type FusedResult struct {
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
	Provenance []ProvenanceEntry `json:"provenance"`
	Weights    []Weight          `json:"weights"`
}

// EscalationReason explains why an episode was (or was not) escalated to
// the worker pool.
type EscalationReason string

const (
	ReasonHighRiskDomain   EscalationReason = "high_risk_domain"
	ReasonLowConfLongQuery EscalationReason = "low_conf_long_query"
	ReasonNoveltyHigh      EscalationReason = "novelty_high"
	ReasonNone             EscalationReason = "none"
)

// EscalationDecision is computed at most once per episode, after the
// first fusion.
type EscalationDecision struct {
	Escalate bool             `json:"escalate"`
	Reason   EscalationReason `json:"reason"`
}

// Episode is the unit of work: one complete orchestration run for a single
// query, from initial fan-out to terminal outcome and persistence.
type Episode struct {
	TraceID         string              `json:"trace_id"`
	Query           string              `json:"query"`
	Meta            Meta                `json:"meta"`
	Candidates      []Candidate         `json:"candidates"`
	Fused           *FusedResult        `json:"fused_result,omitempty"`
	Escalation      *EscalationDecision `json:"escalation,omitempty"`
	RoundsCompleted int                 `json:"rounds_completed"`
	Outcome         Outcome             `json:"outcome"`
	Error           string              `json:"error,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	CompletedAt     time.Time           `json:"completed_at"`
}

// Clamp01 clamps a confidence value into [0, 1]. Out-of-range provider
// values are clamped, never rejected.
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ClampFused clamps a fused confidence into [0, MaxConfidence].
func ClampFused(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > MaxConfidence {
		return MaxConfidence
	}
	return v
}

// Snippet returns at most n runes of text for provenance records.
func Snippet(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
