package service

import (
	"github.com/somahq/arbiter/internal/config"
	"github.com/somahq/arbiter/internal/domain/episode"
)

// noveltyEscalateThreshold is the novelty score above which a low-confidence
// episode escalates even for short queries.
const noveltyEscalateThreshold = 0.6

// EscalationPolicy decides, once per episode after the first fusion, whether
// extra worker-process opinions are worth the cost.
type EscalationPolicy struct {
	highRisk           map[string]struct{}
	escalateConfidence float64
	minEscalateLen     int
}

// NewEscalationPolicy builds a policy from orchestrator configuration.
func NewEscalationPolicy(cfg config.Orchestrator) *EscalationPolicy {
	hr := make(map[string]struct{}, len(cfg.HighRiskDomains))
	for _, d := range cfg.HighRiskDomains {
		hr[d] = struct{}{}
	}
	return &EscalationPolicy{
		highRisk:           hr,
		escalateConfidence: cfg.EscalateConfidence,
		minEscalateLen:     cfg.MinEscalateLen,
	}
}

// Decide inspects the query meta and the first fused result. High-risk
// domains always escalate, regardless of confidence. Otherwise only
// low-confidence episodes escalate, and only when the query is long or
// novel enough to suggest the first fan-out under-covered it.
func (p *EscalationPolicy) Decide(meta episode.Meta, fused episode.FusedResult) episode.EscalationDecision {
	if _, ok := p.highRisk[meta.Domain]; ok {
		return episode.EscalationDecision{Escalate: true, Reason: episode.ReasonHighRiskDomain}
	}
	if fused.Confidence < p.escalateConfidence {
		if meta.QueryLength >= p.minEscalateLen {
			return episode.EscalationDecision{Escalate: true, Reason: episode.ReasonLowConfLongQuery}
		}
		if meta.NoveltyScore > noveltyEscalateThreshold {
			return episode.EscalationDecision{Escalate: true, Reason: episode.ReasonNoveltyHigh}
		}
	}
	return episode.EscalationDecision{Escalate: false, Reason: episode.ReasonNone}
}
