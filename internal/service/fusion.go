package service

import (
	"github.com/somahq/arbiter/internal/domain/episode"
)

// RoleWeightFunc maps a candidate's declared role and the query novelty to
// a base fusion weight. The tuning is configuration, not a correctness
// property; unknown roles get a neutral weight.
type RoleWeightFunc func(role string, novelty float64) float64

// DefaultRoleWeight favors deliberate reasoning on novel queries and fast
// reasoning on familiar ones.
func DefaultRoleWeight(role string, novelty float64) float64 {
	switch role {
	case "deliberate":
		return 0.8 + 0.4*novelty
	case "fast":
		return 1.2 - 0.4*novelty
	default:
		return 1.0
	}
}

// defaultSnippetLen bounds provenance snippets when no length is configured.
const defaultSnippetLen = 120

// Fuser merges candidate lists into a single FusedResult. Fuse is a pure
// function of the candidate list and meta: it is recomputed from scratch
// every round and never depends on prior fused state.
type Fuser struct {
	roleWeight RoleWeightFunc
	snippetLen int
}

// NewFuser creates a Fuser. A nil roleWeight uses DefaultRoleWeight; a
// non-positive snippetLen uses the default.
func NewFuser(roleWeight RoleWeightFunc, snippetLen int) *Fuser {
	if roleWeight == nil {
		roleWeight = DefaultRoleWeight
	}
	if snippetLen <= 0 {
		snippetLen = defaultSnippetLen
	}
	return &Fuser{roleWeight: roleWeight, snippetLen: snippetLen}
}

// Fuse merges the candidates into one result:
// raw score = role weight × clamped confidence, normalized to sum to 1;
// the text is the single highest-raw-score candidate's text (winner take
// all, never a blend); the confidence is the normalized-weight sum of the
// clamped candidate confidences, capped below absolute certainty.
func (f *Fuser) Fuse(candidates []episode.Candidate, meta episode.Meta) episode.FusedResult {
	fused := episode.FusedResult{
		Provenance: make([]episode.ProvenanceEntry, 0, len(candidates)),
		Weights:    make([]episode.Weight, 0, len(candidates)),
	}
	if len(candidates) == 0 {
		return fused
	}

	raws := make([]float64, len(candidates))
	total := 0.0
	winner := 0
	for i, c := range candidates {
		conf := episode.Clamp01(c.Confidence)
		raws[i] = f.roleWeight(c.Role, meta.NoveltyScore) * conf
		total += raws[i]

		// Winner on raw score; among all-zero raws the least-bad
		// candidate (highest clamped confidence) wins.
		if raws[i] > raws[winner] ||
			(raws[i] == raws[winner] && conf > episode.Clamp01(candidates[winner].Confidence)) {
			winner = i
		}
	}

	weighted := 0.0
	for i, c := range candidates {
		conf := episode.Clamp01(c.Confidence)
		norm := 0.0
		if total > 0 {
			norm = raws[i] / total
		}
		weighted += norm * conf

		fused.Weights = append(fused.Weights, episode.Weight{
			Source:           c.Source,
			NormalizedWeight: norm,
			RawConfidence:    c.Confidence,
		})
		fused.Provenance = append(fused.Provenance, episode.ProvenanceEntry{
			Source:     c.Source,
			Snippet:    episode.Snippet(c.Text, f.snippetLen),
			Confidence: conf,
		})
	}

	fused.Text = candidates[winner].Text
	fused.Confidence = episode.ClampFused(weighted)
	return fused
}
