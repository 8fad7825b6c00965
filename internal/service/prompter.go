package service

import (
	"fmt"

	"github.com/somahq/arbiter/internal/domain/episode"
)

// Prompter builds the two reflection-round prompts from the original query
// and the current fused text. The wording is opaque payload as far as the
// orchestrator is concerned; callers may supply their own construction.
type Prompter interface {
	// Critique asks a provider to critique and improve the current answer.
	Critique(query, fusedText string) string

	// Hypotheses asks a provider for alternative interpretations of the
	// query that the current answer may have missed.
	Hypotheses(query, fusedText string) string
}

type defaultPrompter struct{}

// NewDefaultPrompter returns the built-in reflection prompt construction.
func NewDefaultPrompter() Prompter { return defaultPrompter{} }

func (defaultPrompter) Critique(query, fusedText string) string {
	return fmt.Sprintf(
		"Critique the following answer and produce an improved version.\n\nQuestion: %s\n\nCurrent answer: %s",
		query, fusedText)
}

func (defaultPrompter) Hypotheses(query, fusedText string) string {
	return fmt.Sprintf(
		"List alternative interpretations or counterfactuals for the question that the current answer may have missed, then answer under the most plausible one.\n\nQuestion: %s\n\nCurrent answer: %s",
		query, fusedText)
}

// SafetyGate is consulted with the final calibrated result, after
// calibration and before persistence. A false return declines the episode.
type SafetyGate interface {
	Allow(meta episode.Meta, fused episode.FusedResult) bool
}

type allowAll struct{}

// NewAllowAllGate returns a gate that never declines.
func NewAllowAllGate() SafetyGate { return allowAll{} }

func (allowAll) Allow(episode.Meta, episode.FusedResult) bool { return true }

// Calibrator adjusts the final fused confidence. It must be monotonic and
// must never raise confidence above the fused ceiling; the orchestrator
// re-clamps the result regardless.
type Calibrator func(confidence float64) float64

// DefaultCalibrator clamps without reshaping.
func DefaultCalibrator(confidence float64) float64 {
	return episode.ClampFused(confidence)
}
