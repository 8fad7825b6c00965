// Package classify derives query metadata with a cheap local classifier:
// a keyword histogram over a fixed domain table, a length-based novelty
// estimate, and a per-domain risk constant.
package classify

import (
	"math/rand"
	"strings"

	"github.com/somahq/arbiter/internal/domain/episode"
)

// DefaultDomain is assigned when no domain keyword matches.
const DefaultDomain = "general"

// maxJitter is the upper bound of the novelty jitter term.
const maxJitter = 0.1

// defaultKeywords maps domains to the keywords that vote for them.
var defaultKeywords = map[string][]string{
	"medical":   {"diagnosis", "symptom", "disease", "treatment", "dosage", "cancer", "medication", "cure"},
	"legal":     {"lawsuit", "contract", "liability", "statute", "court", "regulation", "compliance"},
	"financial": {"invest", "portfolio", "market", "trading", "loan", "interest", "mortgage", "odds"},
	"safety":    {"weapon", "explosive", "poison", "venom", "toxic", "hazard"},
	"technical": {"code", "server", "database", "deploy", "bug", "compile", "algorithm"},
}

// defaultRisk is the fixed risk constant per domain.
var defaultRisk = map[string]float64{
	"medical":     0.9,
	"legal":       0.8,
	"safety":      0.9,
	"financial":   0.7,
	"technical":   0.3,
	DefaultDomain: 0.2,
}

// Classifier computes episode.Meta for a query. The jitter source is
// injected so callers control determinism.
type Classifier struct {
	keywords map[string][]string
	risk     map[string]float64
	rng      *rand.Rand
}

// New creates a classifier with the default domain tables and the given
// jitter source. A nil rng disables jitter.
func New(rng *rand.Rand) *Classifier {
	return &Classifier{
		keywords: defaultKeywords,
		risk:     defaultRisk,
		rng:      rng,
	}
}

// NewWithTables creates a classifier with custom domain tables.
func NewWithTables(keywords map[string][]string, risk map[string]float64, rng *rand.Rand) *Classifier {
	return &Classifier{keywords: keywords, risk: risk, rng: rng}
}

// Classify derives the meta bag for a query. The result is immutable once
// computed; one episode classifies at most once.
func (c *Classifier) Classify(query string) episode.Meta {
	lower := strings.ToLower(query)
	words := strings.Fields(lower)

	domain := DefaultDomain
	best := 0
	for d, kws := range c.keywords {
		hits := 0
		for _, kw := range kws {
			hits += strings.Count(lower, kw)
		}
		// Ties resolve to the lexicographically smaller domain so the
		// histogram vote is stable across map iteration order.
		if hits > best || (hits == best && hits > 0 && d < domain) {
			best = hits
			domain = d
		}
	}
	if best == 0 {
		domain = DefaultDomain
	}

	novelty := float64(len(words)) / 50.0
	if c.rng != nil {
		novelty += c.rng.Float64() * maxJitter
	}
	if novelty > 1 {
		novelty = 1
	}

	risk, ok := c.risk[domain]
	if !ok {
		risk = c.risk[DefaultDomain]
	}

	return episode.Meta{
		Domain:        domain,
		NoveltyScore:  novelty,
		EstimatedRisk: risk,
		QueryLength:   len(query),
	}
}
