// Package matcher classifies build signatures against the reference catalog.
package matcher

import "fmt"

// Classification of a best match.
type Classification string

const (
	Auto      Classification = "auto"
	Suggested Classification = "suggested"
	NoMatch   Classification = "no_match"
)

// Thresholds are the similarity cut-offs for classification.
type Thresholds struct {
	Auto    float64 // at or above: auto
	Suggest float64 // at or above (and below Auto): suggested
}

// DefaultThresholds are the product defaults.
var DefaultThresholds = Thresholds{Auto: 0.75, Suggest: 0.5}

// Validate checks 0 <= Suggest <= Auto <= 1.
func (t Thresholds) Validate() error {
	if t.Suggest < 0 || t.Auto > 1 || t.Suggest > t.Auto {
		return fmt.Errorf("invalid thresholds: auto=%.2f suggest=%.2f", t.Auto, t.Suggest)
	}
	return nil
}

// Classify maps a similarity score to its classification.
func (t Thresholds) Classify(similarity float64) Classification {
	switch {
	case similarity >= t.Auto:
		return Auto
	case similarity >= t.Suggest:
		return Suggested
	default:
		return NoMatch
	}
}

// BuildMatchResult is the best catalog build for a signature.
type BuildMatchResult struct {
	Build          ReferenceBuild `json:"build"`
	Similarity     float64        `json:"similarity"`
	Classification Classification `json:"classification"`
}

// Matcher finds the closest reference build. It holds no mutable state.
type Matcher struct {
	thresholds Thresholds
}

// New returns a Matcher using the given thresholds.
func New(t Thresholds) (*Matcher, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{thresholds: t}, nil
}

// Thresholds returns the configured cut-offs.
func (m *Matcher) Thresholds() Thresholds {
	return m.thresholds
}

// FindBestMatch compares signature against every build of the given matchup
// and returns the most similar one, or nil when the matchup has no builds.
// On equal similarity the build that comes first in the catalog wins.
func (m *Matcher) FindBestMatch(signature string, builds []ReferenceBuild, matchup string) *BuildMatchResult {
	var best *BuildMatchResult
	for _, b := range builds {
		if b.Matchup != matchup {
			continue
		}
		s := Similarity(signature, b.Signature)
		if best == nil || s > best.Similarity {
			best = &BuildMatchResult{Build: b, Similarity: s}
		}
	}
	if best != nil {
		best.Classification = m.thresholds.Classify(best.Similarity)
	}
	return best
}

// Match runs FindBestMatch against a catalog.
func (m *Matcher) Match(signature string, c *Catalog, matchup string) *BuildMatchResult {
	return m.FindBestMatch(signature, c.Builds(), matchup)
}

// FindBestMatch uses DefaultThresholds.
func FindBestMatch(signature string, builds []ReferenceBuild, matchup string) *BuildMatchResult {
	m := Matcher{thresholds: DefaultThresholds}
	return m.FindBestMatch(signature, builds, matchup)
}
