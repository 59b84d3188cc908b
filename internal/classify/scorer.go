package classify

import (
	"regdelta/internal/config"
	"regdelta/internal/types"
)

// Scorer combines comparator confidence signals into the final score and its
// ordinal level. Pure and deterministic: the level is always derived from the
// score through the configured thresholds, never set any other way.
type Scorer struct {
	thresholds config.Thresholds
}

// NewScorer creates a Scorer with the given thresholds.
func NewScorer(t config.Thresholds) *Scorer {
	return &Scorer{thresholds: t}
}

// Score computes the final confidence score. The adversarial-check adjusted
// confidence, when present, replaces the base score. A non-empty set of
// numerical changes adds the configured boost, capped at 1.0.
func (s *Scorer) Score(base float64, adjusted *float64, numericCount int) float64 {
	score := base
	if adjusted != nil {
		score = *adjusted
	}
	if numericCount > 0 {
		score += s.thresholds.NumericBoost
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Level maps a confidence score onto its ordinal bucket.
func (s *Scorer) Level(score float64) types.ConfidenceLevel {
	switch {
	case score >= s.thresholds.High:
		return types.ConfidenceHigh
	case score >= s.thresholds.Medium:
		return types.ConfidenceMedium
	case score >= s.thresholds.Low:
		return types.ConfidenceLow
	default:
		return types.ConfidenceUncertain
	}
}
