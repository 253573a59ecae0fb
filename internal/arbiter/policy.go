// Package arbiter ranks claimed candidates and decides, per command, whether
// to execute, execute then ask, or ask before executing.
package arbiter

import (
	"sort"

	"github.com/jordanhubbard/nyx/internal/matcher"
	"github.com/jordanhubbard/nyx/pkg/config"
	"github.com/jordanhubbard/nyx/pkg/models"
)

// Band is a confidence band.
type Band string

const (
	BandAutoExecute    Band = "auto-execute"
	BandExecuteThenAsk Band = "execute-then-confirm"
	BandConfirmFirst   Band = "confirm-before-execute"
	BandNoCandidate    Band = "no-candidate"
)

// WeightSource supplies learned adjustments.
type WeightSource interface {
	Weight(module, patternKey string) int
}

// Policy holds the band thresholds.
type Policy struct {
	AutoExecute int
	Confirm     int
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.ArbiterConfig) Policy {
	return Policy{AutoExecute: cfg.AutoExecuteThreshold, Confirm: cfg.ConfirmThreshold}
}

// Classify maps an effective confidence to its band.
func (p Policy) Classify(c int) Band {
	switch {
	case c >= p.AutoExecute:
		return BandAutoExecute
	case c >= p.Confirm:
		return BandExecuteThenAsk
	default:
		return BandConfirmFirst
	}
}

// Scored is a candidate with its learned adjustment applied.
type Scored struct {
	matcher.Candidate
	Adjustment int
	Effective  int
	Band       Band
}

// Rank orders candidates by effective confidence, highest first. Ties keep
// registration order.
func (p Policy) Rank(candidates []matcher.Candidate, weights WeightSource, patternKey string) []Scored {
	ranked := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		adj := 0
		if weights != nil {
			adj = weights.Weight(c.Name(), patternKey)
		}
		eff := models.ClampConfidence(c.Confidence + adj)
		ranked = append(ranked, Scored{Candidate: c, Adjustment: adj, Effective: eff, Band: p.Classify(eff)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Effective != ranked[j].Effective {
			return ranked[i].Effective > ranked[j].Effective
		}
		return ranked[i].Instance.Position < ranked[j].Instance.Position
	})
	return ranked
}
