package match

import (
	"strconv"
	"strings"

	"layoutid/internal"
	"layoutid/internal/config"
	"layoutid/internal/util"
)

// Weights holds the scoring heuristics. Scores are cosine similarity scaled
// to 0..100 plus bonuses, so they can exceed 100.
type Weights struct {
	OriginBonus      float64
	DescriptionBonus float64
	HighThreshold    float64
	MediumThreshold  float64
	MaxResults       int
}

func DefaultWeights() Weights {
	return Weights{OriginBonus: 25, DescriptionBonus: 20, HighThreshold: 85, MediumThreshold: 60, MaxResults: 5}
}

func WeightsFromConfig(cfg config.Config) Weights {
	w := Weights{
		OriginBonus:      cfg.MatchOriginBonus,
		DescriptionBonus: cfg.MatchDescriptionBonus,
		HighThreshold:    cfg.MatchHighThreshold,
		MediumThreshold:  cfg.MatchMediumThreshold,
		MaxResults:       cfg.MatchMaxResults,
	}
	if w.MaxResults <= 0 {
		w.MaxResults = DefaultWeights().MaxResults
	}
	return w
}

const minTokenLen = 3

// Tier maps an adjusted score to a compatibility tier.
func (w Weights) Tier(score float64) internal.Compatibility {
	switch {
	case score >= w.HighThreshold:
		return internal.CompatibilityHigh
	case score >= w.MediumThreshold:
		return internal.CompatibilityMedium
	default:
		return internal.CompatibilityLow
	}
}

// Origin returns the origin bonus when hint is a case-insensitive substring
// of the layout's origin system. A blank hint earns nothing.
func (w Weights) Origin(hint string, l internal.Layout) float64 {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return 0
	}
	if strings.Contains(strings.ToLower(l.OriginSystem), hint) {
		return w.OriginBonus
	}
	return 0
}

// Description returns f times the description bonus, where f is the share of
// the hint's words that also occur in the layout's header sample and
// description.
func (w Weights) Description(hint string, l internal.Layout) float64 {
	hintTokens := util.Tokens(hint, minTokenLen)
	if len(hintTokens) == 0 {
		return 0
	}
	layoutTokens := util.Tokens(l.HeaderSample+" "+l.Description, minTokenLen)
	common := 0
	for t := range hintTokens {
		if _, ok := layoutTokens[t]; ok {
			common++
		}
	}
	if common == 0 {
		return 0
	}
	return float64(common) / float64(len(hintTokens)) * w.DescriptionBonus
}

// Bonus is the sum of both bonuses; each is computed independently.
func (w Weights) Bonus(h internal.Hints, l internal.Layout) float64 {
	return w.Origin(h.Origin, l) + w.Description(h.Description, l)
}

// IsAllReportTypes reports whether the report-type hint means no filtering.
func IsAllReportTypes(hint string) bool {
	switch util.Fold(hint) {
	case "", "todos", "all":
		return true
	}
	return false
}

func reportTypeMatches(hint string, l internal.Layout) bool {
	return IsAllReportTypes(hint) || util.Fold(l.ReportType) == util.Fold(hint)
}

// Banco is the display label of a layout.
func Banco(l internal.Layout) string {
	if d := strings.TrimSpace(l.Description); d != "" {
		return d
	}
	return "Layout " + l.Code
}

// lessCode orders numeric codes numerically and everything else lexically.
func lessCode(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}
