package align

import (
	"fmt"

	"github.com/kwv/facealign/mesh"
)

// ScoringPolicy holds the thresholds of the method scoring rules.
type ScoringPolicy struct {
	GoodProportionsBelow    float64 `yaml:"goodProportionsBelow" json:"goodProportionsBelow"`
	ExtremeProportionsAbove float64 `yaml:"extremeProportionsAbove" json:"extremeProportionsAbove"`
	HighDensityAbove        float64 `yaml:"highDensityAbove" json:"highDensityAbove"`
	LowDensityBelow         float64 `yaml:"lowDensityBelow" json:"lowDensityBelow"`
	PlausibleSizeMin        float64 `yaml:"plausibleSizeMin" json:"plausibleSizeMin"`
	PlausibleSizeMax        float64 `yaml:"plausibleSizeMax" json:"plausibleSizeMax"`
	ImplausibleSizeBelow    float64 `yaml:"implausibleSizeBelow" json:"implausibleSizeBelow"`
	ImplausibleSizeAbove    float64 `yaml:"implausibleSizeAbove" json:"implausibleSizeAbove"`
}

// DefaultScoringPolicy returns the face-scan thresholds.
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		GoodProportionsBelow:    1.5,
		ExtremeProportionsAbove: 3.0,
		HighDensityAbove:        100,
		LowDensityBelow:         10,
		PlausibleSizeMin:        100,
		PlausibleSizeMax:        300,
		ImplausibleSizeBelow:    50,
		ImplausibleSizeAbove:    500,
	}
}

// RuleHit is one entry of a score's rationale.
type RuleHit struct {
	Rule        string `json:"rule"`
	Method      Method `json:"method"`
	Delta       int    `json:"delta"`
	Explanation string `json:"explanation"`
}

// MethodScore is the outcome of scoring one mesh.
type MethodScore struct {
	Anatomical int       `json:"anatomical"`
	Ultimate   int       `json:"ultimate"`
	Rationale  []RuleHit `json:"rationale"`
}

// Decision picks anatomical unless ultimate scored strictly higher.
func (s MethodScore) Decision() Method {
	if s.Anatomical >= s.Ultimate {
		return MethodAnatomical
	}
	return MethodUltimate
}

type scoringRule struct {
	name    string
	method  Method
	delta   int
	applies func(d Descriptors, p ScoringPolicy) bool
	explain func(d Descriptors, p ScoringPolicy) string
}

// scoringRules are evaluated in order; every rule that applies adds its
// delta and a rationale entry.
var scoringRules = []scoringRule{
	{
		name: "standard_orientation", method: MethodAnatomical, delta: 3,
		applies: func(d Descriptors, _ ScoringPolicy) bool { return d.Orientation == mesh.OrientationStandard },
		explain: func(d Descriptors, _ ScoringPolicy) string {
			return fmt.Sprintf("extents H %.1f > W %.1f > D %.1f match an upright face", d.Extents.Height, d.Extents.Width, d.Extents.Depth)
		},
	},
	{
		name: "good_proportions", method: MethodAnatomical, delta: 2,
		applies: func(d Descriptors, p ScoringPolicy) bool { return d.MaxAspectRatio < p.GoodProportionsBelow },
		explain: func(d Descriptors, p ScoringPolicy) string {
			return fmt.Sprintf("max aspect ratio %.2f < %.2f", d.MaxAspectRatio, p.GoodProportionsBelow)
		},
	},
	{
		name: "extreme_proportions", method: MethodUltimate, delta: 3,
		applies: func(d Descriptors, p ScoringPolicy) bool { return d.MaxAspectRatio > p.ExtremeProportionsAbove },
		explain: func(d Descriptors, p ScoringPolicy) string {
			return fmt.Sprintf("max aspect ratio %.2f > %.2f", d.MaxAspectRatio, p.ExtremeProportionsAbove)
		},
	},
	{
		name: "high_density", method: MethodAnatomical, delta: 1,
		applies: func(d Descriptors, p ScoringPolicy) bool { return d.Density > p.HighDensityAbove },
		explain: func(d Descriptors, p ScoringPolicy) string {
			return fmt.Sprintf("vertex density %.2f > %.0f", d.Density, p.HighDensityAbove)
		},
	},
	{
		name: "low_density", method: MethodUltimate, delta: 1,
		applies: func(d Descriptors, p ScoringPolicy) bool { return d.Density < p.LowDensityBelow },
		explain: func(d Descriptors, p ScoringPolicy) string {
			return fmt.Sprintf("vertex density %.2f < %.0f", d.Density, p.LowDensityBelow)
		},
	},
	{
		name: "rich_attributes", method: MethodAnatomical, delta: 2,
		applies: func(d Descriptors, _ ScoringPolicy) bool { return d.HasColor && d.HasNormal },
		explain: func(Descriptors, ScoringPolicy) string { return "mesh carries colors and normals" },
	},
	{
		name: "bare_attributes", method: MethodUltimate, delta: 1,
		applies: func(d Descriptors, _ ScoringPolicy) bool { return !d.HasColor && !d.HasNormal },
		explain: func(Descriptors, ScoringPolicy) string { return "mesh carries no attribute channels" },
	},
	{
		name: "plausible_size", method: MethodAnatomical, delta: 1,
		applies: func(d Descriptors, p ScoringPolicy) bool {
			return d.Extents.Diagonal >= p.PlausibleSizeMin && d.Extents.Diagonal <= p.PlausibleSizeMax
		},
		explain: func(d Descriptors, p ScoringPolicy) string {
			return fmt.Sprintf("diagonal %.1f within [%.0f, %.0f]", d.Extents.Diagonal, p.PlausibleSizeMin, p.PlausibleSizeMax)
		},
	},
	{
		name: "implausible_size", method: MethodUltimate, delta: 2,
		applies: func(d Descriptors, p ScoringPolicy) bool {
			return d.Extents.Diagonal > p.ImplausibleSizeAbove || d.Extents.Diagonal < p.ImplausibleSizeBelow
		},
		explain: func(d Descriptors, p ScoringPolicy) string {
			return fmt.Sprintf("diagonal %.1f outside [%.0f, %.0f]", d.Extents.Diagonal, p.ImplausibleSizeBelow, p.ImplausibleSizeAbove)
		},
	},
}

// Score applies the rule table to d. It is a pure function of d and p.
func (p ScoringPolicy) Score(d Descriptors) MethodScore {
	var s MethodScore
	for _, r := range scoringRules {
		if !r.applies(d, p) {
			continue
		}
		if r.method == MethodAnatomical {
			s.Anatomical += r.delta
		} else {
			s.Ultimate += r.delta
		}
		s.Rationale = append(s.Rationale, RuleHit{
			Rule:        r.name,
			Method:      r.method,
			Delta:       r.delta,
			Explanation: r.explain(d, p),
		})
	}
	return s
}

// Score scores d with DefaultScoringPolicy.
func Score(d Descriptors) MethodScore {
	return DefaultScoringPolicy().Score(d)
}
