package align

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Tier is a performance bucket for a landmark error.
type Tier string

const (
	TierExcellent Tier = "excellent"
	TierVeryGood  Tier = "very_good"
	TierGood      Tier = "good"
	TierPoor      Tier = "poor"
)

// Tiers lists every tier from best to worst.
var Tiers = []Tier{TierExcellent, TierVeryGood, TierGood, TierPoor}

// Classify buckets an error with half-open boundaries: an error equal to a
// boundary belongs to the worse tier. Unavailable results are poor.
func (t Thresholds) Classify(err float64, available bool) Tier {
	switch {
	case !available || math.IsNaN(err):
		return TierPoor
	case err < t.Excellent:
		return TierExcellent
	case err < t.Good:
		return TierVeryGood
	case err < t.Poor:
		return TierGood
	default:
		return TierPoor
	}
}

// Stats summarizes a set of errors.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func computeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mean, std := stat.PopMeanStdDev(sorted, nil)
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return Stats{
		Count:  n,
		Mean:   mean,
		Median: median,
		StdDev: std,
		Min:    sorted[0],
		Max:    sorted[n-1],
	}
}

// CategoryReport is the per-category share of a batch.
type CategoryReport struct {
	Count int          `json:"count"`
	Tiers map[Tier]int `json:"tiers"`
	Stats Stats        `json:"stats"`
}

// RankEntry is one mesh in the error ranking.
type RankEntry struct {
	MeshID   string  `json:"meshId"`
	Category string  `json:"category,omitempty"`
	Method   Method  `json:"method"`
	Error    float64 `json:"error"`
	Tier     Tier    `json:"tier"`
}

// BatchReport aggregates the outcomes of a batch. It is built once and not
// modified afterwards.
type BatchReport struct {
	RunID      string    `json:"runId,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	// Partial is set when the batch was canceled before every mesh finished.
	Partial    bool       `json:"partial"`
	Thresholds Thresholds `json:"thresholds"`

	Total    int `json:"total"`
	Accepted int `json:"accepted"`
	Failed   int `json:"failed"`
	// Abandoned counts meshes cut short by cancellation. They are neither
	// accepted nor failed and do not contribute to tiers or statistics.
	Abandoned int `json:"abandoned"`
	Retried   int `json:"retried"`
	Evaluated int `json:"evaluated"`

	Tiers      map[Tier]int              `json:"tiers"`
	Overall    Stats                     `json:"overall"`
	PerTier    map[Tier]Stats            `json:"perTier"`
	Methods    map[Method]int            `json:"methods"`
	Failures   map[ReasonCode]int        `json:"failures"`
	Categories map[string]CategoryReport `json:"categories,omitempty"`
	Scale      Stats                     `json:"scale"`
	Ranking    []RankEntry               `json:"ranking"`
}

// Aggregate reduces outcomes to a BatchReport. Each outcome contributes its
// final attempt; the input is not modified and the result depends only on
// the input.
func Aggregate(outcomes []Outcome, th Thresholds) BatchReport {
	r := BatchReport{
		Thresholds: th,
		Total:      len(outcomes),
		Tiers:      make(map[Tier]int, len(Tiers)),
		PerTier:    make(map[Tier]Stats, len(Tiers)),
		Methods:    make(map[Method]int),
		Failures:   make(map[ReasonCode]int),
		Categories: make(map[string]CategoryReport),
		Ranking:    []RankEntry{},
	}
	for _, t := range Tiers {
		r.Tiers[t] = 0
	}

	var all, scales []float64
	perTier := make(map[Tier][]float64)
	perCategory := make(map[string][]float64)

	for _, o := range outcomes {
		if o.Reason == ReasonCanceled {
			r.Abandoned++
			continue
		}
		if o.State == StateAccepted {
			r.Accepted++
		} else {
			r.Failed++
			if o.Reason != ReasonNone {
				r.Failures[o.Reason]++
			}
		}
		if o.Retried() {
			r.Retried++
		}

		cat, hasCat := r.Categories[o.Category]
		if o.Category != "" && !hasCat {
			cat = CategoryReport{Tiers: make(map[Tier]int)}
		}
		if o.Category != "" {
			cat.Count++
		}

		if o.Final != nil {
			f := *o.Final
			tier := th.Classify(f.Error, f.Available)
			r.Tiers[tier]++
			r.Methods[f.Method]++
			if o.Category != "" {
				cat.Tiers[tier]++
			}
			if f.Available {
				r.Evaluated++
				all = append(all, f.Error)
				perTier[tier] = append(perTier[tier], f.Error)
				if o.Category != "" {
					perCategory[o.Category] = append(perCategory[o.Category], f.Error)
				}
				r.Ranking = append(r.Ranking, RankEntry{
					MeshID:   o.MeshID,
					Category: o.Category,
					Method:   f.Method,
					Error:    f.Error,
					Tier:     tier,
				})
			}
			if f.Diagnostics.AppliedScale > 0 {
				scales = append(scales, f.Diagnostics.AppliedScale)
			}
		}

		if o.Category != "" {
			r.Categories[o.Category] = cat
		}
	}

	r.Overall = computeStats(all)
	for _, t := range Tiers {
		r.PerTier[t] = computeStats(perTier[t])
	}
	for name, cat := range r.Categories {
		cat.Stats = computeStats(perCategory[name])
		r.Categories[name] = cat
	}
	r.Scale = computeStats(scales)

	sort.SliceStable(r.Ranking, func(i, j int) bool {
		if r.Ranking[i].Error != r.Ranking[j].Error {
			return r.Ranking[i].Error < r.Ranking[j].Error
		}
		return r.Ranking[i].MeshID < r.Ranking[j].MeshID
	})
	return r
}
