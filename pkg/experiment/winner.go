package experiment

import "github.com/flowmail/journey/pkg/models"

// VariantResult aggregates assignment and conversion counts for one arm.
// Conversions count enrollments whose primary goal was achieved after
// assignment.
type VariantResult struct {
	VariantID   string `json:"variant_id"`
	Assignments int    `json:"assignments"`
	Conversions int    `json:"conversions"`
	IsControl   bool   `json:"is_control"`
}

// ConversionRate is conversions over assignments, 0 when empty.
func (r VariantResult) ConversionRate() float64 {
	if r.Assignments == 0 {
		return 0
	}

	return float64(r.Conversions) / float64(r.Assignments)
}

// WinnerDecision reports the outcome of winner determination. Winner
// determination is an analytics concern; it never gates routing.
type WinnerDecision struct {
	Decided  bool   `json:"decided"`
	WinnerID string `json:"winner_id,omitempty"`
	Reason   string `json:"reason"`
}

// DetermineWinner applies the conservative default rule: every variant must
// reach the configured sample size, then the uniquely highest conversion
// rate wins. No significance testing is attempted; ties stay undecided.
func DetermineWinner(cfg *models.ExperimentConfig, results []VariantResult) WinnerDecision {
	if len(results) == 0 {
		return WinnerDecision{Reason: "no results collected"}
	}

	for _, r := range results {
		if r.Assignments < cfg.SampleSize {
			return WinnerDecision{Reason: "sample size not reached for variant " + r.VariantID}
		}
	}

	best := results[0]
	tied := false

	for _, r := range results[1:] {
		switch {
		case r.ConversionRate() > best.ConversionRate():
			best = r
			tied = false
		case r.ConversionRate() == best.ConversionRate():
			tied = true
		}
	}

	if tied {
		return WinnerDecision{Reason: "conversion rates tied"}
	}

	return WinnerDecision{Decided: true, WinnerID: best.VariantID, Reason: "highest conversion rate with sample size reached"}
}
