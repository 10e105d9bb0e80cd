package matcher

import (
	"github.com/shopspring/decimal"
)

// amountEpsilon substitutes for a zero amount tolerance so the linear decay
// is defined while still requiring near-exact equality: any difference of a
// whole currency cent or more scores zero.
var amountEpsilon = decimal.New(1, -6)

// dateEpsilonDays plays the same role for a zero date tolerance.
const dateEpsilonDays = 1e-6

// AxisScores holds the per-axis and combined confidence scores for one
// candidate correspondence.
type AxisScores struct {
	Amount      float64 `json:"amount_score"`
	Date        float64 `json:"date_score"`
	Currency    float64 `json:"currency_score"`
	Description float64 `json:"description_score"`
	Global      float64 `json:"global_score"`
}

// Score computes confidence scores from the raw deviations. It is pure and
// side-effect-free: identical inputs produce bit-identical results.
//
// Each axis decays linearly from 1 at zero deviation to 0 at the tolerance
// bound. The global score is the weighted sum of the axes clamped to [0, 1];
// a perfect match on every weighted axis yields 1.0 when the weights sum
// to 1.
func Score(amountDiff, amountTol decimal.Decimal, dateDiffDays, dateTolDays float64, currencyMatch bool, embedSim float64, w Weights) AxisScores {
	s := AxisScores{}

	tol := amountTol
	if tol.IsZero() {
		tol = amountEpsilon
	}
	ratio, _ := amountDiff.Abs().Div(tol).Float64()
	s.Amount = clamp01(1.0 - ratio)

	dayTol := dateTolDays
	if dayTol == 0 {
		dayTol = dateEpsilonDays
	}
	if dateDiffDays < 0 {
		dateDiffDays = -dateDiffDays
	}
	s.Date = clamp01(1.0 - dateDiffDays/dayTol)

	if currencyMatch {
		s.Currency = 1.0
	}

	s.Description = clamp01(embedSim)

	s.Global = clamp01(w.Amount*s.Amount + w.Date*s.Date + w.Currency*s.Currency + w.Description*s.Description)
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
