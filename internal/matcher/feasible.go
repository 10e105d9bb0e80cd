package matcher

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Feasibility reports, for each candidate group size, whether any subset of
// that size can sum into the tolerance band around a target. It is computed
// from sorted prefix sums: a subset of size g is feasible only if the sum of
// the g smallest amounts does not exceed target+tol and the sum of the g
// largest amounts reaches at least target-tol. The bounds are necessary, not
// sufficient; enumeration still verifies exact sums for the surviving sizes.
type Feasibility struct {
	// Sizes[g-1] is true when some subset of size g may reach the target.
	Sizes []bool

	// MinSize is the smallest feasible group size, 0 when none qualifies.
	MinSize int
}

// Infeasible reports whether no group size can reach the target
func (f Feasibility) Infeasible() bool {
	return f.MinSize == 0
}

// FeasibleAt reports whether a group of size g may reach the target
func (f Feasibility) FeasibleAt(g int) bool {
	return g >= 1 && g <= len(f.Sizes) && f.Sizes[g-1]
}

// GroupFeasibility computes per-size feasibility bounds for subsets of the
// given amounts summing into [target-tol, target+tol], for sizes 1..maxSize.
// This is what keeps the grouped search tractable: sizes that provably
// cannot reach the target are never enumerated, and the case where only the
// full candidate set sums to the target is detected without visiting any
// smaller subset.
func GroupFeasibility(amounts []decimal.Decimal, target, tol decimal.Decimal, maxSize int) Feasibility {
	n := len(amounts)
	if maxSize > n {
		maxSize = n
	}
	if n == 0 || maxSize <= 0 {
		return Feasibility{}
	}

	sorted := make([]decimal.Decimal, n)
	copy(sorted, amounts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})

	// ascending[g] = sum of the g smallest, descending[g] = sum of the g
	// largest.
	ascending := make([]decimal.Decimal, n+1)
	descending := make([]decimal.Decimal, n+1)
	ascending[0] = decimal.Zero
	descending[0] = decimal.Zero
	for g := 1; g <= n; g++ {
		ascending[g] = ascending[g-1].Add(sorted[g-1])
		descending[g] = descending[g-1].Add(sorted[n-g])
	}

	upper := target.Add(tol)
	lower := target.Sub(tol)

	result := Feasibility{Sizes: make([]bool, maxSize)}
	for g := 1; g <= maxSize; g++ {
		if ascending[g].LessThanOrEqual(upper) && descending[g].GreaterThanOrEqual(lower) {
			result.Sizes[g-1] = true
			if result.MinSize == 0 {
				result.MinSize = g
			}
		}
	}
	return result
}

// sumAll returns the exact sum of all amounts
func sumAll(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// withinBand reports whether a sum lands inside [target-tol, target+tol]
func withinBand(sum, target, tol decimal.Decimal) bool {
	return sum.Sub(target).Abs().LessThanOrEqual(tol)
}
