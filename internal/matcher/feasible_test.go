package matcher

import (
	"testing"

	"github.com/shopspring/decimal"
)

func decs(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

func TestGroupFeasibilityExactPair(t *testing.T) {
	f := GroupFeasibility(decs("400.00", "600.00", "30.00"), dec("1000.00"), decimal.Zero, 3)

	if f.Infeasible() {
		t.Fatal("1000 is reachable by 400+600")
	}
	if f.FeasibleAt(1) {
		t.Error("no single amount reaches 1000")
	}
	if !f.FeasibleAt(2) {
		t.Error("size 2 should be feasible (400+600)")
	}
}

func TestGroupFeasibilityMinSumExceedsTarget(t *testing.T) {
	// Every amount alone is above the target, so no size is feasible.
	f := GroupFeasibility(decs("700.00", "800.00", "900.00"), dec("500.00"), dec("0.50"), 3)
	if !f.Infeasible() {
		t.Errorf("expected infeasible, got min size %d", f.MinSize)
	}
}

func TestGroupFeasibilityOnlyFullSetReaches(t *testing.T) {
	// Forty equal installments of 25.00 against a 1000.00 target: only the
	// full set sums to the target, and the prefix-sum bounds prove every
	// smaller size infeasible without enumeration.
	amounts := make([]decimal.Decimal, 40)
	for i := range amounts {
		amounts[i] = dec("25.00")
	}

	f := GroupFeasibility(amounts, dec("1000.00"), decimal.Zero, 40)
	if f.MinSize != 40 {
		t.Fatalf("MinSize = %d, want 40", f.MinSize)
	}
	for g := 1; g < 40; g++ {
		if f.FeasibleAt(g) {
			t.Errorf("size %d should be infeasible", g)
		}
	}
	if !f.FeasibleAt(40) {
		t.Error("size 40 should be feasible")
	}
}

func TestGroupFeasibilityToleranceWidensBand(t *testing.T) {
	amounts := decs("10.00", "20.00")

	exact := GroupFeasibility(amounts, dec("29.00"), decimal.Zero, 2)
	if !exact.Infeasible() {
		t.Error("29.00 unreachable with zero tolerance")
	}

	loose := GroupFeasibility(amounts, dec("29.00"), dec("1.00"), 2)
	if !loose.FeasibleAt(2) {
		t.Error("29.00 within 1.00 of 30.00, size 2 should be feasible")
	}
}

func TestGroupFeasibilityNegativeAmounts(t *testing.T) {
	// Refund legs pull sums down; bounds must use sorted order, not input
	// order.
	f := GroupFeasibility(decs("-50.00", "150.00", "100.00"), dec("50.00"), decimal.Zero, 3)
	if f.Infeasible() {
		t.Fatal("50 is reachable by -50 + 100")
	}
	if !f.FeasibleAt(2) {
		t.Error("size 2 should be feasible (-50 + 100)")
	}
}

func TestGroupFeasibilityRespectsMaxSize(t *testing.T) {
	amounts := decs("1.00", "1.00", "1.00", "1.00")
	f := GroupFeasibility(amounts, dec("4.00"), decimal.Zero, 2)
	if !f.Infeasible() {
		t.Error("target needs size 4 but max size is 2")
	}
	if len(f.Sizes) > 2 {
		t.Errorf("Sizes should be capped at max size, got %d entries", len(f.Sizes))
	}
}

func TestGroupFeasibilityEmptyInput(t *testing.T) {
	f := GroupFeasibility(nil, dec("10.00"), decimal.Zero, 3)
	if !f.Infeasible() {
		t.Error("empty candidate set must be infeasible")
	}
}
