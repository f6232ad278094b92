package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// Solver policy for the inverse problem (shares for a given amount of money).
const (
	// MaxIterations bounds the Newton/bisection loop.
	MaxIterations = 100

	// Tolerance is the absolute cost error at which the float solve stops.
	Tolerance = 1e-6

	// MaxSolveShares caps bracket growth. A target that needs more shares
	// than this is reported as ErrNoConvergence.
	MaxSolveShares = 1e12

	// maxAdjustSteps bounds the doubling walk that brackets the exact
	// decimal boundary around the float estimate.
	maxAdjustSteps = 64
)

// ErrNoConvergence is returned when the solver cannot find a share count
// for the requested amount within its iteration or bracket limits.
var ErrNoConvergence = errors.New("lmsr: solver did not converge")

var shareTick = decimal.New(1, -PriceScale)

// SharesForCost returns the largest share count (to PriceScale places) of
// the first outcome that can be bought for at most budget.
func (m *MarketMaker) SharesForCost(qFirst, qSecond, budget decimal.Decimal) (decimal.Decimal, error) {
	if !budget.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	a := qFirst.InexactFloat64()
	c := qSecond.InexactFloat64()

	spend := func(n float64) float64 { return m.costF(a+n, c) - m.costF(a, c) }
	slope := func(n float64) float64 { return m.priceF(a+n, c) }

	x, err := solveMonotone(spend, slope, budget.InexactFloat64(), m.priceF(a, c))
	if err != nil {
		return decimal.Zero, err
	}

	fits := func(n decimal.Decimal) bool {
		return m.TradeCost(qFirst, qSecond, n).LessThanOrEqual(budget)
	}
	shares, err := lastTick(decimal.NewFromFloat(x).Truncate(PriceScale), fits)
	if err != nil {
		return decimal.Zero, err
	}
	if !shares.IsPositive() {
		// Budget too small to buy a single tick.
		return decimal.Zero, ErrInvalidQuantity
	}
	return shares, nil
}

// SharesForProceeds returns the smallest share count (to PriceScale places)
// of the first outcome whose sale pays at least target. Proceeds are bounded
// above by C(q) - qSecond, so targets at or beyond that fail with
// ErrNoConvergence.
func (m *MarketMaker) SharesForProceeds(qFirst, qSecond, target decimal.Decimal) (decimal.Decimal, error) {
	if !target.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	a := qFirst.InexactFloat64()
	c := qSecond.InexactFloat64()

	if m.Cost(qFirst, qSecond).Sub(qSecond).LessThanOrEqual(target) {
		return decimal.Zero, ErrNoConvergence
	}

	receive := func(n float64) float64 { return m.costF(a, c) - m.costF(a-n, c) }
	slope := func(n float64) float64 { return m.priceF(a-n, c) }

	x, err := solveMonotone(receive, slope, target.InexactFloat64(), m.priceF(a, c))
	if err != nil {
		return decimal.Zero, err
	}

	short := func(n decimal.Decimal) bool {
		return m.SaleProceeds(qFirst, qSecond, n).LessThan(target)
	}
	last, err := lastTick(decimal.NewFromFloat(x).RoundCeil(PriceScale), short)
	if err != nil {
		return decimal.Zero, err
	}
	return last.Add(shareTick), nil
}

// lastTick returns the largest multiple of shareTick n >= 0 for which ok
// holds, given that ok holds on (0, N] and fails above N. It walks out from
// the estimate start with doubling steps until the boundary is bracketed,
// then bisects down to one tick.
func lastTick(start decimal.Decimal, ok func(decimal.Decimal) bool) (decimal.Decimal, error) {
	if !start.IsPositive() {
		start = shareTick
	}
	var lo, hi decimal.Decimal
	step := shareTick
	if ok(start) {
		lo = start
		for i := 0; ; i++ {
			if i == maxAdjustSteps {
				return decimal.Zero, ErrNoConvergence
			}
			next := lo.Add(step)
			if !ok(next) {
				hi = next
				break
			}
			lo = next
			step = step.Add(step)
		}
	} else {
		hi = start
		for i := 0; ; i++ {
			if i == maxAdjustSteps {
				return decimal.Zero, ErrNoConvergence
			}
			next := hi.Sub(step)
			if !next.IsPositive() {
				lo = decimal.Zero
				break
			}
			if ok(next) {
				lo = next
				break
			}
			hi = next
			step = step.Add(step)
		}
	}

	half := decimal.New(5, -1)
	for hi.Sub(lo).GreaterThan(shareTick) {
		mid := lo.Add(hi).Mul(half).Truncate(PriceScale)
		if ok(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// solveMonotone finds n > 0 with f(n) = target for an increasing f with
// f(0) = 0 and derivative df in (0, 1]. It brackets the root by doubling and
// then runs Newton steps, falling back to bisection whenever a step leaves
// the bracket.
func solveMonotone(f, df func(float64) float64, target, p0 float64) (float64, error) {
	if math.IsNaN(target) || math.IsInf(target, 0) || target <= 0 {
		return 0, ErrInvalidQuantity
	}

	lo, hi := 0.0, math.Max(target, 1)
	for f(hi) < target {
		lo = hi
		hi *= 2
		if hi > MaxSolveShares {
			return 0, ErrNoConvergence
		}
	}

	x := target / p0
	if !(x > lo && x < hi) {
		x = lo + (hi-lo)/2
	}

	for i := 0; i < MaxIterations; i++ {
		g := f(x) - target
		if math.IsNaN(g) {
			return 0, ErrNoConvergence
		}
		if math.Abs(g) <= Tolerance {
			return x, nil
		}
		if g < 0 {
			lo = x
		} else {
			hi = x
		}
		if hi-lo <= 1e-12*math.Max(1, hi) {
			// Float resolution exhausted; the decimal pass settles the rest.
			return x, nil
		}

		next := x - g/df(x)
		if math.IsNaN(next) || next <= lo || next >= hi {
			next = lo + (hi-lo)/2
		}
		x = next
	}
	return 0, ErrNoConvergence
}
