// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary yes/no prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// Quantities, costs and prices cross the package boundary as
// shopspring/decimal values. Internal transcendental math runs in float64
// with the log-sum-exp trick for numerical stability, and results are
// converted back to decimal rounded to PriceScale places. Because every cost
// is rounded the same way, trade costs telescope exactly:
//
//	TradeCost(q, a) + TradeCost(q+a, b) == TradeCost(q, a+b)
//
// The package is symmetric in its two outcomes. Every method takes the side
// being traded first, so pricing a NO trade is the same call with the
// quantities swapped.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrInvalidQuantity is returned for non-finite inputs and non-positive
	// solver targets.
	ErrInvalidQuantity = errors.New("lmsr: quantity must be a positive finite number")

	// ErrPriceBoundExceeded is returned when a trade would push the price
	// outside a configured PriceBand.
	ErrPriceBoundExceeded = errors.New("lmsr: trade would push price beyond allowed bounds")

	// MinPrice is the lowest price Price will report. The softmax never
	// reaches 0 or 1 but float64 rounding can, so the result is held inside
	// the open interval.
	MinPrice = decimal.New(1, -8)

	// MaxPrice is the highest price Price will report.
	MaxPrice = decimal.NewFromInt(1).Sub(MinPrice)

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

// PriceBand is an optional trading band on the YES price. Trades that would
// leave the post-trade price outside [Min, Max] are rejected.
type PriceBand struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultBand keeps markets away from degenerate near-certain prices.
var DefaultBand = PriceBand{
	Min: decimal.NewFromFloat(0.001),
	Max: decimal.NewFromFloat(0.999),
}

// Validate checks that the band is a sub-interval of (0, 1).
func (pb PriceBand) Validate() error {
	if pb.Min.LessThanOrEqual(decimal.Zero) || pb.Max.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("lmsr: price band [%s, %s] must lie inside (0, 1)", pb.Min, pb.Max)
	}
	if pb.Min.GreaterThanOrEqual(pb.Max) {
		return fmt.Errorf("lmsr: price band min %s must be below max %s", pb.Min, pb.Max)
	}
	return nil
}

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless: market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b means more liquidity and lower price impact per
// trade. Maximum market-maker loss is bounded by b * ln(2).
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if !b.IsPositive() || b.InexactFloat64() == 0 || b.GreaterThan(MaxQuantity) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// NewMarketMakerFromSubsidy derives b from the largest loss the market
// creator is willing to fund: b = maxLoss / ln(2).
func NewMarketMakerFromSubsidy(maxLoss decimal.Decimal) (*MarketMaker, error) {
	if maxLoss.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	if maxLoss.GreaterThan(MaxQuantity) {
		return nil, ErrInvalidLiquidity
	}
	b := decimal.NewFromFloat(maxLoss.InexactFloat64() / math.Ln2).Round(PriceScale)
	return NewMarketMaker(b)
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// MaxQuantity bounds the magnitude of any share quantity the package
// prices. Larger values overflow the float64 math.
var MaxQuantity = decimal.New(1, 15)

// CheckQuantities returns ErrInvalidQuantity when any q exceeds MaxQuantity
// in magnitude.
func CheckQuantities(qs ...decimal.Decimal) error {
	for _, q := range qs {
		if q.Abs().GreaterThan(MaxQuantity) {
			return fmt.Errorf("%w: |%s| exceeds %s", ErrInvalidQuantity, q, MaxQuantity)
		}
	}
	return nil
}

// toDecimal converts a float result without panicking on NaN or infinities,
// which only arise for quantities outside CheckQuantities.
func toDecimal(x float64) decimal.Decimal {
	switch {
	case math.IsNaN(x):
		return decimal.Zero
	case math.IsInf(x, 1):
		return decimal.NewFromFloat(math.MaxFloat64)
	case math.IsInf(x, -1):
		return decimal.NewFromFloat(-math.MaxFloat64)
	}
	return decimal.NewFromFloat(x)
}

// FromFloat converts a caller-supplied float to a decimal, rejecting NaN and
// infinities.
func FromFloat(x float64) (decimal.Decimal, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return decimal.Zero, ErrInvalidQuantity
	}
	return decimal.NewFromFloat(x), nil
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, 0) {
		return maxVal
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// costF is the float64 cost function used by Cost and the solver.
func (m *MarketMaker) costF(qFirst, qSecond float64) float64 {
	bf := m.b.InexactFloat64()
	return bf * logSumExp([]float64{qFirst / bf, qSecond / bf})
}

// priceF is the unclamped softmax for the first outcome.
func (m *MarketMaker) priceF(qFirst, qSecond float64) float64 {
	bf := m.b.InexactFloat64()
	x := qFirst / bf
	y := qSecond / bf
	maxVal := math.Max(x, y)

	ex := math.Exp(x - maxVal)
	ey := math.Exp(y - maxVal)
	return ex / (ex + ey)
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// The function is symmetric, so argument order does not matter.
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	cost := m.costF(qYes.InexactFloat64(), qNo.InexactFloat64())
	return toDecimal(cost).Round(PriceScale)
}

// Price computes the instantaneous price (probability) of the first outcome:
//
//	p = exp(qFirst / b) / (exp(qFirst / b) + exp(qSecond / b))
//
// Called as Price(qYes, qNo) it is the YES probability. The result is
// rounded to PriceScale and held inside [MinPrice, MaxPrice].
func (m *MarketMaker) Price(qFirst, qSecond decimal.Decimal) decimal.Decimal {
	price := m.priceF(qFirst.InexactFloat64(), qSecond.InexactFloat64())
	if math.IsNaN(price) {
		// Both exponents overflowed; the larger quantity dominates.
		switch qFirst.Cmp(qSecond) {
		case 1:
			return MaxPrice
		case -1:
			return MinPrice
		}
		return decimal.New(5, -1)
	}
	result := decimal.NewFromFloat(price).Round(PriceScale)

	if result.LessThan(MinPrice) {
		return MinPrice
	}
	if result.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return result
}

// PriceNo returns the instantaneous price for the NO outcome: 1 - p_yes.
// The pair always sums to exactly one.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// TradeCost computes the cost to change the first outcome's quantity by
// delta shares:
//
//	cost = C(qFirst + delta, qSecond) - C(qFirst, qSecond)
//
// Positive delta = buying (positive cost to trader).
// Negative delta = selling (negative cost = proceeds to trader).
func (m *MarketMaker) TradeCost(qFirst, qSecond, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return decimal.Zero
	}
	costBefore := m.Cost(qFirst, qSecond)
	costAfter := m.Cost(qFirst.Add(delta), qSecond)
	return costAfter.Sub(costBefore)
}

// TradeCostNo computes the cost to change the NO quantity by deltaNo shares.
// Uses the symmetry property: C(a, b) = C(b, a).
func (m *MarketMaker) TradeCostNo(qYes, qNo, deltaNo decimal.Decimal) decimal.Decimal {
	return m.TradeCost(qNo, qYes, deltaNo)
}

// SaleProceeds returns what selling n shares of the first outcome pays:
// -TradeCost(qFirst, qSecond, -n).
func (m *MarketMaker) SaleProceeds(qFirst, qSecond, n decimal.Decimal) decimal.Decimal {
	return m.TradeCost(qFirst, qSecond, n.Neg()).Neg()
}

// FillPrice returns the average execution price per share for a trade.
//
//	fillPrice = cost / delta
//
// Positive for both buys (cost>0, delta>0) and sells (cost<0, delta<0).
func (m *MarketMaker) FillPrice(qFirst, qSecond, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return m.Price(qFirst, qSecond)
	}
	cost := m.TradeCost(qFirst, qSecond, delta)
	return cost.Div(delta).Round(PriceScale)
}

// validatePriceAfterTrade checks whether the resulting YES price is within
// the band after updating quantities.
func (m *MarketMaker) validatePriceAfterTrade(band PriceBand, newQYes, newQNo decimal.Decimal) error {
	price := m.priceF(newQYes.InexactFloat64(), newQNo.InexactFloat64())

	if price < band.Min.InexactFloat64() || price > band.Max.InexactFloat64() {
		return ErrPriceBoundExceeded
	}
	return nil
}

// ValidateTrade checks if a YES-side trade would push the price out of band.
func (m *MarketMaker) ValidateTrade(band PriceBand, qYes, qNo, deltaYes decimal.Decimal) error {
	return m.validatePriceAfterTrade(band, qYes.Add(deltaYes), qNo)
}

// ValidateTradeNo checks if a NO-side trade would push the price out of band.
func (m *MarketMaker) ValidateTradeNo(band PriceBand, qYes, qNo, deltaNo decimal.Decimal) error {
	return m.validatePriceAfterTrade(band, qYes, qNo.Add(deltaNo))
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n),
// where n = 2 for binary markets.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	loss := m.b.InexactFloat64() * math.Ln2
	return toDecimal(loss).Round(PriceScale)
}
