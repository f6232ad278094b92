// Package limits enforces optional caps on how many shares one user may hold
// in a market.
//
// Two limits apply to a buy:
//   - MaxPerPosition caps the shares held on a single side
//   - MaxPerMarket caps the user's YES and NO holdings combined
//
// A zero limit is disabled. Sells only reduce exposure and are never checked.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/model"
)

var (
	// ErrPositionLimitExceeded is returned when a buy would push one side's
	// holding beyond MaxPerPosition.
	ErrPositionLimitExceeded = errors.New("limits: position limit exceeded")

	// ErrMarketLimitExceeded is returned when a buy would push the user's
	// combined holding in a market beyond MaxPerMarket.
	ErrMarketLimitExceeded = errors.New("limits: market exposure limit exceeded")
)

// PositionLimiter holds the configured caps.
type PositionLimiter struct {
	MaxPerPosition decimal.Decimal
	MaxPerMarket   decimal.Decimal
}

// NewPositionLimiter creates a limiter. Pass decimal.Zero to disable a limit.
func NewPositionLimiter(maxPerPosition, maxPerMarket decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerPosition: maxPerPosition,
		MaxPerMarket:   maxPerMarket,
	}
}

// Enabled reports whether any limit is set.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerPosition.IsPositive() || l.MaxPerMarket.IsPositive())
}

// CheckLimit validates a buy of delta shares on side given the user's
// current holdings in the market. Returns nil if the trade is within limits.
func (l *PositionLimiter) CheckLimit(
	held map[model.Side]decimal.Decimal,
	side model.Side,
	delta decimal.Decimal,
) error {
	if !l.Enabled() || !delta.IsPositive() {
		return nil
	}

	newPosition := held[side].Add(delta)
	if l.MaxPerPosition.IsPositive() && newPosition.GreaterThan(l.MaxPerPosition) {
		return ErrPositionLimitExceeded
	}

	total := newPosition.Add(held[side.Opposite()])
	if l.MaxPerMarket.IsPositive() && total.GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	return nil
}
