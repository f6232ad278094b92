// Package settlement resolves markets and pays out winning positions.
//
// Each winning share redeems for exactly 1. Losing shares expire worthless
// and produce no record. The whole resolution is one SettlementPlan that a
// store applies atomically, so a market is paid out at most once.
package settlement

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/market"
	"github.com/LudeeD/market/internal/model"
)

// ErrInvalidOutcome is returned when the outcome is neither YES nor NO.
var ErrInvalidOutcome = errors.New("settlement: outcome must be YES or NO")

var payoutPerShare = decimal.NewFromInt(1)

// Input is everything Resolve reads. Force asks to skip the timing rule and
// only takes effect when AllowForce is set.
type Input struct {
	Market     *model.Market
	Positions  []model.Position
	Outcome    model.Side
	Now        time.Time
	Force      bool
	AllowForce bool
	NewID      func() string
}

// Resolve builds the settlement plan for in.Market. It performs no I/O.
func Resolve(in Input) (*model.SettlementPlan, error) {
	m := in.Market
	if m.Status == model.StatusResolved {
		return nil, fmt.Errorf("market %s: %w", m.ID, market.ErrAlreadyResolved)
	}
	if !in.Outcome.Valid() {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidOutcome, in.Outcome)
	}
	if err := market.CheckResolvable(m, in.Now, in.Force && in.AllowForce); err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}

	newID := in.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := in.Now.UTC()

	winners := make([]model.Position, 0, len(in.Positions))
	for _, p := range in.Positions {
		if p.MarketID == m.ID && p.Side == in.Outcome && p.Shares.IsPositive() {
			winners = append(winners, p)
		}
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].UserID < winners[j].UserID })

	plan := &model.SettlementPlan{
		MarketID:      m.ID,
		MarketVersion: m.Version,
		Outcome:       in.Outcome,
		ResolvedAt:    now,
		Payouts:       make([]model.Payout, 0, len(winners)),
		Transactions:  make([]model.Transaction, 0, len(winners)),
	}
	for _, p := range winners {
		amount := p.Shares.Mul(payoutPerShare)
		plan.Payouts = append(plan.Payouts, model.Payout{
			UserID: p.UserID,
			Side:   p.Side,
			Shares: p.Shares,
			Amount: amount,
		})
		plan.Transactions = append(plan.Transactions, model.Transaction{
			ID:        newID(),
			UserID:    p.UserID,
			MarketID:  m.ID,
			Type:      model.TxPayout,
			Side:      p.Side,
			Shares:    p.Shares,
			Price:     payoutPerShare,
			Amount:    amount,
			CreatedAt: now,
		})
	}
	return plan, nil
}
