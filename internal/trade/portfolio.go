package trade

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/lmsr"
	"github.com/LudeeD/market/internal/model"
)

// PositionView is a position marked to the current side price. Once a
// market resolves the mark is 1 for the winning side and 0 otherwise.
type PositionView struct {
	model.Position
	MarketStatus  model.MarketStatus `json:"market_status"`
	MarkPrice     decimal.Decimal    `json:"mark_price"`
	Value         decimal.Decimal    `json:"value"`
	CostBasis     decimal.Decimal    `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
}

// Portfolio summarizes a user's holdings.
type Portfolio struct {
	Account          model.Account              `json:"account"`
	Positions        []PositionView             `json:"positions"`
	TotalValue       decimal.Decimal            `json:"total_value"`
	TotalCost        decimal.Decimal            `json:"total_cost"`
	TotalPnL         decimal.Decimal            `json:"total_pnl"`
	ExposureByMarket map[string]decimal.Decimal `json:"exposure_by_market"`
	Transactions     []model.Transaction        `json:"transactions"`
}

// Portfolio returns the user's balance, marked positions and ledger.
func (s *Service) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.ListTransactionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	pf := &Portfolio{
		Account:          *acct,
		Positions:        make([]PositionView, 0, len(positions)),
		TotalValue:       decimal.Zero,
		TotalCost:        decimal.Zero,
		TotalPnL:         decimal.Zero,
		ExposureByMarket: make(map[string]decimal.Decimal),
		Transactions:     txs,
	}

	markets := make(map[string]*model.Market)
	for _, p := range positions {
		if !p.Shares.IsPositive() {
			continue
		}
		m, ok := markets[p.MarketID]
		if !ok {
			if m, err = s.store.GetMarket(ctx, p.MarketID); err != nil {
				return nil, err
			}
			markets[p.MarketID] = m
		}

		mark, err := markPrice(m, p.Side)
		if err != nil {
			return nil, err
		}
		v := PositionView{
			Position:     p,
			MarketStatus: m.Status,
			MarkPrice:    mark,
			Value:        p.Shares.Mul(mark).Round(lmsr.PriceScale),
			CostBasis:    p.Shares.Mul(p.AvgPrice).Round(lmsr.PriceScale),
		}
		v.UnrealizedPnL = v.Value.Sub(v.CostBasis)

		pf.Positions = append(pf.Positions, v)
		pf.TotalValue = pf.TotalValue.Add(v.Value)
		pf.TotalCost = pf.TotalCost.Add(v.CostBasis)
		pf.ExposureByMarket[p.MarketID] = pf.ExposureByMarket[p.MarketID].Add(p.Shares)
	}
	pf.TotalPnL = pf.TotalValue.Sub(pf.TotalCost)
	return pf, nil
}

func markPrice(m *model.Market, side model.Side) (decimal.Decimal, error) {
	if m.Status == model.StatusResolved {
		if m.Outcome == side {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	}
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return decimal.Zero, err
	}
	return mm.Price(m.Quantity(side), m.Quantity(side.Opposite())), nil
}
