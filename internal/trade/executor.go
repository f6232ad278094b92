package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/history"
	"github.com/LudeeD/market/internal/lmsr"
	"github.com/LudeeD/market/internal/market"
	"github.com/LudeeD/market/internal/model"
)

var (
	// ErrInvalidAmount is returned for a malformed request: missing side or
	// direction, both or neither of shares and budget, or a non-positive
	// value.
	ErrInvalidAmount = errors.New("trade: invalid trade amount")

	ErrInsufficientBalance = errors.New("trade: insufficient balance")
	ErrInsufficientShares  = errors.New("trade: insufficient shares")
)

// Request is one trade intent. Exactly one of Shares or Budget is set. On a
// buy, Budget is the most the trader will spend; on a sell it is the least
// the trader wants back.
type Request struct {
	Side      model.Side      `json:"side"`
	Direction model.Direction `json:"direction"`
	Shares    decimal.Decimal `json:"shares"`
	Budget    decimal.Decimal `json:"budget"`
}

func (r Request) validate() error {
	if !r.Side.Valid() {
		return fmt.Errorf("%w: side must be YES or NO", ErrInvalidAmount)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: direction must be BUY or SELL", ErrInvalidAmount)
	}
	hasShares, hasBudget := !r.Shares.IsZero(), !r.Budget.IsZero()
	if hasShares == hasBudget {
		return fmt.Errorf("%w: set exactly one of shares or budget", ErrInvalidAmount)
	}
	if r.Shares.IsNegative() || r.Budget.IsNegative() {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if r.Shares.GreaterThan(maxAmount) || r.Budget.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: must not exceed %s", ErrInvalidAmount, maxAmount)
	}
	return nil
}

// maxAmount caps a single request's shares or budget.
var maxAmount = decimal.NewFromFloat(lmsr.MaxSolveShares)

// Quote is the priced form of a Request against a market state. Amount is
// the cost of a buy or the proceeds of a sell and is always positive.
type Quote struct {
	Side        model.Side      `json:"side"`
	Direction   model.Direction `json:"direction"`
	Shares      decimal.Decimal `json:"shares"`
	Amount      decimal.Decimal `json:"amount"`
	FillPrice   decimal.Decimal `json:"fill_price"`
	PriceBefore decimal.Decimal `json:"price_before"`
	PriceAfter  decimal.Decimal `json:"price_after"`
	QYes        decimal.Decimal `json:"q_yes"`
	QNo         decimal.Decimal `json:"q_no"`

	// Buys only: what the shares pay if the side wins, and the gain over cost.
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	PotentialProfit decimal.Decimal `json:"potential_profit"`
}

// QuoteTrade prices req against m without checking the trading window or
// the trader's holdings. band may be nil.
func QuoteTrade(m *model.Market, req Request, band *lmsr.PriceBand) (*Quote, error) {
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}
	return quote(mm, m, req, band)
}

func quote(mm *lmsr.MarketMaker, m *model.Market, req Request, band *lmsr.PriceBand) (*Quote, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	first, second := m.Quantity(req.Side), m.Quantity(req.Side.Opposite())
	if err := lmsr.CheckQuantities(first, second); err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}

	shares := req.Shares.Truncate(lmsr.PriceScale)
	var err error
	switch {
	case req.Budget.IsZero():
	case req.Direction == model.Buy:
		shares, err = mm.SharesForCost(first, second, req.Budget)
	default:
		shares, err = mm.SharesForProceeds(first, second, req.Budget)
	}
	if errors.Is(err, lmsr.ErrInvalidQuantity) {
		return nil, fmt.Errorf("%w: budget %s buys no shares", ErrInvalidAmount, req.Budget)
	}
	if err != nil {
		return nil, err
	}
	if !shares.IsPositive() {
		return nil, fmt.Errorf("%w: shares round to zero", ErrInvalidAmount)
	}

	delta := shares
	if req.Direction == model.Sell {
		delta = shares.Neg()
	}
	if err := lmsr.CheckQuantities(first.Add(delta)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	amount := mm.TradeCost(first, second, shares)
	if req.Direction == model.Sell {
		amount = mm.SaleProceeds(first, second, shares)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: trade of %s shares moves no money", ErrInvalidAmount, shares)
	}

	if band != nil {
		if req.Side == model.SideYes {
			err = mm.ValidateTrade(*band, m.QYes, m.QNo, delta)
		} else {
			err = mm.ValidateTradeNo(*band, m.QYes, m.QNo, delta)
		}
		if err != nil {
			return nil, err
		}
	}

	newFirst := first.Add(delta)
	q := &Quote{
		Side:        req.Side,
		Direction:   req.Direction,
		Shares:      shares,
		Amount:      amount,
		FillPrice:   amount.Div(shares).Round(lmsr.PriceScale),
		PriceBefore: mm.Price(first, second),
		PriceAfter:  mm.Price(newFirst, second),
		QYes:        newFirst,
		QNo:         second,
	}
	if req.Side == model.SideNo {
		q.QYes, q.QNo = second, newFirst
	}
	if req.Direction == model.Buy {
		q.PotentialPayout = shares
		q.PotentialProfit = shares.Sub(amount)
	}
	return q, nil
}

// Input is everything Execute reads. Position is the trader's holding on
// Request.Side, or nil when there is none.
type Input struct {
	Market   *model.Market
	Account  *model.Account
	Position *model.Position
	Request  Request
	Now      time.Time
	Band     *lmsr.PriceBand
	Recorder *history.Recorder
	NewID    func() string
}

// Result is a priced trade plus the write set that commits it.
type Result struct {
	Quote
	Delta *model.TradeDelta `json:"-"`
}

// Execute computes one trade. It performs no I/O: the returned delta must be
// applied atomically by a store, against the versions it carries.
func Execute(in Input) (*Result, error) {
	m := in.Market
	if err := market.CheckTradable(m, in.Now); err != nil {
		return nil, err
	}
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}
	q, err := quote(mm, m, in.Request, in.Band)
	if err != nil {
		return nil, err
	}

	now := in.Now.UTC()
	held, avg, opened := decimal.Zero, decimal.Zero, now
	if p := in.Position; p != nil {
		held, avg, opened = p.Shares, p.AvgPrice, p.CreatedAt
	}

	balance := in.Account.Balance
	pos := model.Position{
		UserID:    in.Account.UserID,
		MarketID:  m.ID,
		Side:      q.Side,
		AvgPrice:  avg,
		CreatedAt: opened,
		UpdatedAt: now,
	}
	txType, txShares := model.TxBuy, q.Shares

	switch q.Direction {
	case model.Buy:
		if balance.LessThan(q.Amount) {
			return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, q.Amount, balance)
		}
		balance = balance.Sub(q.Amount)
		pos.Shares = held.Add(q.Shares)
		pos.AvgPrice = held.Mul(avg).Add(q.Amount).Div(pos.Shares).Round(lmsr.PriceScale)
	case model.Sell:
		if held.LessThan(q.Shares) {
			return nil, fmt.Errorf("%w: selling %s, holding %s", ErrInsufficientShares, q.Shares, held)
		}
		balance = balance.Add(q.Amount)
		pos.Shares = held.Sub(q.Shares)
		txType, txShares = model.TxSell, q.Shares.Neg()
	}

	newID := in.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	delta := &model.TradeDelta{
		MarketID:       m.ID,
		MarketVersion:  m.Version,
		QYes:           q.QYes,
		QNo:            q.QNo,
		UserID:         in.Account.UserID,
		AccountVersion: in.Account.Version,
		Balance:        balance,
		Position:       pos,
		Transaction: model.Transaction{
			ID:        newID(),
			UserID:    in.Account.UserID,
			MarketID:  m.ID,
			Type:      txType,
			Side:      q.Side,
			Shares:    txShares,
			Price:     q.FillPrice,
			Amount:    q.Amount,
			CreatedAt: now,
		},
		Snapshot: in.Recorder.Snapshot(mm, m.ID, q.QYes, q.QNo, now),
	}
	return &Result{Quote: *q, Delta: delta}, nil
}
