// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two outcomes of a binary market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(SideYes):
		return SideYes, nil
	case string(SideNo):
		return SideNo, nil
	}
	return "", fmt.Errorf("model: invalid side %q", s)
}

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Direction is the trader's direction: buying shares from or selling them
// back to the market maker.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// ParseDirection accepts "buy"/"sell" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(Buy):
		return Buy, nil
	case string(Sell):
		return Sell, nil
	}
	return "", fmt.Errorf("model: invalid direction %q", s)
}

// Valid reports whether d is BUY or SELL.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// MarketStatus is the persisted lifecycle state of a market.
type MarketStatus string

const (
	StatusOpen     MarketStatus = "open"
	StatusClosed   MarketStatus = "closed"
	StatusResolved MarketStatus = "resolved"
)

// TxType classifies an audit record.
type TxType string

const (
	TxBuy    TxType = "BUY"
	TxSell   TxType = "SELL"
	TxPayout TxType = "PAYOUT"
)

// Market is a binary question priced by the LMSR. QYes/QNo are the market
// maker's outstanding shares and may be negative. Version is bumped on every
// committed write and used for optimistic concurrency.
type Market struct {
	ID          string          `json:"id" db:"id"`
	Question    string          `json:"question" db:"question"`
	Description string          `json:"description,omitempty" db:"description"`
	CreatorID   string          `json:"creator_id" db:"creator_id"`
	OracleID    string          `json:"oracle_id,omitempty" db:"oracle_id"`
	EndDate     time.Time       `json:"end_date" db:"end_date"`
	CloseAt     *time.Time      `json:"close_at,omitempty" db:"close_at"`
	Status      MarketStatus    `json:"status" db:"status"`
	Outcome     Side            `json:"outcome,omitempty" db:"outcome"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	QYes        decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo         decimal.Decimal `json:"q_no" db:"q_no"`
	B           decimal.Decimal `json:"b" db:"b"` // LMSR liquidity parameter
	Version     int64           `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Quantity returns the outstanding quantity of the given side.
func (m *Market) Quantity(side Side) decimal.Decimal {
	if side == SideYes {
		return m.QYes
	}
	return m.QNo
}

// Position is a long holding of one side of one market by one user.
// AvgPrice is the cost basis for display and P&L only.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Account holds a user's cash balance.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Version   int64           `json:"version" db:"version"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Transaction is an immutable audit record of a trade or payout.
// Shares is the signed share delta (+buy, -sell, +redeemed on payout);
// Amount is the absolute money moved.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Type      TxType          `json:"type" db:"type"`
	Side      Side            `json:"side" db:"side"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PriceSnapshot is an immutable point of a market's probability history.
type PriceSnapshot struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	PriceYes  decimal.Decimal `json:"price_yes" db:"price_yes"`
	PriceNo   decimal.Decimal `json:"price_no" db:"price_no"`
	QYes      decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo       decimal.Decimal `json:"q_no" db:"q_no"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// TradeDelta is the complete write set of one trade. A store applies all of
// it or none of it; MarketVersion and AccountVersion are the versions the
// delta was computed against.
type TradeDelta struct {
	MarketID       string          `json:"market_id"`
	MarketVersion  int64           `json:"market_version"`
	QYes           decimal.Decimal `json:"q_yes"`
	QNo            decimal.Decimal `json:"q_no"`
	UserID         string          `json:"user_id"`
	AccountVersion int64           `json:"account_version"`
	Balance        decimal.Decimal `json:"balance"`
	Position       Position        `json:"position"`
	Transaction    Transaction     `json:"transaction"`
	Snapshot       PriceSnapshot   `json:"snapshot"`
}

// Payout is the credit owed to one winning position.
type Payout struct {
	UserID string          `json:"user_id"`
	Side   Side            `json:"side"`
	Shares decimal.Decimal `json:"shares"`
	Amount decimal.Decimal `json:"amount"`
}

// SettlementPlan is the complete write set of one market resolution: the
// market transition, every balance credit and every payout record.
type SettlementPlan struct {
	MarketID      string        `json:"market_id"`
	MarketVersion int64         `json:"market_version"`
	Outcome       Side          `json:"outcome"`
	ResolvedAt    time.Time     `json:"resolved_at"`
	Payouts       []Payout      `json:"payouts"`
	Transactions  []Transaction `json:"transactions"`
}

// TotalPayout sums the plan's credits.
func (p *SettlementPlan) TotalPayout() decimal.Decimal {
	total := decimal.Zero
	for _, po := range p.Payouts {
		total = total.Add(po.Amount)
	}
	return total
}
