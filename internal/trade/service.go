// Package trade executes trades against LMSR markets. Execute is the pure
// pricing core; Service runs it against a store with optimistic retries and
// publishes the outcome.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/history"
	"github.com/LudeeD/market/internal/limits"
	"github.com/LudeeD/market/internal/lmsr"
	"github.com/LudeeD/market/internal/market"
	"github.com/LudeeD/market/internal/metrics"
	"github.com/LudeeD/market/internal/model"
	"github.com/LudeeD/market/internal/store"
	"github.com/LudeeD/market/internal/ws"
)

// ErrInvalidUser is returned when an account is requested without a user id.
var ErrInvalidUser = errors.New("trade: user id is required")

// Broadcaster receives market events after they commit.
type Broadcaster interface {
	Broadcast(msg ws.Message)
}

// Config tunes a Service.
type Config struct {
	MaxRetries        int
	StartingBalance   decimal.Decimal
	DefaultLiquidity  decimal.Decimal
	MinMarketDuration time.Duration
	Band              *lmsr.PriceBand // nil disables the price band
	Clock             func() time.Time
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        5,
		StartingBalance:   decimal.NewFromInt(1000),
		DefaultLiquidity:  market.DefaultLiquidity,
		MinMarketDuration: market.DefaultMinDuration,
	}
}

// Service owns accounts, markets and trades.
type Service struct {
	store    store.Store
	limiter  *limits.PositionLimiter
	hub      Broadcaster
	cfg      Config
	recorder *history.Recorder
}

// NewService creates a trade service. limiter and hub may be nil.
func NewService(st store.Store, limiter *limits.PositionLimiter, hub Broadcaster, cfg Config) *Service {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Service{
		store:    st,
		limiter:  limiter,
		hub:      hub,
		cfg:      cfg,
		recorder: &history.Recorder{},
	}
}

func (s *Service) now() time.Time {
	if s.cfg.Clock != nil {
		return s.cfg.Clock().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) broadcast(msg ws.Message) {
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
}

// CreateAccount opens an account funded with the starting balance.
func (s *Service) CreateAccount(ctx context.Context, userID string) (*model.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	acct := &model.Account{
		UserID:    userID,
		Balance:   s.cfg.StartingBalance,
		Version:   1,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	slog.Info("account created", "user", userID, "balance", acct.Balance.String())
	return acct, nil
}

// GetAccount returns a user's account.
func (s *Service) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.store.GetAccount(ctx, userID)
}

// MarketView is a market together with its current prices and effective
// state.
type MarketView struct {
	model.Market
	State    model.MarketStatus `json:"state"`
	PriceYes decimal.Decimal    `json:"price_yes"`
	PriceNo  decimal.Decimal    `json:"price_no"`
	MaxLoss  decimal.Decimal    `json:"max_loss"`
}

func (s *Service) view(m *model.Market) (*MarketView, error) {
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}
	priceYes := mm.Price(m.QYes, m.QNo)
	return &MarketView{
		Market:   *m,
		State:    market.State(m, s.now()),
		PriceYes: priceYes,
		PriceNo:  decimal.NewFromInt(1).Sub(priceYes),
		MaxLoss:  mm.MaxLoss(),
	}, nil
}

// CreateMarket validates p, persists the market with its opening snapshot
// and announces it.
func (s *Service) CreateMarket(ctx context.Context, p market.Params) (*MarketView, error) {
	if p.Liquidity.IsZero() && p.MaxLoss.IsZero() {
		p.Liquidity = s.cfg.DefaultLiquidity
	}
	if p.MinDuration <= 0 {
		p.MinDuration = s.cfg.MinMarketDuration
	}
	now := s.now()
	m, err := market.New(p, now)
	if err != nil {
		return nil, err
	}
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, err
	}
	seed := s.recorder.Snapshot(mm, m.ID, m.QYes, m.QNo, now)
	if err := s.store.CreateMarket(ctx, m, &seed); err != nil {
		return nil, err
	}

	metrics.MarketsCreated.Inc()
	slog.Info("market created",
		"market", m.ID,
		"creator", m.CreatorID,
		"b", m.B.String(),
		"end_date", m.EndDate,
	)
	s.broadcast(ws.Message{
		Type:     ws.EventMarketCreated,
		MarketID: m.ID,
		PriceYes: seed.PriceYes.String(),
		PriceNo:  seed.PriceNo.String(),
		Time:     now,
	})
	return s.view(m)
}

// CloseMarket stops trading early. Only the oracle or the creator may do so.
func (s *Service) CloseMarket(ctx context.Context, marketID, actorID string) (*MarketView, error) {
	now := s.now()
	err := store.RunWithRetry(ctx, s.cfg.MaxRetries, func(ctx context.Context) error {
		m, err := s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if err := market.CheckClosable(m, actorID); err != nil {
			return err
		}
		err = s.store.CloseMarket(ctx, m.ID, m.Version, now)
		if errors.Is(err, store.ErrConflict) {
			metrics.StoreConflicts.WithLabelValues("close").Inc()
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("market closed", "market", marketID, "by", actorID)
	s.broadcast(ws.Message{Type: ws.EventMarketClosed, MarketID: marketID, Time: now})
	return s.GetMarket(ctx, marketID)
}

// GetMarket returns one market with its prices.
func (s *Service) GetMarket(ctx context.Context, marketID string) (*MarketView, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return s.view(m)
}

// ListMarkets returns every market, newest first.
func (s *Service) ListMarkets(ctx context.Context) ([]MarketView, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]MarketView, 0, len(markets))
	for i := range markets {
		v, err := s.view(&markets[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// Quote prices a trade on a tradable market without executing it.
func (s *Service) Quote(ctx context.Context, marketID string, req Request) (*Quote, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := market.CheckTradable(m, s.now()); err != nil {
		return nil, err
	}
	return QuoteTrade(m, req, s.cfg.Band)
}

// PriceHistory returns a market's snapshots, oldest first.
func (s *Service) PriceHistory(ctx context.Context, marketID string) ([]model.PriceSnapshot, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.ListSnapshots(ctx, marketID)
}

// MarketTransactions returns a market's audit trail, oldest first.
func (s *Service) MarketTransactions(ctx context.Context, marketID string) ([]model.Transaction, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.ListTransactionsByMarket(ctx, marketID)
}

// ExecuteTrade runs the read-compute-write cycle for one trade, re-reading
// fresh state whenever the write loses a version race.
func (s *Service) ExecuteTrade(ctx context.Context, userID, marketID string, req Request) (*Result, error) {
	start := time.Now()
	var res *Result

	err := store.RunWithRetry(ctx, s.cfg.MaxRetries, func(ctx context.Context) error {
		m, err := s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		acct, err := s.store.GetAccount(ctx, userID)
		if err != nil {
			return err
		}

		held := make(map[model.Side]decimal.Decimal, 2)
		var pos *model.Position
		for _, side := range []model.Side{model.SideYes, model.SideNo} {
			p, err := s.store.GetPosition(ctx, userID, marketID, side)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			held[side] = p.Shares
			if side == req.Side {
				pos = p
			}
		}

		r, err := Execute(Input{
			Market:   m,
			Account:  acct,
			Position: pos,
			Request:  req,
			Now:      s.now(),
			Band:     s.cfg.Band,
			Recorder: s.recorder,
		})
		if err != nil {
			return err
		}
		if r.Direction == model.Buy {
			if err := s.limiter.CheckLimit(held, r.Side, r.Shares); err != nil {
				return err
			}
		}

		if err := s.store.ApplyTrade(ctx, r.Delta); err != nil {
			if errors.Is(err, store.ErrConflict) {
				metrics.StoreConflicts.WithLabelValues("trade").Inc()
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		slog.Warn("trade rejected",
			"market", marketID,
			"user", userID,
			"side", req.Side,
			"direction", req.Direction,
			"err", err,
		)
		return nil, err
	}

	side, dir := string(res.Side), string(res.Direction)
	metrics.TradesTotal.WithLabelValues(side, dir).Inc()
	metrics.TradeVolume.WithLabelValues(side, dir).Add(res.Shares.InexactFloat64())
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	snap := res.Delta.Snapshot
	slog.Info("trade executed",
		"trade_id", res.Delta.Transaction.ID,
		"market", marketID,
		"user", userID,
		"side", side,
		"direction", dir,
		"shares", res.Shares.String(),
		"amount", res.Amount.String(),
		"fill_price", res.FillPrice.String(),
		"price_yes", snap.PriceYes.String(),
	)
	s.broadcast(ws.Message{
		Type:      ws.EventTradeExecuted,
		MarketID:  marketID,
		PriceYes:  snap.PriceYes.String(),
		PriceNo:   snap.PriceNo.String(),
		Side:      side,
		Direction: dir,
		Shares:    res.Shares.String(),
		Time:      snap.CreatedAt,
	})
	return res, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, market.ErrMarketNotTradable):
		return "not_tradable"
	case errors.Is(err, market.ErrMarketExpired):
		return "expired"
	case errors.Is(err, lmsr.ErrPriceBoundExceeded):
		return "price_band"
	case errors.Is(err, lmsr.ErrNoConvergence):
		return "no_convergence"
	case errors.Is(err, limits.ErrPositionLimitExceeded), errors.Is(err, limits.ErrMarketLimitExceeded):
		return "position_limit"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
