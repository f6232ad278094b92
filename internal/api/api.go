// Package api exposes the market engine over JSON HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/history"
	"github.com/LudeeD/market/internal/market"
	"github.com/LudeeD/market/internal/metrics"
	"github.com/LudeeD/market/internal/model"
	"github.com/LudeeD/market/internal/settlement"
	"github.com/LudeeD/market/internal/trade"
	"github.com/LudeeD/market/internal/ws"
)

const requestTimeout = 30 * time.Second

// Handler serves the HTTP API.
type Handler struct {
	trades *trade.Service
	settle *settlement.Service
	hub    *ws.Hub
}

// NewHandler creates a handler. hub may be nil, which leaves /ws unmounted.
func NewHandler(trades *trade.Service, settle *settlement.Service, hub *ws.Hub) *Handler {
	return &Handler{trades: trades, settle: settle, hub: hub}
}

// Options configures the router.
type Options struct {
	Logger  *slog.Logger
	Limiter *RateLimiter // nil disables rate limiting
}

// NewRouter builds the full HTTP handler: middleware, health, metrics and
// the /api/v1 routes.
func NewRouter(h *Handler, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Logging(logger))
	r.Use(metrics.Middleware)
	r.Use(CORS)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "market"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			if opts.Limiter != nil {
				r.Use(opts.Limiter.Middleware)
			}

			r.Post("/accounts", h.CreateAccount)
			r.Get("/accounts/{userID}", h.GetAccount)
			r.Get("/portfolio/{userID}", h.GetPortfolio)

			r.Get("/markets", h.ListMarkets)
			r.Post("/markets", h.CreateMarket)
			r.Get("/markets/{marketID}", h.GetMarket)
			r.Get("/markets/{marketID}/price", h.GetPrice)
			r.Get("/markets/{marketID}/history", h.GetHistory)
			r.Get("/markets/{marketID}/trades", h.GetTrades)
			r.Get("/markets/{marketID}/quote", h.GetQuote)
			r.Post("/markets/{marketID}/close", h.CloseMarket)
			r.Post("/markets/{marketID}/resolve", h.ResolveMarket)

			r.Post("/trade", h.ExecuteTrade)
		})
	})
	return r
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// --- Accounts ---

type createAccountRequest struct {
	UserID string `json:"user_id"`
}

// CreateAccount handles POST /api/v1/accounts.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	acct, err := h.trades.CreateAccount(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{userID}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.trades.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := h.trades.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// --- Markets ---

type createMarketRequest struct {
	Question    string          `json:"question"`
	Description string          `json:"description"`
	CreatorID   string          `json:"creator_id"`
	OracleID    string          `json:"oracle_id"`
	EndDate     time.Time       `json:"end_date"`
	CloseAt     *time.Time      `json:"close_at"`
	Liquidity   decimal.Decimal `json:"liquidity"`
	MaxLoss     decimal.Decimal `json:"max_loss"`
}

// CreateMarket handles POST /api/v1/markets.
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	v, err := h.trades.CreateMarket(r.Context(), market.Params{
		Question:    req.Question,
		Description: req.Description,
		CreatorID:   req.CreatorID,
		OracleID:    req.OracleID,
		EndDate:     req.EndDate,
		CloseAt:     req.CloseAt,
		Liquidity:   req.Liquidity,
		MaxLoss:     req.MaxLoss,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListMarkets handles GET /api/v1/markets.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	views, err := h.trades.ListMarkets(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	v, err := h.trades.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type priceResponse struct {
	MarketID string             `json:"market_id"`
	State    model.MarketStatus `json:"state"`
	PriceYes decimal.Decimal    `json:"price_yes"`
	PriceNo  decimal.Decimal    `json:"price_no"`
	QYes     decimal.Decimal    `json:"q_yes"`
	QNo      decimal.Decimal    `json:"q_no"`
}

// GetPrice handles GET /api/v1/markets/{marketID}/price.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	v, err := h.trades.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		MarketID: v.ID,
		State:    v.State,
		PriceYes: v.PriceYes,
		PriceNo:  v.PriceNo,
		QYes:     v.QYes,
		QNo:      v.QNo,
	})
}

type historyResponse struct {
	MarketID  string                `json:"market_id"`
	Snapshots []model.PriceSnapshot `json:"snapshots"`
	Series    []history.Point       `json:"series"`
}

// GetHistory handles GET /api/v1/markets/{marketID}/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	snaps, err := h.trades.PriceHistory(r.Context(), marketID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		MarketID:  marketID,
		Snapshots: snaps,
		Series:    history.Series(snaps),
	})
}

// GetTrades handles GET /api/v1/markets/{marketID}/trades.
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	txs, err := h.trades.MarketTransactions(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?side=&direction=&shares=|budget=.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := parseTrade(q.Get("side"), q.Get("direction"), q.Get("shares"), q.Get("budget"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	quote, err := h.trades.Quote(r.Context(), chi.URLParam(r, "marketID"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type actorRequest struct {
	UserID string `json:"user_id"`
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close.
func (h *Handler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	v, err := h.trades.CloseMarket(r.Context(), chi.URLParam(r, "marketID"), req.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type resolveRequest struct {
	UserID  string `json:"user_id"`
	Outcome string `json:"outcome"`
	Force   bool   `json:"force"`
}

type resolveResponse struct {
	MarketID    string          `json:"market_id"`
	Outcome     model.Side      `json:"outcome"`
	ResolvedAt  time.Time       `json:"resolved_at"`
	Payouts     []model.Payout  `json:"payouts"`
	TotalPayout decimal.Decimal `json:"total_payout"`
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve.
func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	outcome, err := model.ParseSide(req.Outcome)
	if err != nil {
		writeServiceError(w, r, fmt.Errorf("%w: %v", settlement.ErrInvalidOutcome, err))
		return
	}
	plan, err := h.settle.Resolve(r.Context(), chi.URLParam(r, "marketID"), req.UserID, outcome, req.Force)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		MarketID:    plan.MarketID,
		Outcome:     plan.Outcome,
		ResolvedAt:  plan.ResolvedAt,
		Payouts:     plan.Payouts,
		TotalPayout: plan.TotalPayout(),
	})
}

// --- Trading ---

type tradeRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	Side      string          `json:"side"`
	Direction string          `json:"direction"`
	Shares    decimal.Decimal `json:"shares"`
	Budget    decimal.Decimal `json:"budget"`
}

type tradeResponse struct {
	TradeID  string          `json:"trade_id"`
	MarketID string          `json:"market_id"`
	UserID   string          `json:"user_id"`
	Balance  decimal.Decimal `json:"balance"`
	Position model.Position  `json:"position"`
	trade.Quote
}

// ExecuteTrade handles POST /api/v1/trade.
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var body tradeRequest
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if body.UserID == "" || body.MarketID == "" {
		writeServiceError(w, r, fmt.Errorf("%w: user_id and market_id are required", errBadRequest))
		return
	}
	side, err := model.ParseSide(body.Side)
	if err != nil {
		writeServiceError(w, r, fmt.Errorf("%w: %v", trade.ErrInvalidAmount, err))
		return
	}
	dir := model.Buy
	if body.Direction != "" {
		if dir, err = model.ParseDirection(body.Direction); err != nil {
			writeServiceError(w, r, fmt.Errorf("%w: %v", trade.ErrInvalidAmount, err))
			return
		}
	}

	res, err := h.trades.ExecuteTrade(r.Context(), body.UserID, body.MarketID, trade.Request{
		Side:      side,
		Direction: dir,
		Shares:    body.Shares,
		Budget:    body.Budget,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		TradeID:  res.Delta.Transaction.ID,
		MarketID: res.Delta.MarketID,
		UserID:   res.Delta.UserID,
		Balance:  res.Delta.Balance,
		Position: res.Delta.Position,
		Quote:    res.Quote,
	})
}

// parseTrade builds a request from query parameters. Direction defaults to
// BUY.
func parseTrade(side, direction, shares, budget string) (trade.Request, error) {
	var req trade.Request
	var err error
	if req.Side, err = model.ParseSide(side); err != nil {
		return req, fmt.Errorf("%w: %v", trade.ErrInvalidAmount, err)
	}
	req.Direction = model.Buy
	if direction != "" {
		if req.Direction, err = model.ParseDirection(direction); err != nil {
			return req, fmt.Errorf("%w: %v", trade.ErrInvalidAmount, err)
		}
	}
	if shares != "" {
		if req.Shares, err = decimal.NewFromString(shares); err != nil {
			return req, fmt.Errorf("%w: shares: %v", trade.ErrInvalidAmount, err)
		}
	}
	if budget != "" {
		if req.Budget, err = decimal.NewFromString(budget); err != nil {
			return req, fmt.Errorf("%w: budget: %v", trade.ErrInvalidAmount, err)
		}
	}
	return req, nil
}
