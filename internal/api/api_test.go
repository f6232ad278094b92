package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LudeeD/market/internal/limits"
	"github.com/LudeeD/market/internal/lmsr"
	"github.com/LudeeD/market/internal/market"
	"github.com/LudeeD/market/internal/settlement"
	"github.com/LudeeD/market/internal/store"
	"github.com/LudeeD/market/internal/trade"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type testAPI struct {
	router http.Handler
	now    time.Time
}

func newTestAPI(t *testing.T, limiter *RateLimiter) *testAPI {
	t.Helper()
	a := &testAPI{now: t0}
	clock := func() time.Time { return a.now }

	st := store.NewMemoryStore()
	cfg := trade.DefaultConfig()
	cfg.Clock = clock
	trades := trade.NewService(st, nil, nil, cfg)
	settle := settlement.NewService(st, nil, settlement.Config{MaxRetries: 3, Clock: clock})

	a.router = NewRouter(NewHandler(trades, settle, nil), Options{Limiter: limiter})
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// seed creates alice, bob and one market, returning the market id.
func (a *testAPI) seed(t *testing.T) string {
	t.Helper()
	for _, u := range []string{"alice", "bob"} {
		w := a.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"user_id": u})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := a.do(t, http.MethodPost, "/api/v1/markets", map[string]any{
		"question":   "Will the ferry run on Sunday?",
		"creator_id": "carol",
		"end_date":   t0.Add(48 * time.Hour).Format(time.RFC3339),
		"liquidity":  "100",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[trade.MarketView](t, w).ID
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)
	w := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestAccounts(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"user_id": "alice"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"user_id": "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/accounts/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	acct := decode[struct {
		Balance decimal.Decimal `json:"balance"`
	}](t, w)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1000)))

	w = a.do(t, http.MethodGet, "/api/v1/accounts/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"user": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown fields are rejected")
}

func TestCreateMarket_Validation(t *testing.T) {
	a := newTestAPI(t, nil)
	w := a.do(t, http.MethodPost, "/api/v1/markets", map[string]any{
		"question":   "Soon?",
		"creator_id": "carol",
		"end_date":   t0.Add(time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "end date")
}

func TestTradeFlow(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.seed(t)

	w := a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/markets/%s/quote?side=yes&shares=10", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	quote := decode[trade.Quote](t, w)
	assert.True(t, quote.Amount.GreaterThan(decimal.RequireFromString("5.12")))

	w = a.do(t, http.MethodPost, "/api/v1/trade", map[string]any{
		"user_id": "alice", "market_id": id, "side": "yes", "direction": "buy", "shares": "10",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[struct {
		TradeID    string          `json:"trade_id"`
		Amount     decimal.Decimal `json:"amount"`
		PriceAfter decimal.Decimal `json:"price_after"`
		Balance    decimal.Decimal `json:"balance"`
	}](t, w)
	assert.NotEmpty(t, res.TradeID)
	assert.True(t, res.Amount.Equal(quote.Amount), "quote matches execution")
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(1000).Sub(res.Amount)))

	w = a.do(t, http.MethodGet, "/api/v1/markets/"+id+"/price", nil)
	require.Equal(t, http.StatusOK, w.Code)
	price := decode[priceResponse](t, w)
	assert.True(t, price.PriceYes.Equal(res.PriceAfter))
	assert.True(t, price.PriceYes.Add(price.PriceNo).Equal(decimal.NewFromInt(1)))

	w = a.do(t, http.MethodGet, "/api/v1/markets/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[historyResponse](t, w)
	assert.Len(t, hist.Snapshots, 2)
	assert.Len(t, hist.Series, 2)

	w = a.do(t, http.MethodGet, "/api/v1/markets/"+id+"/trades", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"BUY"`)

	w = a.do(t, http.MethodGet, "/api/v1/portfolio/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestTradeRejections(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.seed(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"bad side", map[string]any{"user_id": "alice", "market_id": id, "side": "maybe", "shares": "1"}, http.StatusBadRequest},
		{"no amount", map[string]any{"user_id": "alice", "market_id": id, "side": "yes"}, http.StatusBadRequest},
		{"missing user", map[string]any{"market_id": id, "side": "yes", "shares": "1"}, http.StatusBadRequest},
		{"unknown market", map[string]any{"user_id": "alice", "market_id": "nope", "side": "yes", "shares": "1"}, http.StatusNotFound},
		{"unknown user", map[string]any{"user_id": "zed", "market_id": id, "side": "yes", "shares": "1"}, http.StatusNotFound},
		{"too expensive", map[string]any{"user_id": "alice", "market_id": id, "side": "no", "shares": "5000"}, http.StatusUnprocessableEntity},
		{"sell nothing", map[string]any{"user_id": "bob", "market_id": id, "side": "yes", "direction": "sell", "shares": "1"}, http.StatusUnprocessableEntity},
		{"shares beyond float range", map[string]any{"user_id": "alice", "market_id": id, "side": "yes", "shares": "1e309"}, http.StatusBadRequest},
		{"budget beyond float range", map[string]any{"user_id": "alice", "market_id": id, "side": "no", "budget": "1e400"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/api/v1/trade", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := a.do(t, http.MethodGet, "/api/v1/markets/"+id+"/quote?side=yes&shares=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/markets/"+id+"/quote?side=yes&shares=1e309", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, "/api/v1/accounts/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	acct := decode[struct {
		Balance decimal.Decimal `json:"balance"`
	}](t, w)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1000)), "rejected trades must not move money")
}

func TestCloseAndResolve(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.seed(t)

	w := a.do(t, http.MethodPost, "/api/v1/trade", map[string]any{
		"user_id": "alice", "market_id": id, "side": "YES", "shares": "10",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/api/v1/markets/"+id+"/resolve", map[string]any{"user_id": "carol", "outcome": "yes"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "too early")

	w = a.do(t, http.MethodPost, "/api/v1/markets/"+id+"/close", map[string]any{"user_id": "mallory"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/markets/"+id+"/close", map[string]any{"user_id": "carol"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/api/v1/markets/"+id+"/resolve", map[string]any{"user_id": "carol", "outcome": "yes"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "closed but before end date")

	w = a.do(t, http.MethodPost, "/api/v1/markets/"+id+"/resolve", map[string]any{"user_id": "carol", "outcome": "perhaps"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	a.now = t0.Add(48 * time.Hour)

	w = a.do(t, http.MethodPost, "/api/v1/markets/"+id+"/resolve", map[string]any{"user_id": "carol", "outcome": "yes"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[resolveResponse](t, w)
	assert.True(t, res.TotalPayout.Equal(decimal.NewFromInt(10)))

	w = a.do(t, http.MethodPost, "/api/v1/markets/"+id+"/resolve", map[string]any{"user_id": "carol", "outcome": "no"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "already resolved")

	w = a.do(t, http.MethodPost, "/api/v1/trade", map[string]any{
		"user_id": "bob", "market_id": id, "side": "NO", "shares": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRateLimit(t *testing.T) {
	a := newTestAPI(t, NewRateLimiter(0.001, 2))

	for i := 0; i < 2; i++ {
		w := a.do(t, http.MethodGet, "/api/v1/markets", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := a.do(t, http.MethodGet, "/api/v1/markets", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Health sits outside the limited group.
	w = a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_PerClient(t *testing.T) {
	l := NewRateLimiter(1, 1)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("market x: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrConflict, http.StatusConflict},
		{market.ErrNotAuthorized, http.StatusForbidden},
		{trade.ErrInvalidAmount, http.StatusBadRequest},
		{market.ErrInvalidEndDate, http.StatusBadRequest},
		{trade.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{market.ErrTooEarly, http.StatusUnprocessableEntity},
		{lmsr.ErrPriceBoundExceeded, http.StatusUnprocessableEntity},
		{limits.ErrMarketLimitExceeded, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
