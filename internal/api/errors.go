package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/LudeeD/market/internal/limits"
	"github.com/LudeeD/market/internal/lmsr"
	"github.com/LudeeD/market/internal/market"
	"github.com/LudeeD/market/internal/settlement"
	"github.com/LudeeD/market/internal/store"
	"github.com/LudeeD/market/internal/trade"
)

// errBadRequest marks malformed input caught by the handlers themselves.
var errBadRequest = errors.New("bad request")

var (
	badRequest = []error{
		errBadRequest,
		trade.ErrInvalidAmount,
		trade.ErrInvalidUser,
		settlement.ErrInvalidOutcome,
		market.ErrInvalidQuestion,
		market.ErrInvalidCreator,
		market.ErrInvalidEndDate,
		market.ErrInvalidCloseAt,
		market.ErrInvalidB,
		lmsr.ErrInvalidLiquidity,
		lmsr.ErrInvalidQuantity,
	}
	unprocessable = []error{
		trade.ErrInsufficientBalance,
		trade.ErrInsufficientShares,
		market.ErrMarketNotTradable,
		market.ErrMarketExpired,
		market.ErrAlreadyResolved,
		market.ErrTooEarly,
		lmsr.ErrPriceBoundExceeded,
		lmsr.ErrNoConvergence,
		limits.ErrPositionLimitExceeded,
		limits.ErrMarketLimitExceeded,
	}
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, market.ErrNotAuthorized):
		return http.StatusForbidden
	}
	for _, target := range badRequest {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	for _, target := range unprocessable {
		if errors.Is(err, target) {
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

// writeServiceError reports err with its mapped status. Unexpected errors
// are logged and hidden from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
