// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache), and in-memory (for testing).
//
// Writes happen through two atomic operations, ApplyTrade and
// ApplySettlement, each guarded by optimistic version checks. A stale
// version yields ErrConflict and the caller re-runs its read-compute-write
// cycle via RunWithRetry.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LudeeD/market/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a row whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned when an expected version no longer matches.
	ErrConflict = errors.New("store: concurrent modification")
)

// Store is the persistence interface.
type Store interface {
	// --- Account operations ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// --- Market operations ---

	// CreateMarket persists a new market together with its seed snapshot.
	CreateMarket(ctx context.Context, m *model.Market, seed *model.PriceSnapshot) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// CloseMarket stops trading on an open market at the given time.
	CloseMarket(ctx context.Context, id string, expectedVersion int64, at time.Time) error

	// --- Position queries ---

	// GetPosition returns one user's position on one side of a market.
	GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error)

	// ListPositionsByMarket returns every position in a market.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// ListPositionsByUser returns every position a user holds.
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// --- Immutable ledger ---

	// ListTransactionsByUser returns a user's audit records, oldest first.
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// ListTransactionsByMarket returns a market's audit records, oldest first.
	ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error)

	// ListSnapshots returns a market's price history, oldest first.
	ListSnapshots(ctx context.Context, marketID string) ([]model.PriceSnapshot, error)

	// --- Atomic writes ---

	// ApplyTrade commits every write of one trade or none of them.
	ApplyTrade(ctx context.Context, delta *model.TradeDelta) error

	// ApplySettlement resolves a market and credits every payout, or does
	// nothing.
	ApplySettlement(ctx context.Context, plan *model.SettlementPlan) error
}

// RunWithRetry calls fn until it returns something other than ErrConflict,
// at most attempts times. The final conflict is returned wrapped.
func RunWithRetry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w (gave up after %d attempts)", err, attempts)
}

func positionKey(userID, marketID string, side model.Side) string {
	return userID + "|" + marketID + "|" + string(side)
}
