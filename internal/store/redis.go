package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LudeeD/market/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// markets and accounts. Writes go to the primary store and evict the cached
// rows they touch, whether they commit or conflict, so a retried
// read-compute-write cycle always sees fresh versions.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	if err := s.primary.CreateAccount(ctx, acct); err != nil {
		return err
	}
	s.evict(ctx, accountKey(acct.UserID))
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, seed *model.PriceSnapshot) error {
	if err := s.primary.CreateMarket(ctx, m, seed); err != nil {
		return err
	}
	s.put(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) CloseMarket(ctx context.Context, id string, expectedVersion int64, at time.Time) error {
	err := s.primary.CloseMarket(ctx, id, expectedVersion, at)
	s.evict(ctx, marketKey(id))
	return err
}

func (s *CachedStore) ApplyTrade(ctx context.Context, delta *model.TradeDelta) error {
	err := s.primary.ApplyTrade(ctx, delta)
	s.evict(ctx, marketKey(delta.MarketID), accountKey(delta.UserID))
	return err
}

func (s *CachedStore) ApplySettlement(ctx context.Context, plan *model.SettlementPlan) error {
	err := s.primary.ApplySettlement(ctx, plan)
	keys := []string{marketKey(plan.MarketID)}
	for _, po := range plan.Payouts {
		keys = append(keys, accountKey(po.UserID))
	}
	s.evict(ctx, keys...)
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.get(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, marketKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if s.get(ctx, accountKey(userID), &a) {
		return &a, nil
	}

	fresh, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, accountKey(userID), fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID, side)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositionsByUser(ctx, userID)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListSnapshots(ctx context.Context, marketID string) ([]model.PriceSnapshot, error) {
	return s.primary.ListSnapshots(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("cache read failed", "key", key, "error", err)
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}

func (s *CachedStore) evict(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache evict failed", "keys", keys, "error", err)
	}
}

func marketKey(id string) string      { return fmt.Sprintf("market:%s", id) }
func accountKey(userID string) string { return fmt.Sprintf("account:%s", userID) }
