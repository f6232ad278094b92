package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LudeeD/market/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	markets   map[string]*model.Market
	positions map[string]*model.Position
	ledger    []model.Transaction
	snapshots []model.PriceSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.UserID]; ok {
		return fmt.Errorf("account %s: %w", acct.UserID, ErrAlreadyExists)
	}
	a := *acct
	s.accounts[acct.UserID] = &a
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, seed *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	if seed != nil {
		s.snapshots = append(s.snapshots, *seed)
	}
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) CloseMarket(_ context.Context, id string, expectedVersion int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if m.Version != expectedVersion || m.Status != model.StatusOpen {
		return fmt.Errorf("close market %s: %w", id, ErrConflict)
	}
	closeAt := at.UTC()
	m.Status = model.StatusClosed
	m.CloseAt = &closeAt
	m.Version++
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(userID, marketID, side)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, side, ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.MarketID == marketID }), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.UserID == userID }), nil
}

func (s *MemoryStore) filterPositions(keep func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if keep(p) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return positionKey(result[i].UserID, result[i].MarketID, result[i].Side) <
			positionKey(result[j].UserID, result[j].MarketID, result[j].Side)
	})
	return result
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.ledger {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsByMarket(_ context.Context, marketID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.ledger {
		if tx.MarketID == marketID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, marketID string) ([]model.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceSnapshot
	for _, snap := range s.snapshots {
		if snap.MarketID == marketID {
			result = append(result, snap)
		}
	}
	// Appends are already in commit order; stable keeps ties that way.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, delta *model.TradeDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[delta.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", delta.MarketID, ErrNotFound)
	}
	acct, ok := s.accounts[delta.UserID]
	if !ok {
		return fmt.Errorf("account %s: %w", delta.UserID, ErrNotFound)
	}
	if m.Version != delta.MarketVersion {
		return fmt.Errorf("market %s at version %d, expected %d: %w",
			m.ID, m.Version, delta.MarketVersion, ErrConflict)
	}
	if acct.Version != delta.AccountVersion {
		return fmt.Errorf("account %s at version %d, expected %d: %w",
			acct.UserID, acct.Version, delta.AccountVersion, ErrConflict)
	}

	// Every check passed; nothing below can fail.
	m.QYes = delta.QYes
	m.QNo = delta.QNo
	m.Version++

	acct.Balance = delta.Balance
	acct.Version++

	pos := delta.Position
	s.positions[positionKey(pos.UserID, pos.MarketID, pos.Side)] = &pos
	s.ledger = append(s.ledger, delta.Transaction)
	s.snapshots = append(s.snapshots, delta.Snapshot)
	return nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, plan *model.SettlementPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[plan.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", plan.MarketID, ErrNotFound)
	}
	if m.Version != plan.MarketVersion || m.Status == model.StatusResolved {
		return fmt.Errorf("market %s at version %d, expected %d: %w",
			m.ID, m.Version, plan.MarketVersion, ErrConflict)
	}
	for _, po := range plan.Payouts {
		if _, ok := s.accounts[po.UserID]; !ok {
			return fmt.Errorf("account %s: %w", po.UserID, ErrNotFound)
		}
	}

	resolvedAt := plan.ResolvedAt.UTC()
	m.Status = model.StatusResolved
	m.Outcome = plan.Outcome
	m.ResolvedAt = &resolvedAt
	m.Version++

	for _, po := range plan.Payouts {
		acct := s.accounts[po.UserID]
		acct.Balance = acct.Balance.Add(po.Amount)
		acct.Version++
	}
	s.ledger = append(s.ledger, plan.Transactions...)
	return nil
}
