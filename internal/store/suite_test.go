package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LudeeD/market/internal/model"
)

// runStoreSuite exercises the Store contract against any implementation.
// newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("markets", func(t *testing.T) { testMarkets(t, newStore(t)) })
	t.Run("apply trade", func(t *testing.T) { testApplyTrade(t, newStore(t)) })
	t.Run("apply trade stale market", func(t *testing.T) { testApplyTradeStaleMarket(t, newStore(t)) })
	t.Run("apply trade stale account", func(t *testing.T) { testApplyTradeStaleAccount(t, newStore(t)) })
	t.Run("apply settlement", func(t *testing.T) { testApplySettlement(t, newStore(t)) })
	t.Run("close market", func(t *testing.T) { testCloseMarket(t, newStore(t)) })
	t.Run("snapshot order", func(t *testing.T) { testSnapshotOrder(t, newStore(t)) })
}

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func seedAccount(t *testing.T, s Store, userID, balance string) {
	t.Helper()
	require.NoError(t, s.CreateAccount(context.Background(), &model.Account{
		UserID:    userID,
		Balance:   dec(balance),
		Version:   1,
		CreatedAt: t0,
	}))
}

func seedMarket(t *testing.T, s Store, id string, created time.Time) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:        id,
		Question:  "Will it snow?",
		CreatorID: "alice",
		EndDate:   t0.Add(72 * time.Hour),
		Status:    model.StatusOpen,
		QYes:      decimal.Zero,
		QNo:       decimal.Zero,
		B:         dec("100"),
		Version:   1,
		CreatedAt: created,
	}
	seed := &model.PriceSnapshot{
		ID:        id + "-seed",
		MarketID:  id,
		PriceYes:  dec("0.5"),
		PriceNo:   dec("0.5"),
		QYes:      decimal.Zero,
		QNo:       decimal.Zero,
		CreatedAt: created,
	}
	require.NoError(t, s.CreateMarket(context.Background(), m, seed))
	return m
}

func buyDelta(marketID string, marketVersion int64, userID string, accountVersion int64, txID string) *model.TradeDelta {
	at := t0.Add(time.Minute)
	return &model.TradeDelta{
		MarketID:       marketID,
		MarketVersion:  marketVersion,
		QYes:           dec("10"),
		QNo:            decimal.Zero,
		UserID:         userID,
		AccountVersion: accountVersion,
		Balance:        dec("994.87505205"),
		Position: model.Position{
			UserID:    userID,
			MarketID:  marketID,
			Side:      model.SideYes,
			Shares:    dec("10"),
			AvgPrice:  dec("0.5124948"),
			CreatedAt: at,
			UpdatedAt: at,
		},
		Transaction: model.Transaction{
			ID:        txID,
			UserID:    userID,
			MarketID:  marketID,
			Type:      model.TxBuy,
			Side:      model.SideYes,
			Shares:    dec("10"),
			Price:     dec("0.5124948"),
			Amount:    dec("5.12494795"),
			CreatedAt: at,
		},
		Snapshot: model.PriceSnapshot{
			ID:        txID + "-snap",
			MarketID:  marketID,
			PriceYes:  dec("0.52497919"),
			PriceNo:   dec("0.47502081"),
			QYes:      dec("10"),
			QNo:       decimal.Zero,
			CreatedAt: at,
		},
	}
}

func testAccounts(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "alice", "1000")

	a, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assertDec(t, "1000", a.Balance)
	assert.Equal(t, int64(1), a.Version)
	assert.True(t, a.CreatedAt.Equal(t0))

	err = s.CreateAccount(ctx, &model.Account{UserID: "alice", Balance: dec("5"), Version: 1, CreatedAt: t0})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testMarkets(t *testing.T, s Store) {
	ctx := context.Background()
	seedMarket(t, s, "m-old", t0)
	seedMarket(t, s, "m-new", t0.Add(time.Hour))

	m, err := s.GetMarket(ctx, "m-old")
	require.NoError(t, err)
	assert.Equal(t, "Will it snow?", m.Question)
	assert.Equal(t, model.StatusOpen, m.Status)
	assertDec(t, "100", m.B)
	assert.Nil(t, m.CloseAt)
	assert.Nil(t, m.ResolvedAt)
	assert.True(t, m.EndDate.Equal(t0.Add(72*time.Hour)))

	list, err := s.ListMarkets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m-new", list[0].ID, "newest first")

	snaps, err := s.ListSnapshots(ctx, "m-old")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assertDec(t, "0.5", snaps[0].PriceYes)

	_, err = s.GetMarket(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetPosition(ctx, "alice", "m-old", model.SideYes)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testApplyTrade(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "alice", "1000")
	seedMarket(t, s, "m1", t0)

	require.NoError(t, s.ApplyTrade(ctx, buyDelta("m1", 1, "alice", 1, "tx1")))

	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assertDec(t, "10", m.QYes)
	assert.Equal(t, int64(2), m.Version)

	a, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assertDec(t, "994.87505205", a.Balance)
	assert.Equal(t, int64(2), a.Version)

	p, err := s.GetPosition(ctx, "alice", "m1", model.SideYes)
	require.NoError(t, err)
	assertDec(t, "10", p.Shares)

	txs, err := s.ListTransactionsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxBuy, txs[0].Type)
	assertDec(t, "5.12494795", txs[0].Amount)

	snaps, err := s.ListSnapshots(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assertDec(t, "0.52497919", snaps[1].PriceYes)

	// Second trade upserts the same position row.
	d2 := buyDelta("m1", 2, "alice", 2, "tx2")
	d2.Position.Shares = dec("15")
	require.NoError(t, s.ApplyTrade(ctx, d2))

	positions, err := s.ListPositionsByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assertDec(t, "15", positions[0].Shares)

	byUser, err := s.ListPositionsByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, byUser, 1)
}

func testApplyTradeStaleMarket(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "alice", "1000")
	seedMarket(t, s, "m1", t0)

	err := s.ApplyTrade(ctx, buyDelta("m1", 7, "alice", 1, "tx1"))
	require.ErrorIs(t, err, ErrConflict)

	a, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assertDec(t, "1000", a.Balance, "no partial write")

	txs, err := s.ListTransactionsByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func testApplyTradeStaleAccount(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "alice", "1000")
	seedMarket(t, s, "m1", t0)

	err := s.ApplyTrade(ctx, buyDelta("m1", 1, "alice", 9, "tx1"))
	require.ErrorIs(t, err, ErrConflict)

	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.QYes.IsZero(), "market update must roll back")
	assert.Equal(t, int64(1), m.Version)

	snaps, err := s.ListSnapshots(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func testApplySettlement(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "alice", "100")
	seedAccount(t, s, "bob", "50")
	seedMarket(t, s, "m1", t0)

	resolvedAt := t0.Add(96 * time.Hour)
	plan := &model.SettlementPlan{
		MarketID:      "m1",
		MarketVersion: 1,
		Outcome:       model.SideYes,
		ResolvedAt:    resolvedAt,
		Payouts: []model.Payout{
			{UserID: "alice", Side: model.SideYes, Shares: dec("10"), Amount: dec("10")},
		},
		Transactions: []model.Transaction{{
			ID: "payout-1", UserID: "alice", MarketID: "m1", Type: model.TxPayout,
			Side: model.SideYes, Shares: dec("10"), Price: dec("1"), Amount: dec("10"),
			CreatedAt: resolvedAt,
		}},
	}
	require.NoError(t, s.ApplySettlement(ctx, plan))

	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, m.Status)
	assert.Equal(t, model.SideYes, m.Outcome)
	require.NotNil(t, m.ResolvedAt)
	assert.True(t, m.ResolvedAt.Equal(resolvedAt))

	alice, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assertDec(t, "110", alice.Balance)
	bob, err := s.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assertDec(t, "50", bob.Balance)

	// Replaying the same plan must not pay twice.
	require.ErrorIs(t, s.ApplySettlement(ctx, plan), ErrConflict)
	alice, err = s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assertDec(t, "110", alice.Balance)

	txs, err := s.ListTransactionsByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxPayout, txs[0].Type)
}

func testCloseMarket(t *testing.T, s Store) {
	ctx := context.Background()
	seedMarket(t, s, "m1", t0)

	require.ErrorIs(t, s.CloseMarket(ctx, "m1", 5, t0), ErrConflict)
	require.ErrorIs(t, s.CloseMarket(ctx, "missing", 1, t0), ErrNotFound)

	closeAt := t0.Add(time.Hour)
	require.NoError(t, s.CloseMarket(ctx, "m1", 1, closeAt))

	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, m.Status)
	require.NotNil(t, m.CloseAt)
	assert.True(t, m.CloseAt.Equal(closeAt))
	assert.Equal(t, int64(2), m.Version)
}

func testSnapshotOrder(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "alice", "1000")
	seedMarket(t, s, "m1", t0)

	// Both trades share a timestamp; insertion order must survive.
	d1 := buyDelta("m1", 1, "alice", 1, "tx1")
	d1.Snapshot.PriceYes = dec("0.6")
	require.NoError(t, s.ApplyTrade(ctx, d1))
	d2 := buyDelta("m1", 2, "alice", 2, "tx2")
	d2.Snapshot.PriceYes = dec("0.7")
	require.NoError(t, s.ApplyTrade(ctx, d2))

	snaps, err := s.ListSnapshots(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assertDec(t, "0.5", snaps[0].PriceYes)
	assertDec(t, "0.6", snaps[1].PriceYes)
	assertDec(t, "0.7", snaps[2].PriceYes)
}
