package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/LudeeD/market/internal/model"
)

// Decimals are stored as TEXT to keep them exact; timestamps as fixed-width
// UTC TEXT (see timeLayout).
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id    TEXT PRIMARY KEY,
    balance    TEXT    NOT NULL,
    version    INTEGER NOT NULL,
    created_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id          TEXT PRIMARY KEY,
    question    TEXT    NOT NULL,
    description TEXT    NOT NULL DEFAULT '',
    creator_id  TEXT    NOT NULL,
    oracle_id   TEXT    NOT NULL DEFAULT '',
    end_date    TEXT    NOT NULL,
    close_at    TEXT,
    status      TEXT    NOT NULL,
    outcome     TEXT    NOT NULL DEFAULT '',
    resolved_at TEXT,
    q_yes       TEXT    NOT NULL,
    q_no        TEXT    NOT NULL,
    b           TEXT    NOT NULL,
    version     INTEGER NOT NULL,
    created_at  TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    user_id    TEXT NOT NULL,
    market_id  TEXT NOT NULL,
    side       TEXT NOT NULL,
    shares     TEXT NOT NULL,
    avg_price  TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (user_id, market_id, side)
);

CREATE TABLE IF NOT EXISTS transactions (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    user_id    TEXT NOT NULL,
    market_id  TEXT NOT NULL,
    type       TEXT NOT NULL,
    side       TEXT NOT NULL,
    shares     TEXT NOT NULL,
    price      TEXT NOT NULL,
    amount     TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_snapshots (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    market_id  TEXT NOT NULL,
    price_yes  TEXT NOT NULL,
    price_no   TEXT NOT NULL,
    q_yes      TEXT NOT NULL,
    q_no       TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market_id);
CREATE INDEX IF NOT EXISTS idx_tx_user          ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tx_market        ON transactions(market_id, created_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_market ON price_snapshots(market_id, created_at);
`

// SQLiteStore implements Store on an embedded SQLite database (pure Go, no
// cgo). SQLite is single-writer, so the pool is held to one connection and
// every atomic write is one transaction on it.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func mapSQLiteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: %s: %w", op, ErrNotFound)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("sqlite: %s: %w", op, ErrAlreadyExists)
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

// --- Account operations ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, balance, version, created_at) VALUES (?, ?, ?, ?)`,
		a.UserID, a.Balance.String(), a.Version, formatTime(a.CreatedAt))
	return mapSQLiteError("insert account", err)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var balance, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, balance, version, created_at FROM accounts WHERE user_id = ?`, userID).
		Scan(&a.UserID, &balance, &a.Version, &created)
	if err != nil {
		return nil, mapSQLiteError("get account "+userID, err)
	}
	if err := parseDecimals(decimalField{&a.Balance, balance}); err != nil {
		return nil, fmt.Errorf("sqlite: get account: %w", err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("sqlite: get account: %w", err)
	}
	return &a, nil
}

// --- Market operations ---

const sqliteMarketColumns = `id, question, description, creator_id, oracle_id,
	end_date, close_at, status, outcome, resolved_at,
	q_yes, q_no, b, version, created_at`

func scanSQLiteMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var endDate, created, status, outcome, qYes, qNo, b string
	var closeAt, resolvedAt *string
	if err := row.Scan(&m.ID, &m.Question, &m.Description, &m.CreatorID, &m.OracleID,
		&endDate, &closeAt, &status, &outcome, &resolvedAt,
		&qYes, &qNo, &b, &m.Version, &created); err != nil {
		return nil, err
	}
	m.Status = model.MarketStatus(status)
	m.Outcome = model.Side(outcome)
	if err := parseDecimals(
		decimalField{&m.QYes, qYes},
		decimalField{&m.QNo, qNo},
		decimalField{&m.B, b},
	); err != nil {
		return nil, err
	}

	var err error
	if m.EndDate, err = parseTime(endDate); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if m.CloseAt, err = parseTimePtr(closeAt); err != nil {
		return nil, err
	}
	if m.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market, seed *model.PriceSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO markets (`+sqliteMarketColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Question, m.Description, m.CreatorID, m.OracleID,
		formatTime(m.EndDate), formatTimePtr(m.CloseAt), string(m.Status), string(m.Outcome), formatTimePtr(m.ResolvedAt),
		m.QYes.String(), m.QNo.String(), m.B.String(), m.Version, formatTime(m.CreatedAt))
	if err != nil {
		return mapSQLiteError("insert market", err)
	}
	if seed != nil {
		if err := insertSQLiteSnapshot(ctx, tx, seed); err != nil {
			return err
		}
	}
	return mapSQLiteError("commit market", tx.Commit())
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanSQLiteMarket(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM markets WHERE id = ?`, id))
	if err != nil {
		return nil, mapSQLiteError("get market "+id, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, mapSQLiteError("list markets", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanSQLiteMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *SQLiteStore) CloseMarket(ctx context.Context, id string, expectedVersion int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE markets SET status = ?, close_at = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status = ?`,
		string(model.StatusClosed), formatTime(at), id, expectedVersion, string(model.StatusOpen))
	if err != nil {
		return mapSQLiteError("close market", err)
	}
	return sqliteCheckUpdated(ctx, s.db, res, `SELECT 1 FROM markets WHERE id = ?`, id, "market")
}

// --- Position queries ---

const sqlitePositionColumns = `user_id, market_id, side, shares, avg_price, created_at, updated_at`

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var side, shares, avg, created, updated string
	if err := row.Scan(&p.UserID, &p.MarketID, &side, &shares, &avg, &created, &updated); err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	if err := parseDecimals(decimalField{&p.Shares, shares}, decimalField{&p.AvgPrice, avg}); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	p, err := scanSQLitePosition(s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE user_id = ? AND market_id = ? AND side = ?`,
		userID, marketID, string(side)))
	if err != nil {
		return nil, mapSQLiteError("get position", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE market_id = ? ORDER BY user_id, side`, marketID)
}

func (s *SQLiteStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE user_id = ? ORDER BY market_id, side`, userID)
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query, arg string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, mapSQLiteError("list positions", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Immutable ledger ---

const sqliteTransactionColumns = `id, user_id, market_id, type, side, shares, price, amount, created_at`

func (s *SQLiteStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM transactions WHERE user_id = ? ORDER BY created_at, seq`, userID)
}

func (s *SQLiteStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM transactions WHERE market_id = ? ORDER BY created_at, seq`, marketID)
}

func (s *SQLiteStore) queryTransactions(ctx context.Context, query, arg string) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, mapSQLiteError("list transactions", err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ, side, shares, price, amount, created string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &typ, &side,
			&shares, &price, &amount, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan transaction: %w", err)
		}
		t.Type = model.TxType(typ)
		t.Side = model.Side(side)
		if err := parseDecimals(
			decimalField{&t.Shares, shares},
			decimalField{&t.Price, price},
			decimalField{&t.Amount, amount},
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan transaction: %w", err)
		}
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("sqlite: scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, marketID string) ([]model.PriceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, market_id, price_yes, price_no, q_yes, q_no, created_at
		 FROM price_snapshots WHERE market_id = ? ORDER BY created_at, seq`, marketID)
	if err != nil {
		return nil, mapSQLiteError("list snapshots", err)
	}
	defer rows.Close()

	var snaps []model.PriceSnapshot
	for rows.Next() {
		var sn model.PriceSnapshot
		var py, pn, qy, qn, created string
		if err := rows.Scan(&sn.ID, &sn.MarketID, &py, &pn, &qy, &qn, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		if err := parseDecimals(
			decimalField{&sn.PriceYes, py},
			decimalField{&sn.PriceNo, pn},
			decimalField{&sn.QYes, qy},
			decimalField{&sn.QNo, qn},
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		if sn.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

// --- Atomic writes ---

func (s *SQLiteStore) ApplyTrade(ctx context.Context, d *model.TradeDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE markets SET q_yes = ?, q_no = ?, version = version + 1 WHERE id = ? AND version = ?`,
		d.QYes.String(), d.QNo.String(), d.MarketID, d.MarketVersion)
	if err != nil {
		return mapSQLiteError("update market", err)
	}
	if err := sqliteCheckUpdated(ctx, tx, res, `SELECT 1 FROM markets WHERE id = ?`, d.MarketID, "market"); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, version = version + 1 WHERE user_id = ? AND version = ?`,
		d.Balance.String(), d.UserID, d.AccountVersion)
	if err != nil {
		return mapSQLiteError("update account", err)
	}
	if err := sqliteCheckUpdated(ctx, tx, res, `SELECT 1 FROM accounts WHERE user_id = ?`, d.UserID, "account"); err != nil {
		return err
	}

	p := d.Position
	_, err = tx.ExecContext(ctx,
		`INSERT INTO positions (`+sqlitePositionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, market_id, side) DO UPDATE
		 SET shares = excluded.shares, avg_price = excluded.avg_price, updated_at = excluded.updated_at`,
		p.UserID, p.MarketID, string(p.Side), p.Shares.String(), p.AvgPrice.String(),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return mapSQLiteError("upsert position", err)
	}

	if err := insertSQLiteTransaction(ctx, tx, &d.Transaction); err != nil {
		return err
	}
	if err := insertSQLiteSnapshot(ctx, tx, &d.Snapshot); err != nil {
		return err
	}
	return mapSQLiteError("commit trade", tx.Commit())
}

func (s *SQLiteStore) ApplySettlement(ctx context.Context, plan *model.SettlementPlan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE markets SET status = ?, outcome = ?, resolved_at = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status <> ?`,
		string(model.StatusResolved), string(plan.Outcome), formatTime(plan.ResolvedAt),
		plan.MarketID, plan.MarketVersion, string(model.StatusResolved))
	if err != nil {
		return mapSQLiteError("resolve market", err)
	}
	if err := sqliteCheckUpdated(ctx, tx, res, `SELECT 1 FROM markets WHERE id = ?`, plan.MarketID, "market"); err != nil {
		return err
	}

	// SQLite has no NUMERIC type exact enough for money, so credits are
	// read-modify-write inside the single-writer transaction.
	for _, po := range plan.Payouts {
		var balance string
		err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, po.UserID).Scan(&balance)
		if err != nil {
			return mapSQLiteError("credit payout: account "+po.UserID, err)
		}
		var current decimal.Decimal
		if err := parseDecimals(decimalField{&current, balance}); err != nil {
			return fmt.Errorf("sqlite: credit payout: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = ?, version = version + 1 WHERE user_id = ?`,
			current.Add(po.Amount).String(), po.UserID); err != nil {
			return mapSQLiteError("credit payout", err)
		}
	}
	for i := range plan.Transactions {
		if err := insertSQLiteTransaction(ctx, tx, &plan.Transactions[i]); err != nil {
			return err
		}
	}
	return mapSQLiteError("commit settlement", tx.Commit())
}

// sqlExecQuerier is the subset of *sql.DB and *sql.Tx used by helpers.
type sqlExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteCheckUpdated explains a versioned UPDATE that touched no rows.
func sqliteCheckUpdated(ctx context.Context, q sqlExecQuerier, res sql.Result, probe, id, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = q.QueryRowContext(ctx, probe, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: %s %s: %w", what, id, ErrNotFound)
	}
	if err != nil {
		return mapSQLiteError("probe "+what, err)
	}
	return fmt.Errorf("sqlite: %s %s: %w", what, id, ErrConflict)
}

func insertSQLiteTransaction(ctx context.Context, q sqlExecQuerier, t *model.Transaction) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO transactions (`+sqliteTransactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.MarketID, string(t.Type), string(t.Side),
		t.Shares.String(), t.Price.String(), t.Amount.String(), formatTime(t.CreatedAt))
	return mapSQLiteError("insert transaction", err)
}

func insertSQLiteSnapshot(ctx context.Context, q sqlExecQuerier, sn *model.PriceSnapshot) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO price_snapshots (id, market_id, price_yes, price_no, q_yes, q_no, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.MarketID, sn.PriceYes.String(), sn.PriceNo.String(),
		sn.QYes.String(), sn.QNo.String(), formatTime(sn.CreatedAt))
	return mapSQLiteError("insert snapshot", err)
}
