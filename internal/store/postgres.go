package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LudeeD/market/internal/model"
)

// PostgresSchema creates the tables PostgresStore needs. Safe to run on
// every start.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id    TEXT PRIMARY KEY,
    balance    NUMERIC     NOT NULL,
    version    BIGINT      NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id          TEXT PRIMARY KEY,
    question    TEXT        NOT NULL,
    description TEXT        NOT NULL DEFAULT '',
    creator_id  TEXT        NOT NULL,
    oracle_id   TEXT        NOT NULL DEFAULT '',
    end_date    TIMESTAMPTZ NOT NULL,
    close_at    TIMESTAMPTZ,
    status      TEXT        NOT NULL,
    outcome     TEXT        NOT NULL DEFAULT '',
    resolved_at TIMESTAMPTZ,
    q_yes       NUMERIC     NOT NULL,
    q_no        NUMERIC     NOT NULL,
    b           NUMERIC     NOT NULL CHECK (b > 0),
    version     BIGINT      NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    user_id    TEXT        NOT NULL REFERENCES accounts(user_id),
    market_id  TEXT        NOT NULL REFERENCES markets(id),
    side       TEXT        NOT NULL,
    shares     NUMERIC     NOT NULL CHECK (shares >= 0),
    avg_price  NUMERIC     NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, market_id, side)
);

CREATE TABLE IF NOT EXISTS transactions (
    seq        BIGSERIAL PRIMARY KEY,
    id         TEXT        NOT NULL UNIQUE,
    user_id    TEXT        NOT NULL,
    market_id  TEXT        NOT NULL REFERENCES markets(id),
    type       TEXT        NOT NULL,
    side       TEXT        NOT NULL,
    shares     NUMERIC     NOT NULL,
    price      NUMERIC     NOT NULL,
    amount     NUMERIC     NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS price_snapshots (
    seq        BIGSERIAL PRIMARY KEY,
    id         TEXT        NOT NULL UNIQUE,
    market_id  TEXT        NOT NULL REFERENCES markets(id),
    price_yes  NUMERIC     NOT NULL,
    price_no   NUMERIC     NOT NULL,
    q_yes      NUMERIC     NOT NULL,
    q_no       NUMERIC     NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market_id);
CREATE INDEX IF NOT EXISTS idx_tx_user          ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tx_market        ON transactions(market_id, created_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_market ON price_snapshots(market_id, created_at);
`

// PostgreSQL error codes that mean "another transaction got there first".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Atomic writes run in SERIALIZABLE transactions; serialization failures
// surface as ErrConflict.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// mapPgError turns driver errors into store sentinels.
func mapPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("postgres: %s: %w", op, ErrConflict)
		case pgUniqueViolation:
			return fmt.Errorf("postgres: %s: %w", op, ErrAlreadyExists)
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

// --- Account operations ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, balance, version, created_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		a.UserID, a.Balance.String(), a.Version, a.CreatedAt,
	)
	return mapPgError("insert account", err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, version, created_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &balance, &a.Version, &a.CreatedAt)
	if err != nil {
		return nil, mapPgError("get account "+userID, err)
	}
	if err := parseDecimals(decimalField{&a.Balance, balance}); err != nil {
		return nil, fmt.Errorf("postgres: get account %s: %w", userID, err)
	}
	return &a, nil
}

// --- Market operations ---

const pgMarketColumns = `id, question, description, creator_id, oracle_id,
	end_date, close_at, status, outcome, resolved_at,
	q_yes::TEXT, q_no::TEXT, b::TEXT, version, created_at`

func scanPgMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var status, outcome, qYes, qNo, b string
	if err := row.Scan(&m.ID, &m.Question, &m.Description, &m.CreatorID, &m.OracleID,
		&m.EndDate, &m.CloseAt, &status, &outcome, &m.ResolvedAt,
		&qYes, &qNo, &b, &m.Version, &m.CreatedAt); err != nil {
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
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, seed *model.PriceSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, question, description, creator_id, oracle_id,
		                      end_date, close_at, status, outcome, resolved_at,
		                      q_yes, q_no, b, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14, $15)`,
		m.ID, m.Question, m.Description, m.CreatorID, m.OracleID,
		m.EndDate, m.CloseAt, string(m.Status), string(m.Outcome), m.ResolvedAt,
		m.QYes.String(), m.QNo.String(), m.B.String(), m.Version, m.CreatedAt,
	)
	if err != nil {
		return mapPgError("insert market", err)
	}
	if seed != nil {
		if err := insertPgSnapshot(ctx, tx, seed); err != nil {
			return err
		}
	}
	return mapPgError("commit market", tx.Commit(ctx))
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanPgMarket(s.pool.QueryRow(ctx,
		`SELECT `+pgMarketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError("get market "+id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, mapPgError("list markets", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanPgMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) CloseMarket(ctx context.Context, id string, expectedVersion int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, close_at = $3, version = version + 1
		 WHERE id = $1 AND version = $4 AND status = $5`,
		id, string(model.StatusClosed), at, expectedVersion, string(model.StatusOpen))
	if err != nil {
		return mapPgError("close market", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, s.pool, `SELECT 1 FROM markets WHERE id = $1`, id, "market")
	}
	return nil
}

// --- Position queries ---

const pgPositionColumns = `user_id, market_id, side, shares::TEXT, avg_price::TEXT, created_at, updated_at`

func scanPgPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var side, shares, avg string
	if err := row.Scan(&p.UserID, &p.MarketID, &side, &shares, &avg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	if err := parseDecimals(decimalField{&p.Shares, shares}, decimalField{&p.AvgPrice, avg}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	p, err := scanPgPosition(s.pool.QueryRow(ctx,
		`SELECT `+pgPositionColumns+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND side = $3`,
		userID, marketID, string(side)))
	if err != nil {
		return nil, mapPgError("get position", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE market_id = $1 ORDER BY user_id, side`, marketID)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE user_id = $1 ORDER BY market_id, side`, userID)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, arg string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, mapPgError("list positions", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Immutable ledger ---

const pgTransactionColumns = `id, user_id, market_id, type, side,
	shares::TEXT, price::TEXT, amount::TEXT, created_at`

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+pgTransactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at, seq`, userID)
}

func (s *PostgresStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+pgTransactionColumns+` FROM transactions WHERE market_id = $1 ORDER BY created_at, seq`, marketID)
}

func (s *PostgresStore) queryTransactions(ctx context.Context, sql string, arg string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, mapPgError("list transactions", err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ, side, shares, price, amount string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &typ, &side,
			&shares, &price, &amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		t.Type = model.TxType(typ)
		t.Side = model.Side(side)
		if err := parseDecimals(
			decimalField{&t.Shares, shares},
			decimalField{&t.Price, price},
			decimalField{&t.Amount, amount},
		); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, marketID string) ([]model.PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, price_yes::TEXT, price_no::TEXT, q_yes::TEXT, q_no::TEXT, created_at
		 FROM price_snapshots WHERE market_id = $1 ORDER BY created_at, seq`, marketID)
	if err != nil {
		return nil, mapPgError("list snapshots", err)
	}
	defer rows.Close()

	var snaps []model.PriceSnapshot
	for rows.Next() {
		var sn model.PriceSnapshot
		var py, pn, qy, qn string
		if err := rows.Scan(&sn.ID, &sn.MarketID, &py, &pn, &qy, &qn, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		if err := parseDecimals(
			decimalField{&sn.PriceYes, py},
			decimalField{&sn.PriceNo, pn},
			decimalField{&sn.QYes, qy},
			decimalField{&sn.QNo, qn},
		); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

// --- Atomic writes ---

func (s *PostgresStore) ApplyTrade(ctx context.Context, d *model.TradeDelta) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE markets SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC, version = version + 1
		 WHERE id = $1 AND version = $4`,
		d.MarketID, d.QYes.String(), d.QNo.String(), d.MarketVersion)
	if err != nil {
		return mapPgError("update market", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, tx, `SELECT 1 FROM markets WHERE id = $1`, d.MarketID, "market")
	}

	tag, err = tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, version = version + 1
		 WHERE user_id = $1 AND version = $3`,
		d.UserID, d.Balance.String(), d.AccountVersion)
	if err != nil {
		return mapPgError("update account", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, tx, `SELECT 1 FROM accounts WHERE user_id = $1`, d.UserID, "account")
	}

	p := d.Position
	_, err = tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, side, shares, avg_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (user_id, market_id, side) DO UPDATE
		 SET shares = EXCLUDED.shares, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, string(p.Side), p.Shares.String(), p.AvgPrice.String(), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return mapPgError("upsert position", err)
	}

	if err := insertPgTransaction(ctx, tx, &d.Transaction); err != nil {
		return err
	}
	if err := insertPgSnapshot(ctx, tx, &d.Snapshot); err != nil {
		return err
	}
	return mapPgError("commit trade", tx.Commit(ctx))
}

func (s *PostgresStore) ApplySettlement(ctx context.Context, plan *model.SettlementPlan) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE markets SET status = $2, outcome = $3, resolved_at = $4, version = version + 1
		 WHERE id = $1 AND version = $5 AND status <> $2`,
		plan.MarketID, string(model.StatusResolved), string(plan.Outcome), plan.ResolvedAt, plan.MarketVersion)
	if err != nil {
		return mapPgError("resolve market", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, tx, `SELECT 1 FROM markets WHERE id = $1`, plan.MarketID, "market")
	}

	for _, po := range plan.Payouts {
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2::NUMERIC, version = version + 1
			 WHERE user_id = $1`,
			po.UserID, po.Amount.String())
		if err != nil {
			return mapPgError("credit payout", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: credit payout: account %s: %w", po.UserID, ErrNotFound)
		}
	}
	for i := range plan.Transactions {
		if err := insertPgTransaction(ctx, tx, &plan.Transactions[i]); err != nil {
			return err
		}
	}
	return mapPgError("commit settlement", tx.Commit(ctx))
}

// pgQuerier is the subset of pgxpool.Pool and pgx.Tx used by helpers.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missingOrConflict explains why a versioned UPDATE touched no rows.
func (s *PostgresStore) missingOrConflict(ctx context.Context, q pgQuerier, probe, id, what string) error {
	var one int
	err := q.QueryRow(ctx, probe, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s %s: %w", what, id, ErrNotFound)
	}
	if err != nil {
		return mapPgError("probe "+what, err)
	}
	return fmt.Errorf("postgres: %s %s: %w", what, id, ErrConflict)
}

func insertPgTransaction(ctx context.Context, q pgQuerier, t *model.Transaction) error {
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, market_id, type, side, shares, price, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.UserID, t.MarketID, string(t.Type), string(t.Side),
		t.Shares.String(), t.Price.String(), t.Amount.String(), t.CreatedAt)
	return mapPgError("insert transaction", err)
}

func insertPgSnapshot(ctx context.Context, q pgQuerier, sn *model.PriceSnapshot) error {
	_, err := q.Exec(ctx,
		`INSERT INTO price_snapshots (id, market_id, price_yes, price_no, q_yes, q_no, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		sn.ID, sn.MarketID, sn.PriceYes.String(), sn.PriceNo.String(),
		sn.QYes.String(), sn.QNo.String(), sn.CreatedAt)
	return mapPgError("insert snapshot", err)
}
