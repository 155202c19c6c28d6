// Package orderstore implements the persistent relational order log
// (spec §3, §6): a single sqlite-backed `orders` table that is the sole
// source of truth for buy/sell lifecycle state across restarts, grounded
// on store_sqlite.go's driver/WAL setup adapted from a JSON-blob store to
// a proper relational schema matching the canonical one spec §6 names.
package orderstore

import (
	"context"
	"database/sql"
	"fmt"

	"hourbuy/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	instId        TEXT NOT NULL,
	flag          TEXT NOT NULL,
	ordId         TEXT NOT NULL,
	create_time   BIGINT NOT NULL,
	orderType     TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT '',
	price         TEXT NOT NULL DEFAULT '0',
	size          TEXT NOT NULL DEFAULT '0',
	sell_time     BIGINT NOT NULL DEFAULT 0,
	side          TEXT NOT NULL,
	sell_order_id TEXT NOT NULL DEFAULT '',
	sell_price    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (instId, ordId)
);
CREATE INDEX IF NOT EXISTS idx_orders_unsold ON orders (flag, state, sell_price);
CREATE INDEX IF NOT EXISTS idx_orders_lookup ON orders (instId, ordId, flag);
CREATE INDEX IF NOT EXISTS idx_orders_time   ON orders (flag, create_time DESC);
`

// Store is the sqlite-backed core.IOrderStore implementation.
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

// Open connects to dsn, enables WAL mode (spec §7's crash-recovery
// requirement: the log must survive an unclean shutdown), and ensures
// the schema exists.
func Open(dsn string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("orderstore: open %s: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("orderstore: ping: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("orderstore: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("orderstore: set busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("orderstore: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger.WithField("component", "order_store")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// InsertBuy writes a freshly placed buy row with state=placed (spec's
// empty-string state) and sell_price left unset.
func (s *Store) InsertBuy(ctx context.Context, row core.OrderLogRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (instId, flag, ordId, create_time, orderType, state, price, size, sell_time, side, sell_order_id, sell_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '')
		ON CONFLICT(instId, ordId) DO NOTHING`,
		row.Instrument, string(row.Strategy), row.OrderID, row.CreateTimeMs, row.OrderType,
		string(row.State), row.Price.String(), row.Size.String(), row.SellTimeMs, string(row.Side),
	)
	if err != nil {
		return fmt.Errorf("orderstore: insert buy: %w", err)
	}
	return nil
}

// UpdateBuyFill transitions a row to filled/partially_filled with the
// observed price/size and recomputed sell_time (spec §3 step 4).
func (s *Store) UpdateBuyFill(ctx context.Context, instrument, orderID string, state core.OrderState, price, size decimal.Decimal, sellTimeMs int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET state = ?, price = ?, size = ?, sell_time = ?
		WHERE instId = ? AND ordId = ? AND sell_price = ''`,
		string(state), price.String(), size.String(), sellTimeMs, instrument, orderID,
	)
	if err != nil {
		return fmt.Errorf("orderstore: update buy fill: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *Store) MarkCanceled(ctx context.Context, instrument, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET state = 'canceled' WHERE instId = ? AND ordId = ? AND sell_price = ''`,
		instrument, orderID,
	)
	if err != nil {
		return fmt.Errorf("orderstore: mark canceled: %w", err)
	}
	return checkRowsAffected(res)
}

// SetSellOrderID persists the linked sell-order id before the next poll
// (spec §3 sell path step 4): this must land before any crash so recovery
// can resume polling the same sell order instead of placing a duplicate.
func (s *Store) SetSellOrderID(ctx context.Context, instrument, orderID, sellOrderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET sell_order_id = ? WHERE instId = ? AND ordId = ?`,
		sellOrderID, instrument, orderID,
	)
	if err != nil {
		return fmt.Errorf("orderstore: set sell order id: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *Store) SetSize(ctx context.Context, instrument, orderID string, size decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET size = ? WHERE instId = ? AND ordId = ?`,
		size.String(), instrument, orderID,
	)
	if err != nil {
		return fmt.Errorf("orderstore: set size: %w", err)
	}
	return checkRowsAffected(res)
}

// MarkSoldOut sets the terminal state; sell_price is written exactly
// once (spec invariant: a row with sell_price set is never resold).
func (s *Store) MarkSoldOut(ctx context.Context, instrument, orderID string, sellPrice decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET state = 'sold out', sell_price = ?
		WHERE instId = ? AND ordId = ? AND sell_price = ''`,
		sellPrice.String(), instrument, orderID,
	)
	if err != nil {
		return fmt.Errorf("orderstore: mark sold out: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *Store) Get(ctx context.Context, instrument, orderID string) (core.OrderLogRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instId, flag, ordId, create_time, orderType, state, price, size, sell_time, side, sell_order_id, sell_price
		FROM orders WHERE instId = ? AND ordId = ?`, instrument, orderID)
	return scanRow(row)
}

// UnsoldEligible returns rows matching the sell path's scan predicate
// (spec §3 sell path): filled/partially_filled, never sold, due now.
func (s *Store) UnsoldEligible(ctx context.Context, instrument string, nowMs int64) ([]core.OrderLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instId, flag, ordId, create_time, orderType, state, price, size, sell_time, side, sell_order_id, sell_price
		FROM orders
		WHERE instId = ? AND state IN ('filled', 'partially_filled') AND sell_price = ''
		  AND (sell_time = 0 OR sell_time <= ?)
		ORDER BY create_time ASC`, instrument, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("orderstore: unsold eligible: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// RecoveryWindow returns unsold buy rows within the last window for the
// DB→memory recovery scan (spec §4.7): rows created at or after sinceMs
// (the caller picks the window), capped at limit rows.
func (s *Store) RecoveryWindow(ctx context.Context, sinceMs int64, limit int) ([]core.OrderLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instId, flag, ordId, create_time, orderType, state, price, size, sell_time, side, sell_order_id, sell_price
		FROM orders
		WHERE state IN ('filled', 'partially_filled') AND sell_price = '' AND create_time >= ?
		ORDER BY create_time ASC
		LIMIT ?`, sinceMs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("orderstore: recovery window: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(row scanner) (core.OrderLogRow, bool, error) {
	var r core.OrderLogRow
	var flag, state, price, size, side, sellPrice string
	err := row.Scan(&r.Instrument, &flag, &r.OrderID, &r.CreateTimeMs, &r.OrderType, &state,
		&price, &size, &r.SellTimeMs, &side, &r.SellOrderID, &sellPrice)
	if err == sql.ErrNoRows {
		return core.OrderLogRow{}, false, nil
	}
	if err != nil {
		return core.OrderLogRow{}, false, fmt.Errorf("orderstore: scan row: %w", err)
	}
	r.Strategy = core.StrategyTag(flag)
	r.State = core.OrderState(state)
	r.Side = core.Side(side)
	r.Price = parseDecimalOrZero(price)
	r.Size = parseDecimalOrZero(size)
	if sellPrice != "" {
		r.SellPrice = parseDecimalOrZero(sellPrice)
		r.HasSellPrice = true
	}
	return r, true, nil
}

func scanRows(rows *sql.Rows) ([]core.OrderLogRow, error) {
	var out []core.OrderLogRow
	for rows.Next() {
		var r core.OrderLogRow
		var flag, state, price, size, side, sellPrice string
		if err := rows.Scan(&r.Instrument, &flag, &r.OrderID, &r.CreateTimeMs, &r.OrderType, &state,
			&price, &size, &r.SellTimeMs, &side, &r.SellOrderID, &sellPrice); err != nil {
			return nil, fmt.Errorf("orderstore: scan row: %w", err)
		}
		r.Strategy = core.StrategyTag(flag)
		r.State = core.OrderState(state)
		r.Side = core.Side(side)
		r.Price = parseDecimalOrZero(price)
		r.Size = parseDecimalOrZero(size)
		if sellPrice != "" {
			r.SellPrice = parseDecimalOrZero(sellPrice)
			r.HasSellPrice = true
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("orderstore: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("orderstore: no matching row (already sold out or not found)")
	}
	return nil
}
