package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS exchange_accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange TEXT NOT NULL DEFAULT 'binance_spot',
    label TEXT NOT NULL,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    is_encrypted BOOLEAN DEFAULT 0,
    key_version INTEGER DEFAULT 0,
    testnet BOOLEAN DEFAULT 0,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS bots (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange_account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    base_order_size TEXT NOT NULL,
    safety_order_size TEXT NOT NULL,
    safety_order_volume_scale TEXT NOT NULL DEFAULT '1',
    safety_order_step_scale TEXT NOT NULL DEFAULT '1',
    price_deviation_pct TEXT NOT NULL,
    max_safety_orders INTEGER NOT NULL,
    take_profit_pct TEXT NOT NULL,
    trailing_enabled BOOLEAN DEFAULT 0,
    trailing_pct TEXT DEFAULT '0',
    cooldown_seconds INTEGER NOT NULL DEFAULT 0,
    price_range_low TEXT,
    price_range_high TEXT,
    status TEXT NOT NULL DEFAULT 'inactive',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(exchange_account_id) REFERENCES exchange_accounts(id)
);

CREATE TABLE IF NOT EXISTS bot_cycles (
    id TEXT PRIMARY KEY,
    bot_id TEXT NOT NULL,
    cycle_number INTEGER NOT NULL,
    state TEXT NOT NULL,
    average_entry_price TEXT DEFAULT '0',
    total_qty TEXT DEFAULT '0',
    active_safety_orders INTEGER DEFAULT 0,
    realized_pnl TEXT DEFAULT '0',
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    archived_at DATETIME,
    FOREIGN KEY(bot_id) REFERENCES bots(id)
);

CREATE TABLE IF NOT EXISTS cycle_orders (
    client_order_id TEXT PRIMARY KEY,
    cycle_id TEXT NOT NULL,
    bot_id TEXT NOT NULL,
    role TEXT NOT NULL,
    rung INTEGER NOT NULL DEFAULT 0,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    price TEXT NOT NULL,
    qty TEXT NOT NULL,
    executed_qty TEXT DEFAULT '0',
    cumulative_quote TEXT DEFAULT '0',
    status TEXT NOT NULL DEFAULT 'reserved',
    exchange_order_id TEXT,
    reject_reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    archived_at DATETIME,
    FOREIGN KEY(cycle_id) REFERENCES bot_cycles(id),
    FOREIGN KEY(bot_id) REFERENCES bots(id)
);

CREATE TABLE IF NOT EXISTS symbol_filters_cache (
    exchange TEXT NOT NULL,
    symbol TEXT NOT NULL,
    tick_size TEXT NOT NULL,
    step_size TEXT NOT NULL,
    min_qty TEXT NOT NULL,
    min_notional TEXT NOT NULL,
    price_decimals INTEGER NOT NULL,
    qty_decimals INTEGER NOT NULL,
    fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(exchange, symbol)
);

CREATE TABLE IF NOT EXISTS user_stream_sessions (
    exchange_account_id TEXT PRIMARY KEY,
    listen_key TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'closed',
    last_event_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(exchange_account_id) REFERENCES exchange_accounts(id)
);

CREATE TABLE IF NOT EXISTS user_settings (
    user_id TEXT PRIMARY KEY,
    valuation_asset TEXT NOT NULL DEFAULT 'USDT',
    notify_on_cycle_complete BOOLEAN DEFAULT 1,
    notify_on_safety_order_fill BOOLEAN DEFAULT 1,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Exchange accounts acquired encryption metadata after their first
	// release; keep older DB files current.
	if err := ensureColumn(d.DB, "exchange_accounts", "is_encrypted", "BOOLEAN DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "exchange_accounts", "key_version", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "exchange_accounts", "is_active", "BOOLEAN DEFAULT 1"); err != nil {
		return err
	}

	// Trading core: bots/cycles acquired trailing take-profit and archival
	// columns after their first release; keep older DB files current.
	if err := ensureColumn(d.DB, "bots", "trailing_enabled", "BOOLEAN DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "bots", "trailing_pct", "TEXT DEFAULT '0'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "bot_cycles", "archived_at", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "cycle_orders", "archived_at", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "cycle_orders", "reject_reason", "TEXT"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
