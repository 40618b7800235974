package journal

const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	broker_ref TEXT NOT NULL,
	client_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	signal_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	side TEXT NOT NULL CHECK (side IN ('long', 'short')),
	units REAL NOT NULL CHECK (units > 0),
	entry_price REAL NOT NULL,
	entry_time DATETIME NOT NULL,
	stop_loss REAL NOT NULL CHECK (stop_loss > 0),
	take_profit REAL NOT NULL CHECK (take_profit > 0),
	confidence REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('open', 'closed')),
	exit_price REAL,
	exit_time DATETIME,
	exit_reason TEXT,
	realized_pl REAL,
	best_price REAL NOT NULL DEFAULT 0,
	trailing_stop REAL NOT NULL DEFAULT 0,
	force_close INTEGER NOT NULL DEFAULT 0,
	pending_exit TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_client ON trades(account_id, client_id);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status, account_id);
CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
`
