package journal

// SQLiteSchema creates the local journal tables. Times are unix milliseconds.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS execution_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ms INTEGER NOT NULL,
	event TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	ok INTEGER NOT NULL,
	reason TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	qty REAL NOT NULL DEFAULT 0,
	vwap REAL NOT NULL DEFAULT 0,
	amount REAL NOT NULL DEFAULT 0,
	fee REAL NOT NULL DEFAULT 0,
	rate_limited INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS shadow_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ms INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	candle_timestamp INTEGER NOT NULL,
	target_notional REAL NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS state_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ms INTEGER NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	reason TEXT NOT NULL,
	symbol TEXT NOT NULL,
	position_qty REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execution_events_at ON execution_events(at_ms);
CREATE INDEX IF NOT EXISTS idx_state_transitions_at ON state_transitions(at_ms);
`

// PostgresMigrations creates the server journal tables
var PostgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS execution_events (
		id BIGSERIAL PRIMARY KEY,
		at TIMESTAMPTZ NOT NULL,
		event VARCHAR(32) NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		side VARCHAR(8) NOT NULL,
		ok BOOLEAN NOT NULL,
		reason TEXT NOT NULL,
		order_id VARCHAR(64) NOT NULL DEFAULT '',
		qty DOUBLE PRECISION NOT NULL DEFAULT 0,
		vwap DOUBLE PRECISION NOT NULL DEFAULT 0,
		amount DOUBLE PRECISION NOT NULL DEFAULT 0,
		fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
		detail JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_events_at ON execution_events(at)`,
	`CREATE TABLE IF NOT EXISTS shadow_entries (
		id BIGSERIAL PRIMARY KEY,
		at TIMESTAMPTZ NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		timeframe VARCHAR(8) NOT NULL,
		candle_timestamp BIGINT NOT NULL,
		target_notional DOUBLE PRECISION NOT NULL,
		decision VARCHAR(16) NOT NULL,
		reason TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS state_transitions (
		id BIGSERIAL PRIMARY KEY,
		at TIMESTAMPTZ NOT NULL,
		from_state VARCHAR(16) NOT NULL,
		to_state VARCHAR(16) NOT NULL,
		reason TEXT NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		position_qty DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_state_transitions_at ON state_transitions(at)`,
}
