package ledger

// schema creates the three tables of spec.md §3. Monetary amounts are stored as
// decimal TEXT, not INTEGER — SQLite's integer type is a signed 64-bit value and
// cannot hold the 256-bit amounts the payment engine computes.
const schema = `
CREATE TABLE IF NOT EXISTS bundles (
	id                 TEXT PRIMARY KEY,
	tx1_raw            BLOB NOT NULL,
	tx1_hash           TEXT NOT NULL,
	tx2_raw            BLOB,
	tx2_hash           TEXT,
	state              TEXT NOT NULL,
	payment_amount_wei TEXT NOT NULL,
	target_blocks      TEXT NOT NULL, -- comma-separated uint64s
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	expires_at         INTEGER NOT NULL,
	block_hash         TEXT,
	block_number       INTEGER,
	gas_used           INTEGER,
	config_snapshot_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS relay_submissions (
	bundle_id     TEXT NOT NULL,
	relay_name    TEXT NOT NULL,
	submitted_at  INTEGER NOT NULL,
	status        TEXT NOT NULL,
	response_data BLOB,
	PRIMARY KEY (bundle_id, relay_name)
);

CREATE TABLE IF NOT EXISTS daily_spending (
	date      TEXT PRIMARY KEY,
	spent_wei TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bundles_state ON bundles(state);
`
