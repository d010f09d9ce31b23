package journal

// Schema is shared by SQLite and Postgres. Money is stored as decimal
// text, timestamps in UTC.
const Schema = `
CREATE TABLE IF NOT EXISTS trading_decisions (
	id TEXT PRIMARY KEY,
	vault_id TEXT NOT NULL,
	aggregation_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	decision TEXT NOT NULL,
	side TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	risk_score DOUBLE PRECISION NOT NULL,
	position_size DOUBLE PRECISION NOT NULL,
	leverage DOUBLE PRECISION NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	target_price DOUBLE PRECISION NOT NULL,
	stop_price DOUBLE PRECISION NOT NULL,
	scale_number INTEGER NOT NULL,
	trigger_reason TEXT NOT NULL,
	closure_type TEXT NOT NULL,
	rule TEXT NOT NULL,
	reasoning TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	reservation_id TEXT NOT NULL,
	execution_status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_vault ON trading_decisions(vault_id, created_at);

CREATE TABLE IF NOT EXISTS balance_changes (
	id TEXT PRIMARY KEY,
	vault_id TEXT NOT NULL,
	change_type TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	balance_before TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	change_amount TEXT NOT NULL,
	available_after TEXT NOT NULL,
	reserved_after TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_balance_changes_vault ON balance_changes(vault_id, created_at);

CREATE TABLE IF NOT EXISTS position_scales (
	id TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	scale_number INTEGER NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	size DOUBLE PRECISION NOT NULL,
	leverage DOUBLE PRECISION NOT NULL,
	bankroll_percentage DOUBLE PRECISION NOT NULL,
	margin TEXT NOT NULL,
	trigger_reason TEXT NOT NULL,
	liquidation_price DOUBLE PRECISION NOT NULL,
	decision_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS position_closures (
	id TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	closure_type TEXT NOT NULL,
	size_closed DOUBLE PRECISION NOT NULL,
	closure_price DOUBLE PRECISION NOT NULL,
	realized_pnl TEXT NOT NULL,
	remaining_size DOUBLE PRECISION NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_assessments (
	id TEXT PRIMARY KEY,
	vault_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	volatility DOUBLE PRECISION NOT NULL,
	var_1d DOUBLE PRECISION NOT NULL,
	var_7d DOUBLE PRECISION NOT NULL,
	liquidation_risk DOUBLE PRECISION NOT NULL,
	correlation_risk DOUBLE PRECISION NOT NULL,
	concentration_risk DOUBLE PRECISION NOT NULL,
	market_risk DOUBLE PRECISION NOT NULL,
	liquidity_risk DOUBLE PRECISION NOT NULL,
	overall_risk_score DOUBLE PRECISION NOT NULL,
	risk_level TEXT NOT NULL,
	recommended_action TEXT NOT NULL,
	halt_auto_trading BOOLEAN NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS signal_aggregations (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	aggregation_type TEXT NOT NULL,
	contributions TEXT NOT NULL,
	consensus_signal TEXT NOT NULL,
	consensus_strength DOUBLE PRECISION NOT NULL,
	consensus_confidence DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	metadata TEXT NOT NULL
);
`
