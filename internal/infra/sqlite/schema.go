// Schema for the economy engine.
// Uniqueness constraints here are load-bearing: the ledger key makes
// retried settlements exactly-once, the partial contract index enforces
// one active contract per owner, and the session indexes enforce the
// one-open-session and one-evaluator-per-contract-lifetime rules.
package sqlite

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Members: blackhole countdown and freeze allowance
		`CREATE TABLE IF NOT EXISTS members (
			id                        INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant                    TEXT NOT NULL,
			user_id                   TEXT NOT NULL,
			state                     TEXT NOT NULL DEFAULT 'normal',
			consecutive_fail_count    INTEGER NOT NULL DEFAULT 0,
			blackhole_deadline        TEXT NOT NULL,
			freeze_days_available     INTEGER NOT NULL DEFAULT 0,
			freeze_active_until       TEXT,
			freeze_allowance_reset_at TEXT NOT NULL,
			banned_at                 TEXT,
			joined_at                 TEXT NOT NULL,
			UNIQUE(tenant, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_members_deadline
			ON members(tenant, blackhole_deadline)`,

		// Wallets: denormalized balance per (tenant, account)
		`CREATE TABLE IF NOT EXISTS wallets (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant     TEXT NOT NULL,
			account    TEXT NOT NULL,
			balance    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(tenant, account)
		)`,

		// Append-only journal. (tenant, reference_key, entry_type) is the
		// idempotency key: a replayed settlement inserts zero rows.
		`CREATE TABLE IF NOT EXISTS wallet_ledger (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant          TEXT NOT NULL,
			account         TEXT NOT NULL,
			related_account TEXT,
			entry_type      TEXT NOT NULL,
			delta           INTEGER NOT NULL,
			reference_key   TEXT NOT NULL,
			note            TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			UNIQUE(tenant, reference_key, entry_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account
			ON wallet_ledger(tenant, account, id)`,

		// Contracts: one active (open or delivered) per owner at a time
		`CREATE TABLE IF NOT EXISTS contracts (
			id                TEXT PRIMARY KEY,
			tenant            TEXT NOT NULL,
			owner             TEXT NOT NULL,
			title             TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			requirement       TEXT NOT NULL DEFAULT '',
			expected_artifact TEXT NOT NULL DEFAULT '',
			duration_hours    INTEGER NOT NULL,
			accepted_at       TEXT NOT NULL,
			due_at            TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'open',
			delivery_payload  TEXT,
			delivered_at      TEXT,
			concluded_at      TEXT,
			failed_at         TEXT,
			penalty_applied   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_contracts_active
			ON contracts(tenant, owner) WHERE status IN ('open', 'delivered')`,
		`CREATE INDEX IF NOT EXISTS idx_contracts_due
			ON contracts(tenant, status, due_at)`,

		// Review sessions. UNIQUE(contract_id, evaluator) is a lifetime
		// bar — it holds across expired and rejected history too.
		`CREATE TABLE IF NOT EXISTS review_sessions (
			id                     TEXT PRIMARY KEY,
			tenant                 TEXT NOT NULL,
			contract_id            TEXT NOT NULL,
			evaluatee              TEXT NOT NULL,
			evaluator              TEXT NOT NULL,
			stage                  TEXT NOT NULL DEFAULT 'open',
			score                  INTEGER,
			difficulty             INTEGER,
			approved               INTEGER,
			awarded_days           INTEGER NOT NULL DEFAULT 0,
			reviewer_quality_score INTEGER,
			reviewer_comment       TEXT NOT NULL DEFAULT '',
			evaluator_claimed_at   TEXT,
			due_at                 TEXT NOT NULL,
			closed_at              TEXT,
			created_at             TEXT NOT NULL,
			UNIQUE(contract_id, evaluator)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open
			ON review_sessions(contract_id) WHERE stage = 'open'`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_due
			ON review_sessions(tenant, stage, due_at)`,
	}
}
