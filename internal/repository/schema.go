package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// schemaAuditEntries is append-only: the repository has no UPDATE or DELETE
// statement against it. payload holds the full entry as JSON; the other
// columns exist for lookups.
const schemaAuditEntries = `
CREATE TABLE IF NOT EXISTS audit_entries (
    sequence BIGINT PRIMARY KEY,
    id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    chain_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    model_version TEXT NOT NULL,
    policy_version TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_tx ON audit_entries(tx_id, sequence);
CREATE INDEX IF NOT EXISTS idx_audit_entries_outcome ON audit_entries(outcome);
`

const schemaCounterparties = `
CREATE TABLE IF NOT EXISTS counterparty_tables (
    chain_id TEXT PRIMARY KEY,
    version BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS counterparty_risk (
    chain_id TEXT NOT NULL,
    address TEXT NOT NULL,
    risk DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (chain_id, address)
);
`

// schemaPolicyVersions keeps every applied policy; applied_at is unix nanoseconds.
const schemaPolicyVersions = `
CREATE TABLE IF NOT EXISTS policy_versions (
    version TEXT PRIMARY KEY,
    model_version TEXT NOT NULL,
    applied_at BIGINT NOT NULL,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policy_versions_applied ON policy_versions(applied_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAuditEntries,
		schemaCounterparties,
		schemaPolicyVersions,
	}
}
