package repository

// Schema definitions for the fundguard database.
// Compatible with both SQLite and PostgreSQL.

// Campaign documents are stored whole as JSON. creator_id and created_unix
// are copied out of the document for the per-creator velocity count, and the
// fraud namespace lives in its own columns so reviews never rewrite the doc.
const schemaCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    creator_id TEXT NOT NULL DEFAULT '',
    created_unix BIGINT,
    doc TEXT NOT NULL,
    fraud TEXT,
    fraud_score REAL,
    fraud_status TEXT,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_campaigns_creator ON campaigns(creator_id, created_unix);
CREATE INDEX IF NOT EXISTS idx_campaigns_fraud_score ON campaigns(fraud_score);
CREATE INDEX IF NOT EXISTS idx_campaigns_fraud_status ON campaigns(fraud_status, fraud_score);
`

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    doc TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaFraudAudit = `
CREATE TABLE IF NOT EXISTS fraud_audit (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL,
    seq BIGINT NOT NULL DEFAULT 0,
    admin TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    comment TEXT NOT NULL DEFAULT '',
    at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_audit_campaign ON fraud_audit(campaign_id, at);
`

// seq orders a campaign's audit entries by insertion. Tables created before
// it existed get the column added on startup.
const addAuditSeq = `ALTER TABLE fraud_audit ADD COLUMN seq BIGINT NOT NULL DEFAULT 0`
const probeAuditSeq = `SELECT seq FROM fraud_audit LIMIT 1`

// schemaModelArtifacts holds serialized anomaly models by logical name.
// A publish replaces the row inside a transaction.
const schemaModelArtifacts = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    name TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCampaigns,
		schemaUsers,
		schemaFraudAudit,
		schemaModelArtifacts,
	}
}
