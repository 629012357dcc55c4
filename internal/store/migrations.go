package store

// migration holds a single schema migration with its target version and
// the SQL for each supported dialect.
type migration struct {
	version  int
	sqlite   string
	postgres string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS mail_connections (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	provider          TEXT NOT NULL,
	config_ciphertext BLOB NOT NULL,
	config_nonce      BLOB NOT NULL,
	last_validated_at DATETIME,
	is_active         INTEGER NOT NULL DEFAULT 1 CHECK(is_active IN (0, 1)),
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, provider)
);

CREATE TABLE IF NOT EXISTS mail_drafts (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	provider           TEXT NOT NULL,
	payload_ciphertext BLOB NOT NULL,
	payload_nonce      BLOB NOT NULL,
	confirm_token_hash TEXT NOT NULL,
	expires_at         DATETIME NOT NULL,
	created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_mail_drafts_owner ON mail_drafts(user_id, provider);

CREATE TABLE IF NOT EXISTS org_settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS mail_connections (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	provider          TEXT NOT NULL,
	config_ciphertext BYTEA NOT NULL,
	config_nonce      BYTEA NOT NULL,
	last_validated_at TIMESTAMPTZ,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(user_id, provider)
);

CREATE TABLE IF NOT EXISTS mail_drafts (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	provider           TEXT NOT NULL,
	payload_ciphertext BYTEA NOT NULL,
	payload_nonce      BYTEA NOT NULL,
	confirm_token_hash TEXT NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_mail_drafts_owner ON mail_drafts(user_id, provider);

CREATE TABLE IF NOT EXISTS org_settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sqlite: `
CREATE INDEX IF NOT EXISTS idx_mail_drafts_expires_at ON mail_drafts(expires_at);
CREATE INDEX IF NOT EXISTS idx_mail_connections_active ON mail_connections(user_id, is_active);

INSERT INTO schema_version (version) VALUES (2);
`,
		postgres: `
CREATE INDEX IF NOT EXISTS idx_mail_drafts_expires_at ON mail_drafts(expires_at);
CREATE INDEX IF NOT EXISTS idx_mail_connections_active ON mail_connections(user_id, is_active);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
