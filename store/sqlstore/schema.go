package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// Migrate creates the schema. It is idempotent.
//
// For production, use a proper migration tool with versioned migrations;
// this covers fresh databases, tests and the single-binary deployment.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := sqliteSchema
	if s.dialect == Postgres {
		ddl = postgresSchema
	}
	for _, stmt := range splitStatements(ddl) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w\n%s", err, stmt)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) != "" {
			out = append(out, stmt)
		}
	}
	return out
}

const sqliteSchema = `
-- Account projection (one per user + card)
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT NOT NULL,
	card_id    TEXT NOT NULL,
	balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	within_30  INTEGER NOT NULL DEFAULT 0,
	within_60  INTEGER NOT NULL DEFAULT 0,
	within_90  INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	closed_at  TIMESTAMP,
	PRIMARY KEY (user_id, card_id)
);

-- Movements (append-only ledger)
CREATE TABLE IF NOT EXISTS movements (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	user_id          TEXT NOT NULL,
	card_id          TEXT NOT NULL,
	kind             TEXT NOT NULL,
	points           INTEGER NOT NULL CHECK (points <> 0),
	ref_id           TEXT NOT NULL DEFAULT '',
	batch_id         TEXT NOT NULL DEFAULT '',
	note             TEXT NOT NULL DEFAULT '',
	rule_applied     TEXT NOT NULL DEFAULT '',
	campaign_applied TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	event_at         TIMESTAMP NOT NULL,
	FOREIGN KEY (user_id, card_id) REFERENCES accounts (user_id, card_id)
);

CREATE INDEX IF NOT EXISTS idx_movements_account ON movements (user_id, card_id, seq);
CREATE INDEX IF NOT EXISTS idx_movements_kind_created ON movements (kind, created_at);
CREATE INDEX IF NOT EXISTS idx_movements_account_event ON movements (user_id, card_id, kind, event_at);

-- CRITICAL: one effect per (kind, reference)
CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_kind_ref
	ON movements (kind, ref_id) WHERE ref_id <> '';

CREATE TABLE IF NOT EXISTS rules (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	multiplier  TEXT NOT NULL,
	mcc_pattern TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	partner_id  TEXT NOT NULL DEFAULT '',
	valid_from  TIMESTAMP NOT NULL,
	valid_to    TIMESTAMP,
	priority    INTEGER NOT NULL DEFAULT 0,
	monthly_cap INTEGER,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	name             TEXT NOT NULL,
	extra_multiplier TEXT NOT NULL,
	segment          TEXT NOT NULL DEFAULT '',
	valid_from       TIMESTAMP NOT NULL,
	valid_to         TIMESTAMP,
	priority         INTEGER NOT NULL DEFAULT 0,
	cap              INTEGER,
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS rewards (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	cost_points INTEGER NOT NULL CHECK (cost_points > 0),
	stock       INTEGER NOT NULL CHECK (stock >= 0),
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	partner_id  TEXT NOT NULL DEFAULT '',
	valid_until TIMESTAMP,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS redemptions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	card_id       TEXT NOT NULL,
	reward_id     TEXT NOT NULL REFERENCES rewards (id),
	points        INTEGER NOT NULL,
	status        TEXT NOT NULL,
	note          TEXT NOT NULL DEFAULT '',
	denial_reason TEXT NOT NULL DEFAULT '',
	tracking_code TEXT NOT NULL DEFAULT '',
	partner       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	approved_at   TIMESTAMP,
	completed_at  TIMESTAMP,
	denied_at     TIMESTAMP,
	cancelled_at  TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_redemptions_account ON redemptions (user_id, card_id, created_at);
CREATE INDEX IF NOT EXISTS idx_redemptions_status ON redemptions (status);

CREATE TABLE IF NOT EXISTS card_transactions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	card_id          TEXT NOT NULL,
	amount           TEXT NOT NULL,
	currency         TEXT NOT NULL,
	mcc              TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	partner_id       TEXT NOT NULL DEFAULT '',
	segment          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	event_at         TIMESTAMP NOT NULL,
	processed_at     TIMESTAMP,
	points_generated INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sweep_runs (
	id           TEXT PRIMARY KEY,
	batch_id     TEXT NOT NULL,
	mode         TEXT NOT NULL,
	as_of        TIMESTAMP NOT NULL,
	status       TEXT NOT NULL,
	accounts     INTEGER NOT NULL DEFAULT 0,
	points       INTEGER NOT NULL DEFAULT 0,
	failures     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT NOT NULL,
	card_id    TEXT NOT NULL,
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	within_30  BIGINT NOT NULL DEFAULT 0,
	within_60  BIGINT NOT NULL DEFAULT 0,
	within_90  BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	closed_at  TIMESTAMPTZ,
	PRIMARY KEY (user_id, card_id)
);

CREATE TABLE IF NOT EXISTS movements (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	user_id          TEXT NOT NULL,
	card_id          TEXT NOT NULL,
	kind             TEXT NOT NULL,
	points           BIGINT NOT NULL CHECK (points <> 0),
	ref_id           TEXT NOT NULL DEFAULT '',
	batch_id         TEXT NOT NULL DEFAULT '',
	note             TEXT NOT NULL DEFAULT '',
	rule_applied     TEXT NOT NULL DEFAULT '',
	campaign_applied TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	event_at         TIMESTAMPTZ NOT NULL,
	FOREIGN KEY (user_id, card_id) REFERENCES accounts (user_id, card_id)
);

CREATE INDEX IF NOT EXISTS idx_movements_account ON movements (user_id, card_id, seq);
CREATE INDEX IF NOT EXISTS idx_movements_kind_created ON movements (kind, created_at);
CREATE INDEX IF NOT EXISTS idx_movements_account_event ON movements (user_id, card_id, kind, event_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_kind_ref
	ON movements (kind, ref_id) WHERE ref_id <> '';

CREATE TABLE IF NOT EXISTS rules (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	multiplier  NUMERIC(12, 4) NOT NULL,
	mcc_pattern TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	partner_id  TEXT NOT NULL DEFAULT '',
	valid_from  TIMESTAMPTZ NOT NULL,
	valid_to    TIMESTAMPTZ,
	priority    INTEGER NOT NULL DEFAULT 0,
	monthly_cap BIGINT,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
	id               BIGSERIAL PRIMARY KEY,
	name             TEXT NOT NULL,
	extra_multiplier NUMERIC(12, 4) NOT NULL,
	segment          TEXT NOT NULL DEFAULT '',
	valid_from       TIMESTAMPTZ NOT NULL,
	valid_to         TIMESTAMPTZ,
	priority         INTEGER NOT NULL DEFAULT 0,
	cap              BIGINT,
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS rewards (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	cost_points BIGINT NOT NULL CHECK (cost_points > 0),
	stock       BIGINT NOT NULL CHECK (stock >= 0),
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	partner_id  TEXT NOT NULL DEFAULT '',
	valid_until TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS redemptions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	card_id       TEXT NOT NULL,
	reward_id     TEXT NOT NULL REFERENCES rewards (id),
	points        BIGINT NOT NULL,
	status        TEXT NOT NULL,
	note          TEXT NOT NULL DEFAULT '',
	denial_reason TEXT NOT NULL DEFAULT '',
	tracking_code TEXT NOT NULL DEFAULT '',
	partner       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	approved_at   TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	denied_at     TIMESTAMPTZ,
	cancelled_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_redemptions_account ON redemptions (user_id, card_id, created_at);
CREATE INDEX IF NOT EXISTS idx_redemptions_status ON redemptions (status);

CREATE TABLE IF NOT EXISTS card_transactions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	card_id          TEXT NOT NULL,
	amount           NUMERIC(14, 2) NOT NULL,
	currency         CHAR(3) NOT NULL,
	mcc              TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	partner_id       TEXT NOT NULL DEFAULT '',
	segment          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	event_at         TIMESTAMPTZ NOT NULL,
	processed_at     TIMESTAMPTZ,
	points_generated BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sweep_runs (
	id           TEXT PRIMARY KEY,
	batch_id     TEXT NOT NULL,
	mode         TEXT NOT NULL,
	as_of        TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL,
	accounts     INTEGER NOT NULL DEFAULT 0,
	points       BIGINT NOT NULL DEFAULT 0,
	failures     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
)
`
