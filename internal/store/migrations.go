package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. version must be assigned
// in strictly increasing order; name is informational only and exists
// for operators reading the schema_version table by hand.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations is the ordered, append-only list of schema changes (spec
// §4.8: "an ordered list of (version, name, SQL) triples... compared
// against a schema_version table holding the single highest version
// applied"). Never edit an already-released entry; add a new one.
var migrations = []migration{
	{1, "initial_schema", `
CREATE TABLE sources (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1,
	url TEXT NOT NULL DEFAULT '',
	poll_interval_seconds INTEGER NOT NULL DEFAULT 0,
	max_items INTEGER NOT NULL DEFAULT 0,
	auth_kind TEXT NOT NULL DEFAULT '',
	auth_username TEXT NOT NULL DEFAULT '',
	auth_password TEXT NOT NULL DEFAULT '',
	auth_token TEXT NOT NULL DEFAULT '',
	auth_header_name TEXT NOT NULL DEFAULT '',
	auth_header_value TEXT NOT NULL DEFAULT '',
	tg_id INTEGER,
	tg_username TEXT NOT NULL DEFAULT '',
	tg_folder_name TEXT NOT NULL DEFAULT '',
	tg_folder_id INTEGER,
	exclude_json TEXT NOT NULL DEFAULT '[]',
	last_fetched_at TEXT,
	last_etag TEXT NOT NULL DEFAULT '',
	last_modified_header TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE output_channels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL UNIQUE,
	schedule_kind TEXT NOT NULL DEFAULT '',
	schedule_raw TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	last_generated TEXT,
	mark_tg_read INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE output_channel_sources (
	output_channel_id TEXT NOT NULL REFERENCES output_channels(id) ON DELETE CASCADE,
	source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	PRIMARY KEY (output_channel_id, source_id)
);

CREATE TABLE content_items (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	ingested_at TEXT NOT NULL,
	original_date TEXT NOT NULL,
	content_type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	dedup_key TEXT NOT NULL,
	upstream_changed INTEGER NOT NULL DEFAULT 0,
	UNIQUE(source_id, dedup_key)
);
CREATE INDEX idx_content_items_source_date ON content_items(source_id, original_date);

CREATE TABLE generated_articles (
	id TEXT PRIMARY KEY,
	output_channel_id TEXT NOT NULL REFERENCES output_channels(id) ON DELETE CASCADE,
	generated_at TEXT NOT NULL,
	covers_from TEXT NOT NULL,
	covers_to TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	topics_json TEXT NOT NULL DEFAULT '[]',
	body_html TEXT NOT NULL DEFAULT '',
	body_markdown TEXT NOT NULL DEFAULT '',
	content_item_ids_json TEXT NOT NULL DEFAULT '[]',
	generation_log TEXT NOT NULL DEFAULT '',
	model_used TEXT NOT NULL DEFAULT '',
	token_count INTEGER
);
CREATE INDEX idx_generated_articles_channel ON generated_articles(output_channel_id, generated_at);

CREATE TABLE settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE folder_channels (
	folder_source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	channel_tg_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (folder_source_id, channel_tg_id)
);
`},
	{2, "chat_session_store", `
CREATE TABLE session_dc (
	dc_id INTEGER PRIMARY KEY,
	ip_addr TEXT NOT NULL,
	port INTEGER NOT NULL,
	is_ipv6 INTEGER NOT NULL DEFAULT 0,
	auth_key BLOB
);

CREATE TABLE session_home_dc (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	dc_id INTEGER NOT NULL
);

CREATE TABLE session_peers (
	peer_id INTEGER PRIMARY KEY,
	kind INTEGER NOT NULL,
	hash INTEGER NOT NULL,
	subtype INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE session_updates_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	pts INTEGER NOT NULL DEFAULT 0,
	qts INTEGER NOT NULL DEFAULT 0,
	date INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE session_channel_pts (
	channel_id INTEGER PRIMARY KEY,
	pts INTEGER NOT NULL DEFAULT 0
);
`},
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, datetime('now'))`,
			m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return int(version.Int64), nil
}
