package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version     int
	description string
	sqlite      string
	postgres    string
}

var migrations = []migration{
	{
		version:     1,
		description: "threads and messages",
		sqlite: `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	surface TEXT NOT NULL,
	participant_a TEXT NOT NULL,
	participant_b TEXT NOT NULL,
	pair_low TEXT NOT NULL,
	pair_high TEXT NOT NULL,
	context_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	case_number TEXT,
	assignee_id TEXT,
	last_sent_ns INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_pair_context
	ON threads(surface, pair_low, pair_high, context_key);
CREATE INDEX IF NOT EXISTS idx_threads_participant_a ON threads(participant_a);
CREATE INDEX IF NOT EXISTS idx_threads_participant_b ON threads(participant_b);
CREATE INDEX IF NOT EXISTS idx_threads_assignee ON threads(assignee_id);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	sender_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	body TEXT NOT NULL,
	client_msg_id TEXT,
	is_read INTEGER NOT NULL DEFAULT 0,
	sent_ns INTEGER NOT NULL,
	read_ns INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_sent ON messages(thread_id, sent_ns, seq);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(recipient_id, is_read);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_msg
	ON messages(thread_id, sender_id, client_msg_id);

CREATE TABLE IF NOT EXISTS case_counters (
	surface TEXT PRIMARY KEY,
	next_value INTEGER NOT NULL
);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	surface TEXT NOT NULL,
	participant_a TEXT NOT NULL,
	participant_b TEXT NOT NULL,
	pair_low TEXT NOT NULL,
	pair_high TEXT NOT NULL,
	context_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	case_number TEXT,
	assignee_id TEXT,
	last_sent_ns BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_pair_context
	ON threads(surface, pair_low, pair_high, context_key);
CREATE INDEX IF NOT EXISTS idx_threads_participant_a ON threads(participant_a);
CREATE INDEX IF NOT EXISTS idx_threads_participant_b ON threads(participant_b);
CREATE INDEX IF NOT EXISTS idx_threads_assignee ON threads(assignee_id);

CREATE TABLE IF NOT EXISTS messages (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	sender_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	body TEXT NOT NULL,
	client_msg_id TEXT,
	is_read INTEGER NOT NULL DEFAULT 0,
	sent_ns BIGINT NOT NULL,
	read_ns BIGINT
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_sent ON messages(thread_id, sent_ns, seq);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(recipient_id, is_read);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_msg
	ON messages(thread_id, sender_id, client_msg_id);

CREATE TABLE IF NOT EXISTS case_counters (
	surface TEXT PRIMARY KEY,
	next_value BIGINT NOT NULL
);
`,
	},
	{
		version:     2,
		description: "event log",
		sqlite: `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload_json TEXT,
	metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp, id);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload_json TEXT,
	metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp, id);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);
`,
	},
}

// SchemaVersion returns the highest applied migration, or 0.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	if err := db.ensureMigrationTable(ctx); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// MigrateUp applies all pending migrations and returns how many ran.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		script := m.sqlite
		if db.dialect == DialectPostgres {
			script = m.postgres
		}
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, script); err != nil {
				return err
			}
			_, err := db.inTx(tx).ExecContext(ctx,
				`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
				m.version, m.description, time.Now().UTC().Format(time.RFC3339),
			)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}
		db.logger.Info().Int("version", m.version).Str("description", m.description).Msg("applied migration")
		applied++
	}
	return applied, nil
}

func (db *DB) ensureMigrationTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}
