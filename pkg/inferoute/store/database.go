// Package store provides the central SQLite persistence layer for the
// routing engine: messages, per-message overrides, the model catalog,
// and prompt templates all live in one database file.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// OpenDatabase opens (or creates) the engine database and applies the schema.
// WAL mode keeps the single-writer queue worker from blocking readers.
func OpenDatabase(path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Every pool connection to :memory: would get its own empty database.
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Debug("database ready", "path", path)
	return db, nil
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			owner_id    INTEGER NOT NULL,
			conv_id     TEXT NOT NULL,
			tracking_id TEXT NOT NULL,
			direction   TEXT NOT NULL,
			text        TEXT NOT NULL DEFAULT '',
			file_text   TEXT NOT NULL DEFAULT '',
			file_path   TEXT NOT NULL DEFAULT '',
			file_type   TEXT NOT NULL DEFAULT '',
			topic       TEXT NOT NULL DEFAULT '',
			language    TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'processing',
			provider    TEXT NOT NULL DEFAULT '',
			model       TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conv_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_tracking ON messages(tracking_id);

		CREATE TABLE IF NOT EXISTS message_overrides (
			message_id TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, key)
		);

		CREATE TABLE IF NOT EXISTS models (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			provider   TEXT NOT NULL,
			capability TEXT NOT NULL,
			quality    INTEGER NOT NULL DEFAULT 0,
			rating     INTEGER NOT NULL DEFAULT 0,
			selectable INTEGER NOT NULL DEFAULT 1,
			features   TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_models_capability ON models(capability);

		CREATE TABLE IF NOT EXISTS model_defaults (
			owner_id   INTEGER NOT NULL,
			capability TEXT NOT NULL,
			model_id   INTEGER NOT NULL,
			PRIMARY KEY (owner_id, capability)
		);

		CREATE TABLE IF NOT EXISTS prompt_templates (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			topic       TEXT NOT NULL,
			owner_id    INTEGER NOT NULL DEFAULT 0,
			language    TEXT NOT NULL DEFAULT 'en',
			text        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			ai_model    INTEGER NOT NULL DEFAULT 0,
			internal    INTEGER NOT NULL DEFAULT 0,
			UNIQUE (topic, owner_id, language)
		);

		CREATE TABLE IF NOT EXISTS work_queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id  TEXT NOT NULL,
			tracking_id TEXT NOT NULL,
			state       TEXT NOT NULL DEFAULT 'pending',
			attempts    INTEGER NOT NULL DEFAULT 0,
			claimed_at  DATETIME,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_queue_state ON work_queue(state, created_at);
	`
	_, err := db.Exec(schema)
	return err
}
