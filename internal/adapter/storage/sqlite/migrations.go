package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "transactions and boot counter",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS boot_info (
				id INTEGER PRIMARY KEY CHECK(id = 1),
				boot_nr INTEGER NOT NULL CHECK(boot_nr > 0)
			)`,
			`CREATE TABLE IF NOT EXISTS transactions (
				seq_no INTEGER PRIMARY KEY AUTOINCREMENT,
				connector_id INTEGER NOT NULL CHECK(connector_id > 0),
				id_tag TEXT NOT NULL,
				meter_start INTEGER NOT NULL,
				reservation_id INTEGER,
				start_timestamp INTEGER NOT NULL,
				start_boot_nr INTEGER NOT NULL,
				transaction_id INTEGER UNIQUE,
				parent_id_tag TEXT,
				authorization_state TEXT NOT NULL,
				sync_state TEXT NOT NULL,
				request BLOB,
				request_token TEXT NOT NULL DEFAULT '',
				timestamp_adjusted INTEGER NOT NULL DEFAULT 0,
				timestamp_uncorrectable INTEGER NOT NULL DEFAULT 0,
				failure_reason TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				CHECK ((transaction_id IS NOT NULL) = (sync_state = 'Confirmed'))
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_outstanding
				ON transactions(connector_id)
				WHERE sync_state IN ('Created', 'RequestSent')`,
			`CREATE INDEX IF NOT EXISTS ix_transactions_connector
				ON transactions(connector_id, seq_no)`,
		},
	},
}

// RunMigrations applies every migration newer than the recorded schema version.
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.version, time.Now().Unix(), m.description,
	); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.version, err)
	}
	return tx.Commit()
}
