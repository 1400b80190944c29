package db

import (
	"database/sql"
	"fmt"
)

// migrations is an ordered list of SQL statements to run.
//
// The overlap guard triggers are not created here: they may only be
// installed after existing history has been sanitized and deduplicated
// (see visit.Store.InstallGuard).
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS visits (
		id            TEXT    PRIMARY KEY,
		user_id       TEXT    NOT NULL,
		place_id      TEXT    NOT NULL,
		entry_ms      INTEGER NOT NULL,
		exit_ms       INTEGER,
		session_id    TEXT    NOT NULL DEFAULT '',
		notes         TEXT    NOT NULL DEFAULT '',
		last_event_ms INTEGER NOT NULL,
		created_ms    INTEGER NOT NULL,
		updated_ms    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_visits_user_place_entry ON visits(user_id, place_id, entry_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_visits_open ON visits(user_id, place_id) WHERE exit_ms IS NULL`,
	`CREATE TABLE IF NOT EXISTS visit_people (
		visit_id  TEXT NOT NULL REFERENCES visits(id) ON DELETE CASCADE,
		person_id TEXT NOT NULL,
		PRIMARY KEY (visit_id, person_id)
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id           INTEGER  PRIMARY KEY AUTOINCREMENT,
		name         TEXT     NOT NULL,
		key_prefix   TEXT     NOT NULL,
		key_hash     TEXT     NOT NULL UNIQUE,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME
	)`,
}

// migrate runs all migrations in order.
func migrate(db *sql.DB) error {
	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}

	// Column additions (idempotent, checks if column exists first)
	columnMigrations := []struct {
		table, column, definition string
	}{
		{"api_keys", "owner", "TEXT NOT NULL DEFAULT ''"},
	}

	for _, cm := range columnMigrations {
		if err := addColumnIfNotExists(db, cm.table, cm.column, cm.definition); err != nil {
			return fmt.Errorf("adding %s.%s: %w", cm.table, cm.column, err)
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func columnExists(db *sql.DB, table, column string) (found bool, err error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("checking table info: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scanning column info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterating columns: %w", err)
	}
	return false, nil
}
