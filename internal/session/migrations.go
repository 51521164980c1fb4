package session

import (
	"database/sql"
	"fmt"
)

// Migration is one entry in a SQL back-end's schema history (spec §4.S2
// "SQL back-ends": append-only, strictly increasing version numbers,
// applied transactionally, idempotent re-application).
type Migration struct {
	Version int
	SQL     string
}

// applyMigrations runs every migration whose version is not already
// recorded in schema_migrations, each inside its own transaction. placeholder
// formats the single bind parameter schema_migrations inserts use ("?" for
// SQLite, "$1" for Postgres).
func applyMigrations(db *sql.DB, migrations []Migration, placeholder func(int) string) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("session: creating schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("session: reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("session: beginning migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("session: applying migration %d: %w", m.Version, err)
		}
		insertSQL := fmt.Sprintf(`INSERT INTO schema_migrations (version) VALUES (%s)`, placeholder(1))
		if _, err := tx.Exec(insertSQL, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("session: recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("session: committing migration %d: %w", m.Version, err)
		}
	}
	return nil
}
