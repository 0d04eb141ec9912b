package store

import (
	"database/sql"
	"fmt"

	"taskweave/internal/logging"
)

// CurrentSchemaVersion is recorded in schema_versions after migrations run.
// v1: base tables
// v2: patterns.tokens_saved
// v3: performance satisfaction columns
// v4: tasks.deliverables
const CurrentSchemaVersion = 4

// Migration defines a database schema migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists columns added after the base schema.
// These handle databases created by older builds.
var pendingMigrations = []Migration{
	{"patterns", "tokens_saved", "INTEGER NOT NULL DEFAULT 0"},
	{"performance", "average_satisfaction", "REAL NOT NULL DEFAULT 0"},
	{"performance", "satisfaction_samples", "INTEGER NOT NULL DEFAULT 0"},
	{"tasks", "deliverables", "TEXT NOT NULL DEFAULT '[]'"},
	{"archived_tasks", "deliverables", "TEXT NOT NULL DEFAULT '[]'"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied, skipped := 0, 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			logging.StoreError("Migration failed: %s.%s: %v", m.Table, m.Column, err)
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if err := SetSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return err
	}
	logging.Store("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

// GetSchemaVersion returns the recorded schema version, or 0 if none.
func GetSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_versions") {
		return 0
	}
	var version int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_versions").Scan(&version); err != nil {
		return 0
	}
	return version
}

// SetSchemaVersion records a schema version.
func SetSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}
	if _, err := db.Exec("INSERT OR IGNORE INTO schema_versions (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}
