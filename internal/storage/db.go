// Package storage is the durable persistence layer for delegation contracts
// and the reputation/audit log (spec §6). It uses a pure-Go SQLite driver
// (modernc.org/sqlite) through sqlx, with WAL journaling enabled and schema
// managed by embedded goose migrations.
package storage

import (
	"embed"
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open creates (if needed) the SQLite database under dataDir, enables WAL
// journaling, and runs any pending goose migrations.
func Open(dataDir string) (*sqlx.DB, error) {
	path := filepath.Join(dataDir, "control_plane.db")
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
