package pgstore

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending goose migration embedded in this
// package to the database reachable at dsn. It is invoked by the
// netraven-migrate command and by `netraven serve` at startup when
// the postgres backend is selected.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("pgstore: open for migration: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pgstore: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("pgstore: migrate up: %w", err)
	}
	return nil
}

// MigrationStatus reports the applied/pending state of every migration,
// used by the netraven-migrate command.
func MigrationStatus(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("pgstore: open for migration status: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pgstore: set dialect: %w", err)
	}
	return goose.Status(db, "migrations")
}
