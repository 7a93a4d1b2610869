package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// Schema is the chatd.db schema state after Migrate.
type Schema struct {
	Version uint
	// Applied is false when the schema was already current.
	Applied bool
}

// Migrate brings chatd.db to the newest embedded schema. A schema left dirty
// by an interrupted migration is reported, not forced; chatd must not serve
// from it.
func (db *DB) Migrate() (Schema, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return Schema{}, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return Schema{}, fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return Schema{}, fmt.Errorf("migrate: %w", err)
	}

	applied := true
	if err := m.Up(); err != nil {
		var dirty migrate.ErrDirty
		switch {
		case errors.Is(err, migrate.ErrNoChange):
			applied = false
		case errors.As(err, &dirty):
			return Schema{}, fmt.Errorf("chatd.db schema is dirty at version %d and needs manual repair", dirty.Version)
		default:
			return Schema{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	version, _, err := m.Version()
	if err != nil {
		return Schema{}, fmt.Errorf("schema version: %w", err)
	}
	return Schema{Version: version, Applied: applied}, nil
}
