package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/courier/internal/store/migrations"
)

// ErrDirtySchema is returned when a previous migration stopped halfway. The
// daemon refuses to recover delivery state from a half-applied schema.
var ErrDirtySchema = errors.New("schema is dirty")

// SchemaChange reports the schema version before and after Migrate.
type SchemaChange struct {
	From uint // 0 for a fresh database
	To   uint
}

// Applied reports whether any migration ran.
func (c SchemaChange) Applied() bool {
	return c.From != c.To
}

// Migrate brings courier.db up to the newest embedded schema.
func (db *DB) Migrate() (SchemaChange, error) {
	var change SchemaChange

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return change, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return change, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return change, fmt.Errorf("migration instance: %w", err)
	}

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return change, fmt.Errorf("schema version: %w", err)
	case dirty:
		return change, fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}
	change.From = from

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return change, fmt.Errorf("migrate from version %d: %w", from, err)
	}
	change.To, _, err = m.Version()
	if err != nil {
		return change, fmt.Errorf("schema version: %w", err)
	}
	return change, nil
}
