package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/tracker/*.sql migrations/ledger/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations for one database.
// dir is "tracker" or "ledger"; databaseURL uses the pgx5:// scheme.
func Migrate(databaseURL, dir string) error {
	src, err := iofs.New(migrationsFS, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("loading %s migrations: %w", dir, err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("opening %s database for migration: %w", dir, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating %s database: %w", dir, err)
	}
	return nil
}
