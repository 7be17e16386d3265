package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// RunMigrations applies every pending migration.
func RunMigrations(db *sql.DB) error {
	return Apply(db, Up, 0)
}

// Apply moves the schema in the given direction. A positive steps value
// limits how many migrations are applied; zero means all of them.
func Apply(db *sql.DB, direction Direction, steps int) error {
	migrator, err := newMigrator(db)
	if err != nil {
		return err
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	var runErr error
	switch {
	case steps > 0 && direction == Down:
		runErr = migrator.Steps(-steps)
	case steps > 0:
		runErr = migrator.Steps(steps)
	case direction == Down:
		runErr = migrator.Down()
	case direction == Up:
		runErr = migrator.Up()
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	if runErr != nil && !errors.Is(runErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations %s: %w", direction, runErr)
	}
	return nil
}

// Version reports the current schema version and whether it is dirty.
func Version(db *sql.DB) (uint, bool, error) {
	migrator, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}
