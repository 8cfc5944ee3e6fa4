package postgres

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationResult describes the schema version after Migrate.
type MigrationResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate applies the migrations in dir to the database at dsn. steps > 0
// applies that many up (or down) migrations; zero applies all of them.
//
// Precondition: direction must be "up" or "down".
// Postcondition: Returns the resulting schema version; an unchanged schema
// is not an error.
func Migrate(dsn, dir, direction string, steps int) (MigrationResult, error) {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return MigrationResult{}, fmt.Errorf("invalid direction %q: must be 'up' or 'down'", direction)
	}

	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed, err = false, nil
	}
	if err != nil {
		return MigrationResult{}, fmt.Errorf("migrating %s: %w", direction, err)
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return MigrationResult{}, fmt.Errorf("reading schema version: %w", verr)
	}
	return MigrationResult{Version: version, Dirty: dirty, Changed: changed}, nil
}
