package migrations

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Run applies ("up") or reverts ("down") the embedded migrations against
// databaseURL. It reports whether anything changed.
func Run(databaseURL, command string) (bool, error) {
	if command == "" {
		command = "up"
	}
	if command != "up" && command != "down" {
		return false, fmt.Errorf("unknown migration command: %s", command)
	}

	d, err := iofs.New(FS, ".")
	if err != nil {
		return false, fmt.Errorf("load migration files: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		return false, fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	switch command {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migration %s failed: %w", command, err)
	}
	return true, nil
}
