// Command migrate applies or rolls back the database schema.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cory-johannsen/realmgate/internal/config"
	"github.com/cory-johannsen/realmgate/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	dir := flag.String("dir", "migrations", "directory holding the migration files")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	if err := run(*configPath, *dir, *direction, *steps); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, dir, direction string, steps int) error {
	began := time.Now()
	db, err := databaseConfig(configPath)
	if err != nil {
		return err
	}

	res, err := postgres.Migrate(db.DSN(), dir, direction, steps)
	if err != nil {
		return fmt.Errorf("migrating %s@%s: %w", db.Name, db.Host, err)
	}

	verb := "already at"
	if res.Changed {
		verb = "migrated " + direction + " to"
	}
	fmt.Printf("%s: %s version %d (dirty=%t) in %s\n", db.Name, verb, res.Version, res.Dirty, time.Since(began).Round(time.Millisecond))
	return nil
}

// databaseConfig reads only the database section, so migrations run without
// the rest of the server configuration being valid.
func databaseConfig(path string) (config.DatabaseConfig, error) {
	v := config.Defaults()
	v.SetConfigFile(path)
	v.SetEnvPrefix("REALMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var db config.DatabaseConfig
	if err := v.ReadInConfig(); err != nil {
		return db, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := v.UnmarshalKey("database", &db); err != nil {
		return db, fmt.Errorf("parsing database config: %w", err)
	}
	return db, nil
}
