// Package main runs the binding store schema migrations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"

	"github.com/park285/mc-matrix-bridge/internal/binding"
	"github.com/park285/mc-matrix-bridge/internal/config"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("reading config: %v", err)
	}

	var (
		dialect binding.Dialect
		driver  string
		dsn     string
	)
	switch cfg.Store.Backend {
	case "postgres":
		dialect, driver, dsn = binding.DialectPostgres, "postgres", cfg.Store.DatabaseURL
	case "sqlite":
		dialect, driver, dsn = binding.DialectSQLite, "sqlite", cfg.Store.SQLitePath
	default:
		log.Fatalf("store backend %q has no schema to migrate", cfg.Store.Backend)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m, err := binding.NewMigrator(ctx, db, dialect)
	if err != nil {
		log.Fatalf("creating migrator: %v", err)
	}
	defer func() { _ = m.Release() }()

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	default:
		log.Fatalf("invalid direction %q: must be 'up' or 'down'", *direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migration failed: %v", err)
	}

	version, dirty, _ := m.Version()
	elapsed := time.Since(start)

	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintf(os.Stdout, "no changes (version=%d dirty=%v) [%s]\n", version, dirty, elapsed)
	} else {
		fmt.Fprintf(os.Stdout, "migrated %s to version=%d dirty=%v [%s]\n", *direction, version, dirty, elapsed)
	}
}
