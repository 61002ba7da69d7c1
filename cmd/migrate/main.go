// Package main manages the PostgreSQL account schema. Migrations are embedded
// in the binary, so no migrations directory is needed at runtime.
package main

import (
	"errors"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/migrations"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/lobby.yaml", "lobby configuration file; only the database section is used")
	direction := flag.String("direction", "up", "up, down, or status to print the applied account schema version")
	steps := flag.Int("steps", 0, "number of migrations to apply or roll back (0 = all)")
	force := flag.Int("force", -1, "mark the schema as this version without running SQL, clearing a dirty state")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.Named("migrate")

	if cfg.Accounts.Backend != "postgres" {
		logger.Warn("accounts backend is not postgres; the server will not read this schema",
			zap.String("accounts_backend", cfg.Accounts.Backend),
		)
	}

	m, err := migrations.New(cfg.Database.DSN())
	if err != nil {
		logger.Fatal("creating migrator", zap.Error(err))
	}
	defer m.Close()

	switch {
	case *force >= 0:
		err = m.Force(*force)
	case *direction == "status":
		err = nil
	case *direction == "up" && *steps > 0:
		err = m.Steps(*steps)
	case *direction == "up":
		err = m.Up()
	case *direction == "down" && *steps > 0:
		err = m.Steps(-*steps)
	case *direction == "down":
		err = m.Down()
	default:
		logger.Fatal("invalid direction", zap.String("direction", *direction))
	}

	noChange := errors.Is(err, migrate.ErrNoChange)
	if err != nil && !noChange {
		logger.Fatal("migration failed",
			zap.String("direction", *direction),
			zap.Error(err),
		)
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		logger.Fatal("reading schema version", zap.Error(verr))
	}
	logger.Info("account schema",
		zap.String("direction", *direction),
		zap.Bool("changed", !noChange && *direction != "status"),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
		zap.String("database", cfg.Database.Name),
		zap.Duration("elapsed", time.Since(start)),
	)
}
