package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"anpr-monitor/internal/config"
)

// Open connects to the configured event store and applies migrations.
func Open(cfg config.DatabaseConfig, log zerolog.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	var (
		dialector  gorm.Dialector
		migrations []string
	)
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
		migrations = postgresMigrations
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
		migrations = sqliteMigrations
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
		}
		// one connection keeps in-memory databases shared and writes ordered
		sqlDB.SetMaxOpenConns(1)
	}

	if err := runMigrations(db, migrations); err != nil {
		return nil, err
	}

	log.Info().Str("driver", cfg.Driver).Msg("event store ready")
	return db, nil
}
