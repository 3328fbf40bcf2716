package db

import (
	"fmt"

	"gorm.io/gorm"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS anpr_events (
		id              BIGSERIAL PRIMARY KEY,
		event_time      TIMESTAMPTZ NOT NULL,
		channel         TEXT NOT NULL,
		plate           TEXT NOT NULL,
		plate_upper     TEXT NOT NULL,
		confidence      DOUBLE PRECISION NOT NULL,
		source          TEXT NOT NULL,
		meta            JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_events_event_time ON anpr_events(event_time);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_events_channel ON anpr_events(channel);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_events_plate_upper ON anpr_events(plate_upper);`,
}

var sqliteMigrations = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA busy_timeout=5000;`,
	`CREATE TABLE IF NOT EXISTS anpr_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event_time      DATETIME NOT NULL,
		channel         TEXT NOT NULL,
		plate           TEXT NOT NULL,
		plate_upper     TEXT NOT NULL,
		confidence      REAL NOT NULL,
		source          TEXT NOT NULL,
		meta            JSON,
		created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_events_event_time ON anpr_events(event_time);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_events_channel ON anpr_events(channel);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_events_plate_upper ON anpr_events(plate_upper);`,
}

func runMigrations(db *gorm.DB, statements []string) error {
	for i, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
