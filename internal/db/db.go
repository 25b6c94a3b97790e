package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS riders (
  school_id             TEXT NOT NULL,
  rider_id              TEXT NOT NULL,
  name                  TEXT NOT NULL DEFAULT '',
  assigned_bus_id       TEXT NOT NULL DEFAULT '',
  assigned_route_id     TEXT NOT NULL DEFAULT '',
  stopping              TEXT NOT NULL DEFAULT '',
  stop_lat              DOUBLE PRECISION,
  stop_lng              DOUBLE PRECISION,
  notify_before_minutes INTEGER,
  notified              BOOLEAN NOT NULL DEFAULT false,
  current_trip_id       TEXT NOT NULL DEFAULT '',
  last_notified_trip_id TEXT NOT NULL DEFAULT '',
  last_notified_at      TIMESTAMPTZ,
  fcm_token             TEXT NOT NULL DEFAULT '',
  language_preference   TEXT NOT NULL DEFAULT '',
  notification_type     TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (school_id, rider_id)
)`,
	`CREATE INDEX IF NOT EXISTS riders_bus_trip_idx
  ON riders (school_id, assigned_bus_id, current_trip_id, notified)`,
	`CREATE TABLE IF NOT EXISTS route_schedules (
  school_id    TEXT NOT NULL,
  schedule_id  TEXT NOT NULL,
  bus_id       TEXT NOT NULL,
  route_name   TEXT NOT NULL DEFAULT '',
  direction    TEXT NOT NULL DEFAULT 'pickup',
  days_of_week JSONB NOT NULL DEFAULT '[]',
  start_time   TEXT NOT NULL,
  end_time     TEXT NOT NULL,
  stops        JSONB NOT NULL DEFAULT '[]',
  is_active    BOOLEAN NOT NULL DEFAULT true,
  PRIMARY KEY (school_id, schedule_id)
)`,
	`CREATE INDEX IF NOT EXISTS route_schedules_bus_idx ON route_schedules (school_id, bus_id)`,
	`CREATE TABLE IF NOT EXISTS bus_locations (
  school_id  TEXT NOT NULL,
  bus_id     TEXT NOT NULL,
  doc        JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (school_id, bus_id)
)`,
}

// Migrate creates the tracker tables when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
