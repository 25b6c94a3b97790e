package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/store"
)

// Postgres implements the rider, schedule and bus stores on one database.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	return &Postgres{db: db, logger: logging.Component(logger, "postgres")}
}

func decodeBus(raw []byte) (*model.BusLocation, error) {
	var b model.BusLocation
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bus document: %w", err)
	}
	return &b, nil
}

func (p *Postgres) GetBus(ctx context.Context, schoolID, busID string) (*model.BusLocation, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM bus_locations WHERE school_id = $1 AND bus_id = $2`,
		schoolID, busID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bus %s/%s: %w", schoolID, busID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bus: %w", err)
	}
	return decodeBus(raw)
}

// UpdateBus is a read-modify-write of one bus document under a row lock. A
// missing document starts from an empty BusLocation.
func (p *Postgres) UpdateBus(ctx context.Context, schoolID, busID string, fn store.BusUpdateFunc) (*model.BusLocation, *model.BusLocation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin bus update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		raw    []byte
		before *model.BusLocation
	)
	err = tx.QueryRowContext(ctx, `SELECT doc FROM bus_locations WHERE school_id = $1 AND bus_id = $2 FOR UPDATE`,
		schoolID, busID).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, nil, fmt.Errorf("lock bus: %w", err)
	default:
		if before, err = decodeBus(raw); err != nil {
			return nil, nil, err
		}
	}

	working := before.Clone()
	if working == nil {
		working = &model.BusLocation{}
	}
	if err := fn(working); err != nil {
		return before, nil, err
	}
	working.SchoolID, working.BusID = schoolID, busID

	doc, err := json.Marshal(working)
	if err != nil {
		return before, nil, fmt.Errorf("encode bus document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO bus_locations (school_id, bus_id, doc, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (school_id, bus_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		schoolID, busID, doc); err != nil {
		return before, nil, fmt.Errorf("write bus: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return before, nil, fmt.Errorf("commit bus update: %w", err)
	}
	return before, working, nil
}

func (p *Postgres) AllBuses(ctx context.Context) ([]model.BusLocation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM bus_locations ORDER BY school_id, bus_id`)
	if err != nil {
		return nil, fmt.Errorf("query buses: %w", err)
	}
	defer rows.Close()

	var out []model.BusLocation
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		b, err := decodeBus(raw)
		if err != nil {
			p.logger.Warn("skip undecodable bus document", slog.String("error", err.Error()))
			continue
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

var (
	_ store.RiderStore    = (*Postgres)(nil)
	_ store.ScheduleStore = (*Postgres)(nil)
	_ store.BusStore      = (*Postgres)(nil)
)
