package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"busmate-tracker/internal/model"
	"busmate-tracker/internal/store"
)

const riderColumns = `rider_id, school_id, name, assigned_bus_id, assigned_route_id, stopping,
  stop_lat, stop_lng, notify_before_minutes, notified, current_trip_id,
  last_notified_trip_id, last_notified_at, fcm_token, language_preference, notification_type`

// riderWhere renders q as a WHERE clause with positional arguments.
func riderWhere(q store.RiderQuery) (string, []any) {
	var conds []string
	var args []any
	eq := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	eq("school_id", q.SchoolID)
	eq("assigned_bus_id", q.BusID)
	if q.RouteID != "" {
		args = append(args, q.RouteID)
		conds = append(conds, fmt.Sprintf("(assigned_route_id = $%d OR assigned_route_id = '')", len(args)))
	}
	eq("current_trip_id", q.TripID)
	if q.OnlyUnnotified {
		conds = append(conds, "notified = false")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRider(row rowScanner) (model.Rider, error) {
	var (
		r              model.Rider
		lat, lng       sql.NullFloat64
		pref           sql.NullInt64
		lastNotifiedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.SchoolID, &r.Name, &r.AssignedBusID, &r.AssignedRouteID, &r.Stopping,
		&lat, &lng, &pref, &r.Notified, &r.CurrentTripID,
		&r.LastNotifiedTripID, &lastNotifiedAt, &r.FCMToken, &r.LanguagePreference, &r.NotificationType)
	if err != nil {
		return r, err
	}
	if lat.Valid && lng.Valid {
		r.StopLocation = &model.LatLng{Lat: lat.Float64, Lng: lng.Float64}
	}
	if pref.Valid {
		n := int(pref.Int64)
		r.NotificationPreferenceByTime = &n
	}
	if lastNotifiedAt.Valid {
		t := lastNotifiedAt.Time
		r.LastNotifiedAt = &t
	}
	return r, nil
}

func (p *Postgres) QueryRiders(ctx context.Context, q store.RiderQuery) ([]model.Rider, error) {
	where, args := riderWhere(q)
	rows, err := p.db.QueryContext(ctx, "SELECT "+riderColumns+" FROM riders"+where+" ORDER BY rider_id", args...)
	if err != nil {
		return nil, fmt.Errorf("query riders: %w", err)
	}
	defer rows.Close()

	var out []model.Rider
	for rows.Next() {
		r, err := scanRider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) GetRider(ctx context.Context, schoolID, riderID string) (*model.Rider, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+riderColumns+" FROM riders WHERE school_id = $1 AND rider_id = $2", schoolID, riderID)
	r, err := scanRider(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rider %s/%s: %w", schoolID, riderID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rider: %w", err)
	}
	return &r, nil
}

const (
	resetRiderSQL = `UPDATE riders
SET notified = false, current_trip_id = $3, last_notified_trip_id = '', last_notified_at = NULL
WHERE school_id = $1 AND rider_id = $2`
	markRiderSQL = `UPDATE riders
SET notified = true, last_notified_trip_id = $3, last_notified_at = $4
WHERE school_id = $1 AND rider_id = $2`
)

// BatchUpdateRiders applies every update in one transaction; a missing rider
// rolls the whole batch back.
func (p *Postgres) BatchUpdateRiders(ctx context.Context, updates []store.RiderUpdate) error {
	if len(updates) > store.MaxBatchOps {
		return fmt.Errorf("%d updates: %w", len(updates), store.ErrBatchTooLarge)
	}
	if len(updates) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rider batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range updates {
		var res sql.Result
		switch u.Op {
		case store.OpResetForTrip:
			res, err = tx.ExecContext(ctx, resetRiderSQL, u.SchoolID, u.RiderID, u.TripID)
		case store.OpMarkNotified:
			res, err = tx.ExecContext(ctx, markRiderSQL, u.SchoolID, u.RiderID, u.TripID, u.At)
		default:
			return fmt.Errorf("rider %s: unknown op %v", u.RiderID, u.Op)
		}
		if err != nil {
			return fmt.Errorf("rider %s %v: %w", u.RiderID, u.Op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("rider %s/%s: %w", u.SchoolID, u.RiderID, store.ErrNotFound)
		}
	}
	return tx.Commit()
}

// UpsertRider writes a rider profile. Used by seeding tools and tests.
func (p *Postgres) UpsertRider(ctx context.Context, r model.Rider) error {
	var lat, lng sql.NullFloat64
	if r.StopLocation != nil {
		lat = sql.NullFloat64{Float64: r.StopLocation.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: r.StopLocation.Lng, Valid: true}
	}
	var pref sql.NullInt64
	if r.NotificationPreferenceByTime != nil {
		pref = sql.NullInt64{Int64: int64(*r.NotificationPreferenceByTime), Valid: true}
	}
	var at sql.NullTime
	if r.LastNotifiedAt != nil {
		at = sql.NullTime{Time: *r.LastNotifiedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO riders (`+riderColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (school_id, rider_id) DO UPDATE SET
  name = EXCLUDED.name, assigned_bus_id = EXCLUDED.assigned_bus_id,
  assigned_route_id = EXCLUDED.assigned_route_id, stopping = EXCLUDED.stopping,
  stop_lat = EXCLUDED.stop_lat, stop_lng = EXCLUDED.stop_lng,
  notify_before_minutes = EXCLUDED.notify_before_minutes, notified = EXCLUDED.notified,
  current_trip_id = EXCLUDED.current_trip_id, last_notified_trip_id = EXCLUDED.last_notified_trip_id,
  last_notified_at = EXCLUDED.last_notified_at, fcm_token = EXCLUDED.fcm_token,
  language_preference = EXCLUDED.language_preference, notification_type = EXCLUDED.notification_type`,
		r.ID, r.SchoolID, r.Name, r.AssignedBusID, r.AssignedRouteID, r.Stopping,
		lat, lng, pref, r.Notified, r.CurrentTripID,
		r.LastNotifiedTripID, at, r.FCMToken, r.LanguagePreference, r.NotificationType)
	if err != nil {
		return fmt.Errorf("upsert rider %s: %w", r.ID, err)
	}
	return nil
}
