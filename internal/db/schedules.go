package db

import (
	"context"
	"encoding/json"
	"fmt"

	"busmate-tracker/internal/model"
)

// decodeSchedule fills the JSONB columns of a schedule row. days_of_week
// accepts every legacy shape model.ParseWeekdays understands.
func decodeSchedule(s *model.RouteSchedule, direction string, days, stops []byte) error {
	s.Direction = model.ParseDirection(direction)
	if len(days) > 0 {
		if err := json.Unmarshal(days, &s.DaysOfWeek); err != nil {
			return fmt.Errorf("schedule %s days_of_week: %w", s.ID, err)
		}
	}
	if len(stops) > 0 {
		if err := json.Unmarshal(stops, &s.Stops); err != nil {
			return fmt.Errorf("schedule %s stops: %w", s.ID, err)
		}
	}
	return nil
}

func (p *Postgres) SchedulesForBus(ctx context.Context, schoolID, busID string) ([]model.RouteSchedule, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT schedule_id, school_id, bus_id, route_name, direction,
  days_of_week, start_time, end_time, stops, is_active
FROM route_schedules WHERE school_id = $1 AND bus_id = $2 ORDER BY schedule_id`, schoolID, busID)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []model.RouteSchedule
	for rows.Next() {
		var (
			s           model.RouteSchedule
			direction   string
			days, stops []byte
		)
		if err := rows.Scan(&s.ID, &s.SchoolID, &s.BusID, &s.RouteName, &direction,
			&days, &s.StartTime, &s.EndTime, &stops, &s.IsActive); err != nil {
			return nil, err
		}
		if err := decodeSchedule(&s, direction, days, stops); err != nil {
			// A malformed schedule is skipped, not fatal for the bus.
			p.logger.Warn("skip malformed schedule", "schedule", s.ID, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertSchedule writes an admin-authored schedule.
func (p *Postgres) UpsertSchedule(ctx context.Context, s model.RouteSchedule) error {
	days, err := json.Marshal(s.DaysOfWeek)
	if err != nil {
		return err
	}
	stops, err := json.Marshal(s.Stops)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO route_schedules
  (schedule_id, school_id, bus_id, route_name, direction, days_of_week, start_time, end_time, stops, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (school_id, schedule_id) DO UPDATE SET
  bus_id = EXCLUDED.bus_id, route_name = EXCLUDED.route_name, direction = EXCLUDED.direction,
  days_of_week = EXCLUDED.days_of_week, start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
  stops = EXCLUDED.stops, is_active = EXCLUDED.is_active`,
		s.ID, s.SchoolID, s.BusID, s.RouteName, string(s.Direction), days, s.StartTime, s.EndTime, stops, s.IsActive)
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", s.ID, err)
	}
	return nil
}
