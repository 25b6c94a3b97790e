package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bluele/gcache"

	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/store"
)

// Selection is the route-direction that should be running for a bus now.
type Selection struct {
	ScheduleID string
	RouteName  string
	Direction  model.Direction
	StartTime  string
	EndTime    string
	TripID     string
	// Switched is set when the resolver persisted a change of active route.
	Switched bool
}

type Resolver struct {
	schedules store.ScheduleStore
	buses     store.BusStore
	cache     gcache.Cache
	tz        *time.Location
	logger    *slog.Logger
}

func NewResolver(schedules store.ScheduleStore, buses store.BusStore, tz *time.Location, ttl time.Duration, size int, logger *slog.Logger) *Resolver {
	if tz == nil {
		tz = time.Local
	}
	return &Resolver{
		schedules: schedules,
		buses:     buses,
		cache:     gcache.New(size).LRU().Expiration(ttl).Build(),
		tz:        tz,
		logger:    logging.Component(logger, "schedule_resolver"),
	}
}

func cacheKey(schoolID, busID string) string { return schoolID + "/" + busID }

// Schedules returns the bus's schedules ordered by ID, reading the durable
// store only on a cache miss.
func (r *Resolver) Schedules(ctx context.Context, schoolID, busID string) ([]model.RouteSchedule, error) {
	k := cacheKey(schoolID, busID)
	if v, err := r.cache.Get(k); err == nil {
		return v.([]model.RouteSchedule), nil
	}
	list, err := r.schedules.SchedulesForBus(ctx, schoolID, busID)
	if err != nil {
		return nil, fmt.Errorf("load schedules for %s: %w", k, err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	_ = r.cache.Set(k, list)
	return list, nil
}

// Schedule looks up one schedule of the bus by ID.
func (r *Resolver) Schedule(ctx context.Context, schoolID, busID, scheduleID string) (*model.RouteSchedule, error) {
	list, err := r.Schedules(ctx, schoolID, busID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == scheduleID {
			s := list[i]
			return &s, nil
		}
	}
	// A schedule created after the cache was filled: drop the entry and retry once.
	r.Invalidate(schoolID, busID)
	list, err = r.Schedules(ctx, schoolID, busID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == scheduleID {
			s := list[i]
			return &s, nil
		}
	}
	return nil, fmt.Errorf("schedule %s for %s: %w", scheduleID, cacheKey(schoolID, busID), store.ErrNotFound)
}

// Invalidate drops the cached schedules of a bus.
func (r *Resolver) Invalidate(schoolID, busID string) {
	r.cache.Remove(cacheKey(schoolID, busID))
}

// DetermineActiveRoute decides which schedule should be active for loc at now.
// It returns nil when no schedule covers the current time. When the answer
// differs from the route recorded on loc the switch is persisted immediately
// and loc is refreshed in place.
func (r *Resolver) DetermineActiveRoute(ctx context.Context, loc *model.BusLocation, now time.Time) (*Selection, error) {
	now = now.In(r.tz)
	clock := FormatClock(now)

	if loc.ActiveRouteID != "" && loc.ScheduleStartTime != "" && loc.ScheduleEndTime != "" &&
		IsWithinWindow(clock, loc.ScheduleStartTime, loc.ScheduleEndTime) {
		return &Selection{
			ScheduleID: loc.ActiveRouteID,
			RouteName:  loc.RouteName,
			Direction:  loc.TripDirection,
			StartTime:  loc.ScheduleStartTime,
			EndTime:    loc.ScheduleEndTime,
			TripID:     TripID(loc.ActiveRouteID, ServiceDate(now, loc.ScheduleStartTime, loc.ScheduleEndTime), loc.ScheduleStartTime),
		}, nil
	}

	list, err := r.Schedules(ctx, loc.SchoolID, loc.BusID)
	if err != nil {
		return nil, err
	}
	match := r.firstMatch(list, now)
	if match == nil {
		return nil, nil
	}

	sel := &Selection{
		ScheduleID: match.ID,
		RouteName:  match.RouteName,
		Direction:  match.Direction,
		StartTime:  match.StartTime,
		EndTime:    match.EndTime,
		TripID:     TripID(match.ID, ServiceDate(now, match.StartTime, match.EndTime), match.StartTime),
	}
	if match.ID == loc.ActiveRouteID && match.StartTime == loc.ScheduleStartTime && match.EndTime == loc.ScheduleEndTime {
		return sel, nil
	}

	_, after, err := r.buses.UpdateBus(ctx, loc.SchoolID, loc.BusID, func(b *model.BusLocation) error {
		b.ActiveRouteID = match.ID
		b.RouteName = match.RouteName
		b.TripDirection = match.Direction
		b.ScheduleStartTime = match.StartTime
		b.ScheduleEndTime = match.EndTime
		b.IsWithinTripWindow = sel.TripID != b.LastCompletedTripID
		b.AllStudentsNotified = false
		b.NoPendingStudents = false
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist route switch: %w", err)
	}
	r.logger.Info("active route switched",
		slog.String("school", loc.SchoolID),
		slog.String("bus", loc.BusID),
		slog.String("from", loc.ActiveRouteID),
		slog.String("to", match.ID),
		slog.String("direction", string(match.Direction)))
	*loc = *after
	sel.Switched = true
	return sel, nil
}

// firstMatch scans schedules in ID order. Overlapping windows for one bus are
// a data error; the first one wins.
func (r *Resolver) firstMatch(list []model.RouteSchedule, now time.Time) *model.RouteSchedule {
	clock := FormatClock(now)
	today := model.WeekdayOf(now)
	for i := range list {
		s := &list[i]
		if !s.IsActive {
			continue
		}
		day := today
		// The post-midnight tail of an overnight window belongs to the previous day's service.
		if !ServiceDate(now, s.StartTime, s.EndTime).Equal(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())) {
			day = model.WeekdayOf(now.AddDate(0, 0, -1))
		}
		if !s.DaysOfWeek.Has(day) {
			continue
		}
		if IsWithinWindow(clock, s.StartTime, s.EndTime) {
			return s
		}
	}
	return nil
}
