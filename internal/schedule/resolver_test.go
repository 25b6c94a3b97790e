package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busmate-tracker/internal/model"
	"busmate-tracker/internal/store"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func newResolver(mem *store.Memory) *Resolver {
	return NewResolver(mem, mem, ist, time.Minute, 16, nil)
}

func weekdays() model.WeekdaySet {
	return model.NewWeekdaySet(model.Monday, model.Tuesday, model.Wednesday, model.Thursday, model.Friday)
}

func TestDetermineActiveRoutePersistsSwitch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.PutSchedule(model.RouteSchedule{ID: "am", SchoolID: "s", BusID: "b", RouteName: "North", Direction: model.DirectionPickup,
		DaysOfWeek: weekdays(), StartTime: "07:00", EndTime: "08:30", IsActive: true})
	mem.PutSchedule(model.RouteSchedule{ID: "pm", SchoolID: "s", BusID: "b", RouteName: "North", Direction: model.DirectionDrop,
		DaysOfWeek: weekdays(), StartTime: "15:00", EndTime: "16:30", IsActive: true})
	mem.PutBus(model.BusLocation{SchoolID: "s", BusID: "b", IsActive: true, NoPendingStudents: true})

	r := newResolver(mem)
	loc, err := mem.GetBus(ctx, "s", "b")
	require.NoError(t, err)

	now := time.Date(2026, 10, 19, 7, 15, 0, 0, ist) // Monday
	sel, err := r.DetermineActiveRoute(ctx, loc, now)
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "am", sel.ScheduleID)
	assert.Equal(t, "am_2026-10-19_07:00", sel.TripID)
	assert.True(t, sel.Switched)
	assert.Equal(t, "am", loc.ActiveRouteID)
	assert.False(t, loc.NoPendingStudents)

	stored, err := mem.GetBus(ctx, "s", "b")
	require.NoError(t, err)
	assert.Equal(t, "am", stored.ActiveRouteID)
	assert.Equal(t, "08:30", stored.ScheduleEndTime)

	// Cached window still valid: no switch.
	sel, err = r.DetermineActiveRoute(ctx, loc, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.False(t, sel.Switched)
	assert.Equal(t, "am", sel.ScheduleID)

	sel, err = r.DetermineActiveRoute(ctx, loc, time.Date(2026, 10, 19, 15, 5, 0, 0, ist))
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "pm", sel.ScheduleID)
	assert.Equal(t, model.DirectionDrop, sel.Direction)
	assert.True(t, sel.Switched)
}

func TestDetermineActiveRouteNoMatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.PutSchedule(model.RouteSchedule{ID: "am", SchoolID: "s", BusID: "b", DaysOfWeek: weekdays(),
		StartTime: "07:00", EndTime: "08:30", IsActive: true})
	mem.PutSchedule(model.RouteSchedule{ID: "off", SchoolID: "s", BusID: "b", DaysOfWeek: weekdays(),
		StartTime: "10:00", EndTime: "11:00", IsActive: false})
	r := newResolver(mem)

	loc := &model.BusLocation{SchoolID: "s", BusID: "b"}
	// Saturday
	sel, err := r.DetermineActiveRoute(ctx, loc, time.Date(2026, 10, 17, 7, 15, 0, 0, ist))
	require.NoError(t, err)
	assert.Nil(t, sel)

	// Inactive schedule
	sel, err = r.DetermineActiveRoute(ctx, loc, time.Date(2026, 10, 19, 10, 15, 0, 0, ist))
	require.NoError(t, err)
	assert.Nil(t, sel)
}

func TestDetermineActiveRouteOvernightUsesPreviousDay(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.PutSchedule(model.RouteSchedule{ID: "late", SchoolID: "s", BusID: "b", Direction: model.DirectionDrop,
		DaysOfWeek: model.NewWeekdaySet(model.Monday), StartTime: "23:00", EndTime: "01:00", IsActive: true})
	r := newResolver(mem)

	loc := &model.BusLocation{SchoolID: "s", BusID: "b"}
	// Tuesday 00:30 belongs to Monday's service.
	sel, err := r.DetermineActiveRoute(ctx, loc, time.Date(2026, 10, 20, 0, 30, 0, 0, ist))
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "late_2026-10-19_23:00", sel.TripID)
}

func TestScheduleCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.PutSchedule(model.RouteSchedule{ID: "a", SchoolID: "s", BusID: "b", IsActive: true})
	r := newResolver(mem)

	list, err := r.Schedules(ctx, "s", "b")
	require.NoError(t, err)
	require.Len(t, list, 1)

	mem.PutSchedule(model.RouteSchedule{ID: "c", SchoolID: "s", BusID: "b", IsActive: true})
	list, err = r.Schedules(ctx, "s", "b")
	require.NoError(t, err)
	assert.Len(t, list, 1, "served from cache")

	sch, err := r.Schedule(ctx, "s", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, "c", sch.ID)

	_, err = r.Schedule(ctx, "s", "b", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDetermineActiveRouteAfterCompletedTrip(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.PutSchedule(model.RouteSchedule{ID: "am", SchoolID: "s", BusID: "b", Direction: model.DirectionPickup,
		DaysOfWeek: weekdays(), StartTime: "07:00", EndTime: "08:30", IsActive: true})
	mem.PutBus(model.BusLocation{SchoolID: "s", BusID: "b", InactiveReason: "trip_completed",
		LastCompletedTripID: "am_2026-10-19_07:00"})
	r := newResolver(mem)

	loc, err := mem.GetBus(ctx, "s", "b")
	require.NoError(t, err)
	sel, err := r.DetermineActiveRoute(ctx, loc, time.Date(2026, 10, 19, 8, 0, 0, 0, ist))
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "am", loc.ActiveRouteID)
	assert.False(t, loc.IsWithinTripWindow, "completed trip window is not reopened")

	loc, err = mem.GetBus(ctx, "s", "b")
	require.NoError(t, err)
	sel, err = r.DetermineActiveRoute(ctx, loc, time.Date(2026, 10, 20, 7, 5, 0, 0, ist))
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "am_2026-10-20_07:00", sel.TripID)
}
