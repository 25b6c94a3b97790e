package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busmate-tracker/internal/model"
)

func TestMemoryRiderQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutRider(model.Rider{ID: "a", SchoolID: "s", AssignedBusID: "b1", CurrentTripID: "t1"})
	m.PutRider(model.Rider{ID: "b", SchoolID: "s", AssignedBusID: "b1", CurrentTripID: "t1", Notified: true})
	m.PutRider(model.Rider{ID: "c", SchoolID: "s", AssignedBusID: "b1", AssignedRouteID: "r2", CurrentTripID: "t0"})
	m.PutRider(model.Rider{ID: "d", SchoolID: "s", AssignedBusID: "b2", CurrentTripID: "t1"})

	got, err := m.QueryRiders(ctx, RiderQuery{SchoolID: "s", BusID: "b1", TripID: "t1", OnlyUnnotified: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	m.PutRider(model.Rider{ID: "e", SchoolID: "s", AssignedBusID: "b1", AssignedRouteID: "r1"})
	got, err = m.QueryRiders(ctx, RiderQuery{SchoolID: "s", BusID: "b1", RouteID: "r2"})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids, "unassigned riders ride every route")
}

func TestMemoryBatchUpdateRiders(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutRider(model.Rider{ID: "a", SchoolID: "s", Notified: true, LastNotifiedTripID: "old"})

	now := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)

	t.Run("reset then mark notified", func(t *testing.T) {
		require.NoError(t, m.BatchUpdateRiders(ctx, []RiderUpdate{{SchoolID: "s", RiderID: "a", Op: OpResetForTrip, TripID: "t1"}}))
		r, err := m.GetRider(ctx, "s", "a")
		require.NoError(t, err)
		assert.False(t, r.Notified)
		assert.Equal(t, "t1", r.CurrentTripID)
		assert.Empty(t, r.LastNotifiedTripID)
		assert.Nil(t, r.LastNotifiedAt)

		require.NoError(t, m.BatchUpdateRiders(ctx, []RiderUpdate{{SchoolID: "s", RiderID: "a", Op: OpMarkNotified, TripID: "t1", At: now}}))
		r, err = m.GetRider(ctx, "s", "a")
		require.NoError(t, err)
		assert.True(t, r.Notified)
		assert.True(t, r.AlreadyNotifiedFor("t1"))
	})

	t.Run("unknown rider aborts whole batch", func(t *testing.T) {
		err := m.BatchUpdateRiders(ctx, []RiderUpdate{
			{SchoolID: "s", RiderID: "a", Op: OpResetForTrip, TripID: "t2"},
			{SchoolID: "s", RiderID: "ghost", Op: OpResetForTrip, TripID: "t2"},
		})
		assert.True(t, errors.Is(err, ErrNotFound))
		r, _ := m.GetRider(ctx, "s", "a")
		assert.Equal(t, "t1", r.CurrentTripID)
	})

	t.Run("refuses oversized batch", func(t *testing.T) {
		updates := make([]RiderUpdate, MaxBatchOps+1)
		err := m.BatchUpdateRiders(ctx, updates)
		assert.True(t, errors.Is(err, ErrBatchTooLarge))
	})
}

func TestMemoryUpdateBus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	before, after, err := m.UpdateBus(ctx, "s", "b1", func(loc *model.BusLocation) error {
		loc.IsActive = true
		loc.RemainingStops = []model.Stop{{Name: "A"}}
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, before)
	assert.True(t, after.IsActive)

	after.RemainingStops[0].Name = "mutated outside"
	stored, err := m.GetBus(ctx, "s", "b1")
	require.NoError(t, err)
	assert.Equal(t, "A", stored.RemainingStops[0].Name)

	_, _, err = m.UpdateBus(ctx, "s", "b1", func(loc *model.BusLocation) error {
		loc.IsActive = false
		return errors.New("abort")
	})
	assert.Error(t, err)
	stored, _ = m.GetBus(ctx, "s", "b1")
	assert.True(t, stored.IsActive)

	all, err := m.AllBuses(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = m.GetBus(ctx, "s", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
