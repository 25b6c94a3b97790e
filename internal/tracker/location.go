package tracker

import (
	"context"
	"errors"
	"log/slog"

	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/store"
)

// samePosition reports whether a write changed nothing but freshness.
func samePosition(before, after *model.BusLocation) bool {
	if before == nil || after == nil {
		return false
	}
	return before.Position.Lat == after.Position.Lat &&
		before.Position.Lng == after.Position.Lng &&
		before.IsActive == after.IsActive
}

// HandleLocationWrite reacts to one write of a bus location: it starts a trip
// if the bus has none, removes reached stops, refreshes ETAs when the provider
// interval has passed and notifies riders. It never decrements ETAs.
func (t *Tracker) HandleLocationWrite(ctx context.Context, ev model.LocationEvent) error {
	if ev.After == nil || samePosition(ev.Before, ev.After) {
		return nil
	}
	unlock := t.lock(ev.SchoolID, ev.BusID)
	defer unlock()

	loc, err := t.buses.GetBus(ctx, ev.SchoolID, ev.BusID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !loc.IsActive {
		logging.LogSkip(t.logger, "bus", loc.BusID, "inactive")
		return nil
	}
	now := t.now()

	if loc.CurrentTripID == "" {
		sel, err := t.resolver.DetermineActiveRoute(ctx, loc, now)
		if err != nil {
			return err
		}
		if sel == nil {
			logging.LogSkip(t.logger, "bus", loc.BusID, "no_active_route")
			return nil
		}
		loc = t.startTrip(ctx, loc, sel)
	}
	if !loc.HasActiveTrip() {
		return nil
	}

	loc, ok := t.handleArrival(ctx, loc)
	if !ok {
		return nil
	}

	if t.eta.RefreshDue(loc, now) {
		if loc, err = t.eta.RefreshETAs(ctx, loc, now); err != nil {
			logging.LogError(t.logger, "refresh etas", err, slog.String("bus", loc.BusID))
		}
	}
	t.notifyRiders(ctx, loc)
	return nil
}
