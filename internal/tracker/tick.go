package tracker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/trip"
)

// Tick advances every bus once: stale GPS stand-down, trip end before trip
// start, then ETA refresh or decrement and notifications. A failing bus is
// logged and never stops the others.
func (t *Tracker) Tick(ctx context.Context) {
	start := time.Now()
	runID := uuid.NewString()
	logger := t.logger.With(slog.String("tick", runID))

	buses, err := t.buses.AllBuses(ctx)
	if err != nil {
		logging.LogError(logger, "list buses", err)
		return
	}

	workers := t.tuning.BusWorkers
	if workers <= 0 {
		workers = 1
	}
	var active atomic.Int64
	var g errgroup.Group
	g.SetLimit(workers)
	for _, b := range buses {
		g.Go(func() error {
			if t.tickBus(ctx, logger, b.SchoolID, b.BusID) {
				active.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if t.metrics != nil {
		t.metrics.ActiveTrips.Set(float64(active.Load()))
		t.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
	logging.LogOperation(logger, "tick_completed",
		slog.Int("buses", len(buses)),
		slog.Int64("active_trips", active.Load()),
		slog.Duration("duration", time.Since(start)))
}

// tickBus reports whether the bus has a trip running after the tick.
func (t *Tracker) tickBus(ctx context.Context, logger *slog.Logger, schoolID, busID string) bool {
	unlock := t.lock(schoolID, busID)
	defer unlock()

	loc, err := t.buses.GetBus(ctx, schoolID, busID)
	if err != nil {
		logging.LogError(logger, "load bus", err, slog.String("school", schoolID), slog.String("bus", busID))
		return false
	}
	now := t.now()

	if loc.IsActive && t.isStale(loc, now) {
		loc = t.standDown(ctx, logger, loc)
	}

	sel, err := t.resolver.DetermineActiveRoute(ctx, loc, now)
	if err != nil {
		logging.LogError(logger, "resolve active route", err, slog.String("bus", busID))
		return loc.HasActiveTrip()
	}

	// End is evaluated before Start so a back-to-back trip is not overwritten.
	if loc.CurrentTripID != "" && (sel == nil || sel.TripID != loc.CurrentTripID) {
		reason := trip.EndRouteSwitched
		if sel == nil {
			reason = trip.EndWindowClosed
		}
		ended := busEvent(model.EventTripEnded, loc)
		ended.Reason = string(reason)
		if loc, err = t.trips.End(ctx, loc, reason); err != nil {
			logging.LogError(logger, "end trip", err, slog.String("bus", busID))
			return false
		}
		t.emit(ctx, ended)
		if sel == nil && t.metrics != nil {
			t.metrics.BusesStoodDown.WithLabelValues("no_active_route").Inc()
		}
	}
	if sel == nil {
		return false
	}

	loc = t.startTrip(ctx, loc, sel)
	if !loc.HasActiveTrip() {
		return false
	}
	if !loc.IsActive {
		return true
	}

	if t.eta.RefreshDue(loc, now) {
		loc, err = t.eta.RefreshETAs(ctx, loc, now)
	} else {
		loc, err = t.eta.DecrementETAs(ctx, loc, now)
	}
	if err != nil {
		logging.LogError(logger, "update etas", err, slog.String("bus", busID))
	}
	t.notifyRiders(ctx, loc)
	return true
}

func (t *Tracker) isStale(loc *model.BusLocation, now time.Time) bool {
	last := loc.LastUpdateTimestamp
	if last.IsZero() {
		last = loc.Position.Timestamp
	}
	return !last.IsZero() && now.Sub(last) > t.tuning.StaleAfter
}

func (t *Tracker) standDown(ctx context.Context, logger *slog.Logger, loc *model.BusLocation) *model.BusLocation {
	_, after, err := t.buses.UpdateBus(ctx, loc.SchoolID, loc.BusID, func(b *model.BusLocation) error {
		b.IsActive = false
		b.InactiveReason = InactiveStaleGPS
		return nil
	})
	if err != nil {
		logging.LogError(logger, "mark bus inactive", err, slog.String("bus", loc.BusID))
		return loc
	}
	if t.metrics != nil {
		t.metrics.BusesStoodDown.WithLabelValues(InactiveStaleGPS).Inc()
	}
	logger.Warn("bus marked inactive",
		slog.String("school", loc.SchoolID),
		slog.String("bus", loc.BusID),
		slog.String("reason", InactiveStaleGPS),
		slog.Time("last_update", loc.LastUpdateTimestamp))
	ev := busEvent(model.EventBusInactive, after)
	ev.Reason = InactiveStaleGPS
	t.emit(ctx, ev)
	return after
}
