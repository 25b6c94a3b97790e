// Package tracker wires the trip state machine to its two triggers: a write
// of a bus location and the fixed-interval clock tick.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"busmate-tracker/internal/config"
	"busmate-tracker/internal/eta"
	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/metrics"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/notify"
	"busmate-tracker/internal/schedule"
	"busmate-tracker/internal/store"
	"busmate-tracker/internal/trip"
)

// InactiveStaleGPS is recorded on a bus that stopped reporting positions.
const InactiveStaleGPS = "stale_gps"

// EventPublisher receives trip lifecycle events. Delivery is best effort.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev model.TripEvent) error
}

type Deps struct {
	Buses     store.BusStore
	Resolver  *schedule.Resolver
	Trips     *trip.Manager
	ETA       *eta.Engine
	Notifier  *notify.Dispatcher
	Events    EventPublisher
	Tuning    config.Tuning
	TickEvery time.Duration
	Metrics   *metrics.Collector
	Logger    *slog.Logger

	// Now overrides the wall clock of the tracker and its components.
	Now func() time.Time
}

type Tracker struct {
	buses    store.BusStore
	resolver *schedule.Resolver
	trips    *trip.Manager
	eta      *eta.Engine
	notifier *notify.Dispatcher
	events   EventPublisher
	tuning   config.Tuning
	interval time.Duration
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	locks sync.Map // school/bus -> *sync.Mutex

	tickCancel context.CancelFunc
	tickWG     sync.WaitGroup
}

func New(d Deps) *Tracker {
	t := &Tracker{
		buses:    d.Buses,
		resolver: d.Resolver,
		trips:    d.Trips,
		eta:      d.ETA,
		notifier: d.Notifier,
		events:   d.Events,
		tuning:   d.Tuning,
		interval: d.TickEvery,
		metrics:  d.Metrics,
		logger:   logging.Component(d.Logger, "tracker"),
		now:      time.Now,
	}
	if d.Now != nil {
		t.now = d.Now
		if d.Trips != nil {
			d.Trips.SetClock(d.Now)
		}
		if d.Notifier != nil {
			d.Notifier.SetClock(d.Now)
		}
	}
	return t
}

func (t *Tracker) lock(schoolID, busID string) func() {
	v, _ := t.locks.LoadOrStore(schoolID+"/"+busID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (t *Tracker) emit(ctx context.Context, ev model.TripEvent) {
	if t.events == nil {
		return
	}
	ev.ID = uuid.NewString()
	if ev.At.IsZero() {
		ev.At = t.now()
	}
	if err := t.events.PublishEvent(ctx, ev); err != nil {
		logging.LogError(t.logger, "publish trip event", err,
			slog.String("type", string(ev.Type)), slog.String("bus", ev.BusID))
	}
}

func busEvent(typ model.TripEventType, loc *model.BusLocation) model.TripEvent {
	return model.TripEvent{
		Type:      typ,
		SchoolID:  loc.SchoolID,
		BusID:     loc.BusID,
		TripID:    loc.CurrentTripID,
		RouteID:   loc.ActiveRouteID,
		Direction: loc.TripDirection,
	}
}

// StartTicker runs Tick immediately and then every interval until Stop or
// ctx is cancelled.
func (t *Tracker) StartTicker(parent context.Context) {
	if t.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	t.tickCancel = cancel
	t.tickWG.Add(1)
	go func() {
		defer t.tickWG.Done()
		t.Tick(ctx)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Tick(ctx)
			}
		}
	}()
}

func (t *Tracker) Stop() {
	if t.tickCancel != nil {
		t.tickCancel()
	}
	t.tickWG.Wait()
}

// notifyRiders runs the dispatcher for loc and reports deliveries.
func (t *Tracker) notifyRiders(ctx context.Context, loc *model.BusLocation) {
	if !loc.HasActiveTrip() || loc.AllStudentsNotified || loc.NoPendingStudents {
		return
	}
	res, err := t.notifier.ProcessNotifications(ctx, loc)
	if err != nil {
		logging.LogError(t.logger, "process notifications", err,
			slog.String("school", loc.SchoolID), slog.String("bus", loc.BusID))
		return
	}
	for _, id := range res.Sent {
		ev := busEvent(model.EventRiderNotified, loc)
		ev.RiderID = id
		t.emit(ctx, ev)
	}
}

// handleArrival runs stop detection and ends the trip when the list runs out.
// It reports whether processing of this bus should continue.
func (t *Tracker) handleArrival(ctx context.Context, loc *model.BusLocation) (*model.BusLocation, bool) {
	after, arr, err := t.eta.DetectStopArrival(ctx, loc)
	if err != nil {
		logging.LogError(t.logger, "detect stop arrival", err, slog.String("bus", loc.BusID))
		return loc, false
	}
	for _, s := range arr.Removed {
		ev := busEvent(model.EventStopPassed, loc)
		ev.StopName = s.Name
		t.emit(ctx, ev)
	}
	if !arr.Completed {
		return after, true
	}

	ended := busEvent(model.EventTripEnded, loc)
	ended.Reason = string(trip.EndCompleted)
	ended.Count = after.StopsPassedCount
	if _, err := t.trips.End(ctx, after, trip.EndCompleted); err != nil {
		logging.LogError(t.logger, "end completed trip", err, slog.String("bus", loc.BusID))
		return after, false
	}
	t.emit(ctx, ended)
	inactive := busEvent(model.EventBusInactive, loc)
	inactive.Reason = trip.InactiveTripCompleted
	t.emit(ctx, inactive)
	return after, false
}

// startTrip moves loc onto sel's trip, logging data gaps as skips.
func (t *Tracker) startTrip(ctx context.Context, loc *model.BusLocation, sel *schedule.Selection) *model.BusLocation {
	after, res, err := t.trips.Start(ctx, loc, sel)
	if err != nil {
		logging.LogSkip(t.logger, "bus", loc.BusID, "trip_start_failed",
			slog.String("trip", sel.TripID), slog.String("error", err.Error()))
		return loc
	}
	if res.Started {
		ev := busEvent(model.EventTripStarted, after)
		ev.Count = res.RidersReset
		t.emit(ctx, ev)
	}
	return after
}
