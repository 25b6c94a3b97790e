// Package trip runs the per-bus trip state machine: Idle, TripActive and
// TripEnded. Start re-arms the riders of a new trip and loads its stops; End
// clears the trip from the bus without touching rider delivery records.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/metrics"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/schedule"
	"busmate-tracker/internal/store"
)

var ErrNoStops = errors.New("route has no stops")

type EndReason string

const (
	EndWindowClosed  EndReason = "window_closed"
	EndCompleted     EndReason = "completed"
	EndRouteSwitched EndReason = "route_switched"
)

// InactiveTripCompleted is recorded on a bus whose stop list ran out.
const InactiveTripCompleted = "trip_completed"

type Manager struct {
	riders     store.RiderStore
	buses      store.BusStore
	resolver   *schedule.Resolver
	batchLimit int
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
}

func NewManager(riders store.RiderStore, buses store.BusStore, resolver *schedule.Resolver, batchLimit int, m *metrics.Collector, logger *slog.Logger) *Manager {
	if batchLimit <= 0 || batchLimit > store.MaxBatchOps {
		batchLimit = store.MaxBatchOps
	}
	return &Manager{
		riders:     riders,
		buses:      buses,
		resolver:   resolver,
		batchLimit: batchLimit,
		metrics:    m,
		logger:     logging.Component(logger, "trip"),
		now:        time.Now,
	}
}

// SetClock replaces the wall clock used for trip start times.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

type StartResult struct {
	TripID string
	// Started is set when this call moved the bus onto the trip.
	Started bool
	// RidersReset counts riders re-armed by this call.
	RidersReset int
	// ResetComplete is false when a rider batch failed; the next tick retries.
	ResetComplete bool
}

// Start moves the bus onto sel's trip. It is idempotent: a bus already on the
// trip with its riders reset, or one that already completed the trip, is left
// alone. A trip whose rider reset was interrupted only has the reset retried.
func (m *Manager) Start(ctx context.Context, loc *model.BusLocation, sel *schedule.Selection) (*model.BusLocation, StartResult, error) {
	res := StartResult{TripID: sel.TripID}
	if loc.CurrentTripID == sel.TripID && loc.StudentsResetTripID == sel.TripID {
		res.ResetComplete = true
		return loc, res, nil
	}
	if loc.LastCompletedTripID == sel.TripID {
		res.ResetComplete = true
		return loc, res, nil
	}

	sch, err := m.resolver.Schedule(ctx, loc.SchoolID, loc.BusID, sel.ScheduleID)
	if err != nil {
		return loc, res, err
	}
	if len(sch.Stops) == 0 {
		return loc, res, fmt.Errorf("schedule %s: %w", sch.ID, ErrNoStops)
	}
	all, err := m.resolver.Schedules(ctx, loc.SchoolID, loc.BusID)
	if err != nil {
		return loc, res, err
	}
	routeScope := ""
	if len(all) > 1 {
		routeScope = sel.ScheduleID
	}

	res.RidersReset, res.ResetComplete = m.resetRiders(ctx, loc.SchoolID, loc.BusID, routeScope, sel.TripID)

	now := m.now()
	stops := TraversalStops(sch.Stops, sel.Direction)
	_, after, err := m.buses.UpdateBus(ctx, loc.SchoolID, loc.BusID, func(b *model.BusLocation) error {
		if b.CurrentTripID != sel.TripID {
			res.Started = true
			b.CurrentTripID = sel.TripID
			b.TripStartedAt = now
			b.RemainingStops = stops
			b.TotalStops = len(stops)
			b.StopsPassedCount = 0
			b.LastRoutingCall = time.Time{}
			b.LastETAUpdate = time.Time{}
			b.ETACalculationMethod = ""
			b.AllStudentsNotified = false
			b.NoPendingStudents = false
		} else if res.RidersReset > 0 {
			// A retried reset re-armed riders the last pass could not see.
			b.AllStudentsNotified = false
			b.NoPendingStudents = false
		}
		b.ActiveRouteID = sel.ScheduleID
		b.RouteName = sel.RouteName
		b.TripDirection = sel.Direction
		b.ScheduleStartTime = sel.StartTime
		b.ScheduleEndTime = sel.EndTime
		b.IsWithinTripWindow = true
		if res.ResetComplete {
			b.StudentsResetTripID = sel.TripID
		}
		return nil
	})
	if err != nil {
		return loc, res, fmt.Errorf("write trip start: %w", err)
	}

	if res.Started {
		if m.metrics != nil {
			m.metrics.TripsStarted.WithLabelValues(string(sel.Direction)).Inc()
		}
		m.logger.Info("trip started",
			slog.String("school", loc.SchoolID),
			slog.String("bus", loc.BusID),
			slog.String("trip", sel.TripID),
			slog.String("direction", string(sel.Direction)),
			slog.Int("stops", len(stops)),
			slog.Int("riders_reset", res.RidersReset))
	}
	if !res.ResetComplete {
		m.logger.Warn("rider reset incomplete, will retry",
			slog.String("school", loc.SchoolID),
			slog.String("bus", loc.BusID),
			slog.String("trip", sel.TripID))
	}
	return after, res, nil
}

// resetRiders re-arms every rider of the bus (scoped to routeID when set) that
// is not already on tripID, in batches no larger than the batch limit.
func (m *Manager) resetRiders(ctx context.Context, schoolID, busID, routeID, tripID string) (int, bool) {
	riders, err := m.riders.QueryRiders(ctx, store.RiderQuery{SchoolID: schoolID, BusID: busID, RouteID: routeID})
	if err != nil {
		logging.LogError(m.logger, "query riders for reset", err,
			slog.String("school", schoolID), slog.String("bus", busID))
		return 0, false
	}

	var updates []store.RiderUpdate
	for _, r := range riders {
		if r.CurrentTripID == tripID {
			continue
		}
		updates = append(updates, store.RiderUpdate{SchoolID: schoolID, RiderID: r.ID, Op: store.OpResetForTrip, TripID: tripID})
	}

	reset, complete := 0, true
	for chunk := range slices.Chunk(updates, m.batchLimit) {
		if err := m.riders.BatchUpdateRiders(ctx, chunk); err != nil {
			logging.LogError(m.logger, "rider reset batch failed", err,
				slog.String("school", schoolID), slog.String("bus", busID), slog.Int("size", len(chunk)))
			complete = false
			continue
		}
		reset += len(chunk)
	}
	if m.metrics != nil {
		m.metrics.RiderResets.Add(float64(reset))
	}
	return reset, complete
}

// End takes the bus off its current trip. Only a completed trip also marks the
// bus inactive; driver tracking is otherwise left as it is.
func (m *Manager) End(ctx context.Context, loc *model.BusLocation, reason EndReason) (*model.BusLocation, error) {
	tripID := loc.CurrentTripID
	_, after, err := m.buses.UpdateBus(ctx, loc.SchoolID, loc.BusID, func(b *model.BusLocation) error {
		if tripID != "" && b.CurrentTripID != tripID {
			// Another writer already moved the bus on.
			return nil
		}
		if b.CurrentTripID != "" {
			b.LastCompletedTripID = b.CurrentTripID
		}
		b.IsWithinTripWindow = false
		b.CurrentTripID = ""
		b.RemainingStops = nil
		b.TotalStops = 0
		b.ActiveRouteID = ""
		b.RouteName = ""
		b.TripDirection = ""
		b.ScheduleStartTime = ""
		b.ScheduleEndTime = ""
		b.LastRoutingCall = time.Time{}
		b.ETACalculationMethod = ""
		b.AllStudentsNotified = false
		b.NoPendingStudents = false
		if reason == EndCompleted {
			b.IsActive = false
			b.InactiveReason = InactiveTripCompleted
		}
		return nil
	})
	if err != nil {
		return loc, fmt.Errorf("write trip end: %w", err)
	}
	if m.metrics != nil {
		m.metrics.TripsEnded.WithLabelValues(string(reason)).Inc()
		if reason == EndCompleted {
			m.metrics.BusesStoodDown.WithLabelValues(InactiveTripCompleted).Inc()
		}
	}
	m.logger.Info("trip ended",
		slog.String("school", loc.SchoolID),
		slog.String("bus", loc.BusID),
		slog.String("trip", tripID),
		slog.String("reason", string(reason)))
	return after, nil
}

// TraversalStops copies the authored stop list into the order the bus will
// visit it, reversing drop trips, with every ETA field cleared.
func TraversalStops(authored []model.Stop, dir model.Direction) []model.Stop {
	out := make([]model.Stop, len(authored))
	for i, s := range authored {
		out[i] = model.Stop{Name: s.Name, Latitude: s.Latitude, Longitude: s.Longitude}
	}
	if dir == model.DirectionDrop {
		slices.Reverse(out)
	}
	return out
}
