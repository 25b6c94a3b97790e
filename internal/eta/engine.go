// Package eta keeps the per-stop arrival estimates of a running trip: it
// refreshes them from the routing provider (or a distance fallback), counts
// them down between refreshes and removes stops the bus has reached.
package eta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"busmate-tracker/internal/config"
	"busmate-tracker/internal/geo"
	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/metrics"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/routing"
	"busmate-tracker/internal/store"
)

var errTripChanged = errors.New("trip changed during update")

type Engine struct {
	provider routing.Provider
	buses    store.BusStore
	tuning   config.Tuning
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewEngine(provider routing.Provider, buses store.BusStore, tuning config.Tuning, m *metrics.Collector, logger *slog.Logger) *Engine {
	return &Engine{
		provider: provider,
		buses:    buses,
		tuning:   tuning,
		metrics:  m,
		logger:   logging.Component(logger, "eta"),
	}
}

// RefreshDue reports whether the provider should be consulted for loc: never
// called for this trip, or the refresh interval has passed.
func (e *Engine) RefreshDue(loc *model.BusLocation, now time.Time) bool {
	return loc.LastRoutingCall.IsZero() || now.Sub(loc.LastRoutingCall) >= e.tuning.ProviderRefresh
}

// RefreshETAs recomputes every remaining stop from the bus position and resets
// the decrement baseline. Provider failures fall back to the distance model
// and are not returned.
func (e *Engine) RefreshETAs(ctx context.Context, loc *model.BusLocation, now time.Time) (*model.BusLocation, error) {
	if len(loc.RemainingStops) == 0 {
		return loc, nil
	}
	origin := model.LatLng{Lat: loc.Position.Lat, Lng: loc.Position.Lng}
	if !geo.ValidCoordinate(origin) {
		logging.LogSkip(e.logger, "bus", loc.BusID, "no_position")
		return loc, nil
	}

	fresh, method := e.compute(ctx, loc, origin, now)

	tripID := loc.CurrentTripID
	_, after, err := e.buses.UpdateBus(ctx, loc.SchoolID, loc.BusID, func(b *model.BusLocation) error {
		if b.CurrentTripID != tripID {
			return errTripChanged
		}
		aligned, ok := alignSuffix(b.RemainingStops, fresh)
		if !ok {
			return errTripChanged
		}
		b.RemainingStops = aligned
		b.LastRoutingCall = now
		b.LastETAUpdate = now
		b.ETACalculationMethod = method
		return nil
	})
	if errors.Is(err, errTripChanged) {
		logging.LogSkip(e.logger, "bus", loc.BusID, "trip_changed")
		return loc, nil
	}
	if err != nil {
		return loc, fmt.Errorf("write refreshed etas: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ETARefreshes.WithLabelValues(method).Inc()
	}
	return after, nil
}

func (e *Engine) compute(ctx context.Context, loc *model.BusLocation, origin model.LatLng, now time.Time) ([]model.Stop, string) {
	if e.provider != nil {
		points := make([]model.LatLng, len(loc.RemainingStops))
		for i, s := range loc.RemainingStops {
			points[i] = s.LatLng()
		}
		start := time.Now()
		legs, err := e.provider.Directions(ctx, origin, points)
		if e.metrics != nil {
			e.metrics.RoutingDuration.Observe(time.Since(start).Seconds())
		}
		if err == nil {
			stops, aerr := ApplyLegs(loc.RemainingStops, legs, now)
			if aerr == nil {
				return stops, model.ETAMethodProvider
			}
			err = aerr
		}
		e.logger.Warn("routing provider failed, using distance fallback",
			slog.String("school", loc.SchoolID),
			slog.String("bus", loc.BusID),
			slog.String("error", err.Error()))
	}
	return FallbackStops(origin, loc.RemainingStops, e.tuning.FallbackSpeedMps, now), model.ETAMethodFallback
}

// DecrementETAs counts estimates down from their last provider baseline by
// the whole minutes elapsed since that call. Only the clock tick calls this.
func (e *Engine) DecrementETAs(ctx context.Context, loc *model.BusLocation, now time.Time) (*model.BusLocation, error) {
	if loc.LastRoutingCall.IsZero() || len(loc.RemainingStops) == 0 {
		return loc, nil
	}
	tripID := loc.CurrentTripID
	_, after, err := e.buses.UpdateBus(ctx, loc.SchoolID, loc.BusID, func(b *model.BusLocation) error {
		if b.CurrentTripID != tripID || b.LastRoutingCall.IsZero() {
			return errTripChanged
		}
		elapsed := int(now.Sub(b.LastRoutingCall) / time.Minute)
		if elapsed < 0 {
			elapsed = 0
		}
		b.RemainingStops = DecrementStops(b.RemainingStops, elapsed)
		b.LastETAUpdate = now
		return nil
	})
	if errors.Is(err, errTripChanged) {
		return loc, nil
	}
	if err != nil {
		return loc, fmt.Errorf("write decremented etas: %w", err)
	}
	if e.metrics != nil {
		e.metrics.Decrements.Inc()
	}
	return after, nil
}

// Arrival is the outcome of one arrival/skip detection pass.
type Arrival struct {
	Removed []model.Stop
	// Completed is set when the pass emptied the stop list.
	Completed bool
}

// DetectStopArrival drops the stops the bus has reached or skipped, from the
// front of the list only.
func (e *Engine) DetectStopArrival(ctx context.Context, loc *model.BusLocation) (*model.BusLocation, Arrival, error) {
	pos := model.LatLng{Lat: loc.Position.Lat, Lng: loc.Position.Lng}
	if !geo.ValidCoordinate(pos) || len(loc.RemainingStops) == 0 {
		return loc, Arrival{}, nil
	}
	if _, n := DetectArrival(loc.RemainingStops, pos, e.tuning.StopProximityMeters, e.tuning.SkipLookahead); n == 0 {
		return loc, Arrival{}, nil
	}

	var res Arrival
	tripID := loc.CurrentTripID
	_, after, err := e.buses.UpdateBus(ctx, loc.SchoolID, loc.BusID, func(b *model.BusLocation) error {
		if b.CurrentTripID != tripID {
			return errTripChanged
		}
		rest, n := DetectArrival(b.RemainingStops, pos, e.tuning.StopProximityMeters, e.tuning.SkipLookahead)
		if n == 0 {
			return nil
		}
		res.Removed = append([]model.Stop(nil), b.RemainingStops[:n]...)
		b.RemainingStops = append([]model.Stop(nil), rest...)
		b.StopsPassedCount += n
		res.Completed = len(b.RemainingStops) == 0
		return nil
	})
	if errors.Is(err, errTripChanged) {
		return loc, Arrival{}, nil
	}
	if err != nil {
		return loc, Arrival{}, fmt.Errorf("write stop arrival: %w", err)
	}
	if e.metrics != nil && len(res.Removed) > 0 {
		e.metrics.StopsPassed.Add(float64(len(res.Removed)))
	}
	if len(res.Removed) > 1 {
		e.logger.Info("stops skipped",
			slog.String("bus", loc.BusID),
			slog.Int("count", len(res.Removed)),
			slog.String("reached", res.Removed[len(res.Removed)-1].Name))
	}
	return after, res, nil
}
