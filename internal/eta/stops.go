package eta

import (
	"fmt"
	"math"
	"time"

	"busmate-tracker/internal/geo"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/routing"
)

// FallbackStops estimates arrival at each stop from straight-line distance
// travelled at a constant speed: origin to stops[0], then stop to stop.
func FallbackStops(origin model.LatLng, stops []model.Stop, speedMps float64, now time.Time) []model.Stop {
	out := make([]model.Stop, len(stops))
	cum := 0.0
	prev := origin
	for i, s := range stops {
		cum += geo.Distance(prev, s.LatLng())
		prev = s.LatLng()
		out[i] = baseline(s, math.Round(cum/speedMps/60), cum, now)
	}
	return out
}

// ApplyLegs accumulates provider leg durations into per-stop minutes. The
// provider must return exactly one leg per stop.
func ApplyLegs(stops []model.Stop, legs []routing.Leg, now time.Time) ([]model.Stop, error) {
	if len(legs) != len(stops) {
		return nil, fmt.Errorf("got %d legs for %d stops", len(legs), len(stops))
	}
	out := make([]model.Stop, len(stops))
	secs, meters := 0.0, 0.0
	for i, s := range stops {
		secs += legs[i].DurationSeconds
		meters += legs[i].DistanceMeters
		out[i] = baseline(s, math.Round(secs/60), meters, now)
	}
	return out, nil
}

func baseline(s model.Stop, minutes, meters float64, now time.Time) model.Stop {
	return model.Stop{
		Name:                      s.Name,
		Latitude:                  s.Latitude,
		Longitude:                 s.Longitude,
		EstimatedMinutesOfArrival: model.Minutes(minutes),
		OriginalETA:               model.Minutes(minutes),
		DistanceMeters:            meters,
		ETA:                       now.Add(time.Duration(minutes) * time.Minute),
	}
}

// DecrementStops sets each estimate to its baseline minus elapsed whole
// minutes, floored at zero. Stops without a baseline are left alone.
func DecrementStops(stops []model.Stop, elapsedMinutes int) []model.Stop {
	out := make([]model.Stop, len(stops))
	for i, s := range stops {
		out[i] = s
		if s.OriginalETA == nil {
			continue
		}
		out[i].EstimatedMinutesOfArrival = model.Minutes(math.Max(0, *s.OriginalETA-float64(elapsedMinutes)))
		out[i].Decremented = elapsedMinutes > 0
	}
	return out
}

// DetectArrival looks at the first lookahead+1 stops and, at the first one
// within radius of pos, drops it together with every stop before it. The
// result is always a suffix of stops.
func DetectArrival(stops []model.Stop, pos model.LatLng, radius float64, lookahead int) ([]model.Stop, int) {
	for i := 0; i <= lookahead && i < len(stops); i++ {
		if geo.Within(pos, stops[i].LatLng(), radius) {
			return stops[i+1:], i + 1
		}
	}
	return stops, 0
}

// alignSuffix maps fresh estimates onto current, which may have lost stops
// from the front since the estimates were computed.
func alignSuffix(current, fresh []model.Stop) ([]model.Stop, bool) {
	if len(current) > len(fresh) {
		return nil, false
	}
	off := len(fresh) - len(current)
	out := make([]model.Stop, len(current))
	for i := range current {
		if current[i].Name != fresh[off+i].Name {
			return nil, false
		}
		out[i] = fresh[off+i]
	}
	return out, true
}
