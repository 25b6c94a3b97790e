package eta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busmate-tracker/internal/model"
	"busmate-tracker/internal/routing"
)

// metersPerDegree is the length of one degree of latitude at the Haversine earth radius.
const metersPerDegree = 6_371_000.0 * 3.141592653589793 / 180

func north(origin model.LatLng, meters float64) model.LatLng {
	return model.LatLng{Lat: origin.Lat + meters/metersPerDegree, Lng: origin.Lng}
}

func stopAt(name string, p model.LatLng) model.Stop {
	return model.Stop{Name: name, Latitude: p.Lat, Longitude: p.Lng}
}

var origin = model.LatLng{Lat: 12.9716, Lng: 77.5946}

func TestFallbackStopsOneKilometre(t *testing.T) {
	now := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	out := FallbackStops(origin, []model.Stop{stopAt("A", north(origin, 1000)), stopAt("B", north(origin, 3000))}, 8.33, now)
	require.Len(t, out, 2)
	require.NotNil(t, out[0].EstimatedMinutesOfArrival)
	assert.Equal(t, 2.0, *out[0].EstimatedMinutesOfArrival)
	assert.Equal(t, 2.0, *out[0].OriginalETA)
	assert.InDelta(t, 1000, out[0].DistanceMeters, 1)
	assert.Equal(t, 6.0, *out[1].EstimatedMinutesOfArrival, "cumulative")
	assert.Equal(t, now.Add(2*time.Minute), out[0].ETA)
}

func TestApplyLegs(t *testing.T) {
	now := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	in := []model.Stop{{Name: "A", Decremented: true}, {Name: "B"}}
	out, err := ApplyLegs(in, []routing.Leg{{DurationSeconds: 120, DistanceMeters: 900}, {DurationSeconds: 300, DistanceMeters: 2500}}, now)
	require.NoError(t, err)
	assert.Equal(t, 2.0, *out[0].EstimatedMinutesOfArrival)
	assert.Equal(t, 7.0, *out[1].EstimatedMinutesOfArrival)
	assert.Equal(t, 7.0, *out[1].OriginalETA)
	assert.Equal(t, 3400.0, out[1].DistanceMeters)
	assert.False(t, out[0].Decremented)

	_, err = ApplyLegs(in, []routing.Leg{{DurationSeconds: 60}}, now)
	assert.Error(t, err)
}

func TestDecrementStopsNeverCompounds(t *testing.T) {
	base := []model.Stop{
		{Name: "A", EstimatedMinutesOfArrival: model.Minutes(10), OriginalETA: model.Minutes(10)},
		{Name: "B", EstimatedMinutesOfArrival: model.Minutes(2), OriginalETA: model.Minutes(2)},
		{Name: "C"},
	}

	stepped := base
	prev := 10.0
	for elapsed := 1; elapsed <= 4; elapsed++ {
		stepped = DecrementStops(stepped, elapsed)
		got := *stepped[0].EstimatedMinutesOfArrival
		assert.LessOrEqual(t, got, prev)
		prev = got
	}
	direct := DecrementStops(base, 4)

	assert.Equal(t, 6.0, *stepped[0].EstimatedMinutesOfArrival)
	assert.Equal(t, *direct[0].EstimatedMinutesOfArrival, *stepped[0].EstimatedMinutesOfArrival)
	assert.Equal(t, 0.0, *stepped[1].EstimatedMinutesOfArrival, "floored at zero")
	assert.True(t, stepped[0].Decremented)
	assert.Nil(t, stepped[2].EstimatedMinutesOfArrival)
	assert.Equal(t, 10.0, *base[0].EstimatedMinutesOfArrival, "input untouched")
}

func TestDetectArrival(t *testing.T) {
	stops := []model.Stop{
		stopAt("A", north(origin, 1000)),
		stopAt("B", north(origin, 2000)),
		stopAt("C", north(origin, 3000)),
		stopAt("D", north(origin, 4000)),
	}

	t.Run("front stop", func(t *testing.T) {
		rest, n := DetectArrival(stops, north(origin, 950), 200, 2)
		assert.Equal(t, 1, n)
		assert.Equal(t, stops[1:], rest)
	})
	t.Run("skipped stops", func(t *testing.T) {
		rest, n := DetectArrival(stops, north(origin, 3100), 200, 2)
		assert.Equal(t, 3, n)
		assert.Equal(t, stops[3:], rest)
	})
	t.Run("beyond lookahead", func(t *testing.T) {
		rest, n := DetectArrival(stops, north(origin, 4000), 200, 2)
		assert.Equal(t, 0, n)
		assert.Equal(t, stops, rest)
	})
	t.Run("nowhere near", func(t *testing.T) {
		_, n := DetectArrival(stops, origin, 200, 2)
		assert.Equal(t, 0, n)
	})
}

func TestAlignSuffix(t *testing.T) {
	fresh := []model.Stop{{Name: "A"}, {Name: "B", OriginalETA: model.Minutes(4)}, {Name: "C"}}
	out, ok := alignSuffix([]model.Stop{{Name: "B"}, {Name: "C"}}, fresh)
	require.True(t, ok)
	assert.Equal(t, 4.0, *out[0].OriginalETA)

	_, ok = alignSuffix([]model.Stop{{Name: "X"}}, fresh)
	assert.False(t, ok)
	_, ok = alignSuffix(append(fresh, model.Stop{Name: "D"}), fresh)
	assert.False(t, ok)
}
