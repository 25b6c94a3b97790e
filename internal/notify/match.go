package notify

import (
	"strings"

	"busmate-tracker/internal/geo"
	"busmate-tracker/internal/model"
)

// MatchStop finds the rider's stop in stops: by case-insensitive name first,
// then by the nearest stop within radius of the rider's saved coordinates.
// It returns -1 when neither resolves.
func MatchStop(r model.Rider, stops []model.Stop, radius float64) int {
	if name := strings.TrimSpace(r.Stopping); name != "" {
		for i := range stops {
			if strings.EqualFold(strings.TrimSpace(stops[i].Name), name) {
				return i
			}
		}
	}
	if r.StopLocation == nil || !geo.ValidCoordinate(*r.StopLocation) {
		return -1
	}
	points := make([]model.LatLng, len(stops))
	for i := range stops {
		points[i] = stops[i].LatLng()
	}
	return geo.Nearest(*r.StopLocation, points, radius)
}
