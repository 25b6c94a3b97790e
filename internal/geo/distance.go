package geo

import (
	"math"

	"busmate-tracker/internal/model"
)

const earthRadiusMeters = 6_371_000.0

// Haversine returns the great-circle distance in meters between two lat/lon points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine over two points.
func Distance(a, b model.LatLng) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Within reports whether b lies within radius meters of a.
func Within(a, b model.LatLng, radius float64) bool {
	return Distance(a, b) <= radius
}

// Nearest returns the index of the point closest to origin that lies within
// radius meters, or -1.
func Nearest(origin model.LatLng, points []model.LatLng, radius float64) int {
	best := -1
	bestDist := math.MaxFloat64
	for i, p := range points {
		d := Distance(origin, p)
		if d <= radius && d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// ValidCoordinate rejects the zero point and out-of-range values.
func ValidCoordinate(p model.LatLng) bool {
	if p.Lat == 0 && p.Lng == 0 {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
