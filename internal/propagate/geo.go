package propagate

import (
	"math"

	"github.com/slot-claims/backend/internal/storage/models"
)

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between two points.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// WithinRadius keeps the resources located within radiusKm of a point,
// preserving order. Resources without coordinates are dropped.
func WithinRadius(resources []models.Resource, lat, lng, radiusKm float64) []models.Resource {
	out := make([]models.Resource, 0, len(resources))
	for _, r := range resources {
		if r.Latitude == nil || r.Longitude == nil {
			continue
		}
		if DistanceKm(lat, lng, *r.Latitude, *r.Longitude) <= radiusKm {
			out = append(out, r)
		}
	}
	return out
}
