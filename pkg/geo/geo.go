// Package geo provides geographic utility functions for the booking and
// matching engine.
//
// All distance calculations use the Haversine formula on WGS-84 coordinates.
package geo

import (
	"math"

	"github.com/shiva/ridehail/internal/model"
)

// ─── Constants ──────────────────────────────────────────────

// EarthRadiusKm is the mean radius of Earth in kilometers.
const EarthRadiusKm = 6371.0

// ─── Distance ───────────────────────────────────────────────

// HaversineKm returns the great-circle distance between two points in kilometers.
//
// Complexity: O(1)
func HaversineKm(a, b model.Location) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// ─── Helpers ────────────────────────────────────────────────

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
