package geo

import (
	"math"
	"testing"

	"github.com/shiva/ridehail/internal/model"
)

func TestHaversineKm_SamePoint(t *testing.T) {
	loc := model.Location{Lat: 28.7041, Lon: 77.1025}
	got := HaversineKm(loc, loc)
	if got != 0 {
		t.Errorf("HaversineKm(same point) = %v, want 0", got)
	}
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	// Connaught Place to IGI Airport (~15.0 km great-circle)
	connaught := model.Location{Lat: 28.6315, Lon: 77.2167}
	igi := model.Location{Lat: 28.5562, Lon: 77.0889}
	got := HaversineKm(connaught, igi)
	wantMin, wantMax := 14.0, 20.0
	if got < wantMin || got > wantMax {
		t.Errorf("HaversineKm(Connaught→IGI) = %.2f km, want between %.1f and %.1f", got, wantMin, wantMax)
	}
}

func TestHaversineKm_Symmetric(t *testing.T) {
	a := model.Location{Lat: 28.7041, Lon: 77.1025}
	b := model.Location{Lat: 28.5562, Lon: 77.0889}
	ab := HaversineKm(a, b)
	ba := HaversineKm(b, a)
	if math.Abs(ab-ba) > 1e-6 {
		t.Errorf("HaversineKm not symmetric: A→B=%v B→A=%v", ab, ba)
	}
}

