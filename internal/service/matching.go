// Package service contains the core business logic for the booking
// lifecycle, driver matching, and their supporting collaborators.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shiva/ridehail/config"
	"github.com/shiva/ridehail/internal/model"
	"github.com/shiva/ridehail/internal/repository"
	"github.com/shiva/ridehail/pkg/geo"
)

// driverStore is the slice of DriverRepository the matching engine needs.
type driverStore interface {
	FindOnlineDriversNear(ctx context.Context, origin model.Location, vehicleType model.VehicleType, radiusMeters int, exclude []string) ([]model.DriverProfile, error)
	GetDriverProfile(ctx context.Context, driverID string) (*model.DriverProfile, error)
}

// matchingBookingStore is the slice of BookingRepository the matching engine
// needs (availability + customer history, distinct from BC's bookingStore).
type matchingBookingStore interface {
	CheckMultipleDriversAvailability(ctx context.Context, driverIDs []string) ([]model.DriverBookingStatus, error)
	HasActiveBookingAsDriver(ctx context.Context, driverID string) (bool, error)
	BlockedDriversForCustomer(ctx context.Context, customerID string, threshold int, since time.Time) ([]string, error)
	CountCompletedTripsWithDriver(ctx context.Context, customerID, driverID string, since time.Time) (int, error)
}

// matchingKVS is the slice of KVSRepository the matching engine needs.
type matchingKVS interface {
	RejectedDrivers(ctx context.Context, bookingID string) ([]string, error)
	SetEligibleDrivers(ctx context.Context, bookingID string, driverIDs []string) error
	AddRejectedDriver(ctx context.Context, bookingID, driverID string) error
	GetBlockedDrivers(ctx context.Context, customerID string) ([]string, bool, error)
	CacheBlockedDrivers(ctx context.Context, customerID string, driverIDs []string) error
	CacheLastSearch(ctx context.Context, customerID string, payload []byte) error
	GetCustomerPreferences(ctx context.Context, customerID string) ([]byte, error)
}

// MatchingService is the Matching Engine (ME): geospatial driver selection,
// exclusion sets, preference-weighted ordering, and re-match after
// rejection.
//
// Grounded on the inherited codebase's MatchingService fetch→filter→score→
// select loop skeleton (the candidate-iteration shape is kept); the
// route-detour scoring specific to multi-stop pooling is replaced with
// haversine distance plus preference/history scoring per SPEC_FULL.md §4.2,
// since this domain matches one driver to one booking rather than inserting
// a passenger into a shared trip.
type MatchingService struct {
	driverRepo  driverStore
	bookingRepo matchingBookingStore
	kvs         matchingKVS
	cfg         config.MatchingConfig
}

// NewMatchingService creates a matching service.
func NewMatchingService(
	driverRepo *repository.DriverRepository,
	bookingRepo *repository.BookingRepository,
	kvs *repository.KVSRepository,
	cfg config.MatchingConfig,
) *MatchingService {
	return &MatchingService{driverRepo: driverRepo, bookingRepo: bookingRepo, kvs: kvs, cfg: cfg}
}

// FindDrivers runs the matching pipeline described in SPEC_FULL.md §4.2.
// An empty result is a legitimate outcome, never an error — the caller may
// choose to smart-cancel.
func (s *MatchingService) FindDrivers(ctx context.Context, req model.MatchRequest) (*model.MatchResult, error) {
	// ── Step 1: build exclusion set ─────────────────────
	exclude := map[string]struct{}{}
	for _, id := range req.ExcludeDrivers {
		exclude[id] = struct{}{}
	}

	if req.CustomerID != "" {
		blocked, err := s.blockedDriversFor(ctx, req.CustomerID)
		if err != nil {
			log.Error().Err(err).Str("customer_id", req.CustomerID).Msg("matching: blocked-driver derivation failed")
		}
		for _, id := range blocked {
			exclude[id] = struct{}{}
		}
	}

	if req.BookingID != "" {
		rejected, err := s.kvs.RejectedDrivers(ctx, req.BookingID)
		if err != nil {
			log.Error().Err(err).Str("booking_id", req.BookingID).Msg("matching: rejected-driver lookup failed")
		}
		for _, id := range rejected {
			exclude[id] = struct{}{}
		}
	}

	excludeList := make([]string, 0, len(exclude))
	for id := range exclude {
		excludeList = append(excludeList, id)
	}

	// ── Step 2: query DS for online drivers in range ────
	radiusKm := req.RadiusKm
	if radiusKm <= 0 {
		radiusKm = s.cfg.DefaultRadiusKm
	}

	drivers, err := s.driverRepo.FindOnlineDriversNear(ctx, req.Pickup, model.VehicleMotorcycle, int(radiusKm*1000), excludeList)
	if err != nil {
		return nil, fmt.Errorf("matching: find online drivers: %w", err)
	}

	if len(drivers) == 0 {
		return &model.MatchResult{Candidates: []model.MatchCandidate{}}, nil
	}

	// ── Step 3: drop drivers with an active booking ─────
	driverIDs := make([]string, len(drivers))
	for i, d := range drivers {
		driverIDs[i] = d.DriverID
	}
	statuses, err := s.bookingRepo.CheckMultipleDriversAvailability(ctx, driverIDs)
	if err != nil {
		return nil, fmt.Errorf("matching: check driver availability: %w", err)
	}
	busy := map[string]struct{}{}
	for _, st := range statuses {
		if !st.IsAvailable {
			busy[st.DriverID] = struct{}{}
		}
	}

	// ── Step 4: haversine filter within radiusKm ────────
	type scored struct {
		driver     model.DriverProfile
		distanceKm float64
	}
	var inRange []scored
	for _, d := range drivers {
		if _, isBusy := busy[d.DriverID]; isBusy {
			continue
		}
		if !d.HasKnownLocation() {
			continue
		}
		dist := geo.HaversineKm(req.Pickup, *d.CurrentLocation)
		if dist <= radiusKm {
			inRange = append(inRange, scored{driver: d, distanceKm: round2(dist)})
		}
	}

	// ── Step 5: preferred-first partition ───────────────
	preferredSet := map[string]struct{}{}
	for _, id := range req.PreferredDrivers {
		preferredSet[id] = struct{}{}
	}

	// ── Step 6: customer preferences + history-aware sort ──
	minRating, maxDistanceKm := s.cfg.MinRating, s.cfg.MaxDistanceKm
	var allowedVehicleTypes map[model.VehicleType]struct{}
	if req.CustomerID != "" {
		if raw, err := s.kvs.GetCustomerPreferences(ctx, req.CustomerID); err != nil {
			log.Error().Err(err).Str("customer_id", req.CustomerID).Msg("matching: preference lookup failed")
		} else if raw != nil {
			var prefs model.CustomerPreferences
			if err := json.Unmarshal(raw, &prefs); err != nil {
				log.Error().Err(err).Str("customer_id", req.CustomerID).Msg("matching: malformed preferences blob")
			} else {
				if prefs.MinRating > 0 {
					minRating = prefs.MinRating
				}
				if prefs.MaxDistanceKm > 0 {
					maxDistanceKm = prefs.MaxDistanceKm
				}
				if len(prefs.VehicleTypes) > 0 {
					allowedVehicleTypes = make(map[model.VehicleType]struct{}, len(prefs.VehicleTypes))
					for _, vt := range prefs.VehicleTypes {
						allowedVehicleTypes[vt] = struct{}{}
					}
				}
			}
		}
	}

	candidates := make([]model.MatchCandidate, 0, len(inRange))
	for _, sc := range inRange {
		if allowedVehicleTypes != nil {
			if _, ok := allowedVehicleTypes[sc.driver.VehicleType]; !ok {
				continue
			}
		}
		if req.CustomerID != "" {
			if sc.driver.Rating < minRating {
				continue
			}
			if sc.distanceKm > maxDistanceKm {
				continue
			}
		}

		tripCount := 0
		if req.CustomerID != "" {
			tripCount, err = s.historicalTripCount(ctx, req.CustomerID, sc.driver.DriverID)
			if err != nil {
				log.Error().Err(err).Msg("matching: history lookup failed")
			}
		}

		_, isExplicitlyPreferred := preferredSet[sc.driver.DriverID]

		candidates = append(candidates, model.MatchCandidate{
			DriverID:          sc.driver.DriverID,
			Name:              sc.driver.Name,
			VehicleType:       sc.driver.VehicleType,
			Rating:            sc.driver.Rating,
			DistanceKm:        sc.distanceKm,
			IsPreferred:       isExplicitlyPreferred || tripCount >= s.cfg.PreferredTripThreshold,
			PreviousTripCount: tripCount,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		_, aPref := preferredSet[a.DriverID]
		_, bPref := preferredSet[b.DriverID]
		if aPref != bPref {
			return aPref
		}
		if a.PreviousTripCount != b.PreviousTripCount {
			return a.PreviousTripCount > b.PreviousTripCount
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.DistanceKm < b.DistanceKm
	})

	// ── Step 8: cache last search ───────────────────────
	if req.CustomerID != "" && len(candidates) > 0 {
		if payload, err := json.Marshal(candidates); err == nil {
			if err := s.kvs.CacheLastSearch(ctx, req.CustomerID, payload); err != nil {
				log.Error().Err(err).Msg("matching: cache last search failed")
			}
		}
	}

	return &model.MatchResult{Candidates: candidates}, nil
}

// FindDriversForReMatch is identical to FindDrivers with bookingId forced
// into the request; called after a rejection surge.
func (s *MatchingService) FindDriversForReMatch(ctx context.Context, bookingID string, req model.MatchRequest) (*model.MatchResult, error) {
	req.BookingID = bookingID
	return s.FindDrivers(ctx, req)
}

// SetEligibleDrivers commits a set of candidate driver ids as the
// authoritative eligible set for a booking's accept protocol (RPC
// `matchDriverToBooking`, SPEC_FULL.md §6).
func (s *MatchingService) SetEligibleDrivers(ctx context.Context, bookingID string, driverIDs []string) error {
	return s.kvs.SetEligibleDrivers(ctx, bookingID, driverIDs)
}

// AddBookingRejectedDriver records a rejection so subsequent re-matches
// exclude the driver.
func (s *MatchingService) AddBookingRejectedDriver(ctx context.Context, bookingID, driverID string) error {
	return s.kvs.AddRejectedDriver(ctx, bookingID, driverID)
}

// CheckDriverAvailability reports a driver's current match-eligibility.
func (s *MatchingService) CheckDriverAvailability(ctx context.Context, driverID, customerID string) (model.DriverAvailability, error) {
	profile, err := s.driverRepo.GetDriverProfile(ctx, driverID)
	if err != nil {
		return model.DriverAvailability{IsAvailable: false, Status: "error", Reason: "driver not found"}, nil
	}
	if !profile.Online {
		return model.DriverAvailability{IsAvailable: false, Status: "offline"}, nil
	}

	busy, err := s.bookingRepo.HasActiveBookingAsDriver(ctx, driverID)
	if err != nil {
		return model.DriverAvailability{IsAvailable: false, Status: "error", Reason: "availability check failed"}, fmt.Errorf("matching: check active booking: %w", err)
	}
	if busy {
		return model.DriverAvailability{IsAvailable: false, Status: "busy"}, nil
	}

	if customerID != "" {
		blocked, err := s.blockedDriversFor(ctx, customerID)
		if err == nil {
			for _, id := range blocked {
				if id == driverID {
					return model.DriverAvailability{IsAvailable: false, Status: "blocked"}, nil
				}
			}
		}
	}

	return model.DriverAvailability{IsAvailable: true, Status: "available"}, nil
}

// blockedDriversFor returns (and memoizes) the customer-blocked derivation
// from SPEC_FULL.md §4.2.2: drivers with >= BlockedCancellationThreshold
// cancellations by this customer within BlockedWindow.
func (s *MatchingService) blockedDriversFor(ctx context.Context, customerID string) ([]string, error) {
	if cached, ok, err := s.kvs.GetBlockedDrivers(ctx, customerID); err == nil && ok {
		return cached, nil
	}

	since := time.Now().Add(-s.cfg.BlockedWindow)
	blocked, err := s.bookingRepo.BlockedDriversForCustomer(ctx, customerID, s.cfg.BlockedCancellationThreshold, since)
	if err != nil {
		return nil, fmt.Errorf("matching: derive blocked drivers: %w", err)
	}

	if err := s.kvs.CacheBlockedDrivers(ctx, customerID, blocked); err != nil {
		log.Error().Err(err).Str("customer_id", customerID).Msg("matching: cache blocked drivers failed")
	}
	return blocked, nil
}

// historicalTripCount returns the number of completed trips between a
// customer and driver within the configured history window, capped at
// HistoryLimit.
func (s *MatchingService) historicalTripCount(ctx context.Context, customerID, driverID string) (int, error) {
	since := time.Now().Add(-s.cfg.HistoryWindow)
	count, err := s.bookingRepo.CountCompletedTripsWithDriver(ctx, customerID, driverID, since)
	if err != nil {
		return 0, err
	}
	if count > s.cfg.HistoryLimit {
		count = s.cfg.HistoryLimit
	}
	return count, nil
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
