package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiva/ridehail/internal/model"
)

// DriverRepository provides read access to driver profiles and the
// nearby-candidate geo query the matching engine depends on.
//
// Grounded on the inherited ride-pooling codebase's FindNearbyCandidateTrips
// PostGIS query shape (ST_DWithin + ::geography cast + GIST index), adapted
// from a trip-centroid lookup to a per-driver nearest-neighbor lookup since
// this domain matches a single driver to a single booking rather than
// inserting a passenger into a shared multi-stop trip.
type DriverRepository struct {
	pool *pgxpool.Pool
}

// NewDriverRepository creates a new repository backed by the given pool.
func NewDriverRepository(pool *pgxpool.Pool) *DriverRepository {
	return &DriverRepository{pool: pool}
}

// FindOnlineDriversNear returns online drivers of the given vehicle type
// within radiusMeters of the origin, excluding the given driver ids.
//
// Uses the GIST index on driver_profiles(current_location) via ST_DWithin;
// the geography cast means radiusMeters is real meters, not degrees.
//
// Complexity: O(log N) index scan + O(K) results.
func (r *DriverRepository) FindOnlineDriversNear(
	ctx context.Context,
	origin model.Location,
	vehicleType model.VehicleType,
	radiusMeters int,
	exclude []string,
) ([]model.DriverProfile, error) {
	query := `
		SELECT driver_id, name, vehicle_type, rating,
		       ST_Y(current_location) AS lat, ST_X(current_location) AS lon, updated_at
		FROM driver_profiles
		WHERE online = true
		  AND vehicle_type = $3
		  AND current_location IS NOT NULL
		  AND NOT (driver_id = ANY($5))
		  AND ST_DWithin(
		        current_location::geography,
		        ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography,
		        $4
		      )
		ORDER BY ST_Distance(
		    current_location::geography,
		    ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography
		) ASC
		LIMIT 50
	`

	rows, err := r.pool.Query(ctx, query, origin.Lon, origin.Lat, vehicleType, radiusMeters, exclude)
	if err != nil {
		return nil, fmt.Errorf("find online drivers near: %w", err)
	}
	defer rows.Close()

	var drivers []model.DriverProfile
	for rows.Next() {
		d := model.DriverProfile{Online: true, VehicleType: vehicleType}
		var loc model.Location
		if err := rows.Scan(&d.DriverID, &d.Name, &d.VehicleType, &d.Rating, &loc.Lat, &loc.Lon, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		d.CurrentLocation = &loc
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

// GetDriverProfile fetches a single driver profile.
func (r *DriverRepository) GetDriverProfile(ctx context.Context, driverID string) (*model.DriverProfile, error) {
	d := &model.DriverProfile{}
	var lat, lon *float64
	err := r.pool.QueryRow(ctx, `
		SELECT driver_id, name, vehicle_type, rating, online,
		       ST_Y(current_location), ST_X(current_location), updated_at
		FROM driver_profiles WHERE driver_id = $1
	`, driverID).Scan(&d.DriverID, &d.Name, &d.VehicleType, &d.Rating, &d.Online, &lat, &lon, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get driver profile %s: %w", driverID, err)
	}
	if lat != nil && lon != nil {
		d.CurrentLocation = &model.Location{Lat: *lat, Lon: *lon}
	}
	return d, nil
}
