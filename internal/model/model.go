// Package model contains domain models for the ride-hailing booking system.
// These structs map to the PostgreSQL tables queried by the repository package;
// the schema itself is not part of this module.
package model

import "time"

// ─── Enums ──────────────────────────────────────────────────

type UserRole string

const (
	RoleCustomer UserRole = "customer"
	RoleDriver   UserRole = "driver"
	RoleAdmin    UserRole = "admin"
)

// BookingStatus is the booking lifecycle state. See the actor matrix in
// SPEC_FULL.md §4.1.2 for the legal transition table.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingAccepted  BookingStatus = "accepted"
	BookingOngoing   BookingStatus = "ongoing"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
	BookingRejected  BookingStatus = "rejected"
)

// IsTerminal reports whether the status admits no further mutation.
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case BookingCompleted, BookingCancelled, BookingRejected:
		return true
	default:
		return false
	}
}

// Actor identifies who initiated a transition or cancellation.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorDriver   Actor = "driver"
	ActorSystem   Actor = "system"
)

// VehicleType enumerates the vehicle classes a driver may register.
type VehicleType string

const (
	VehicleMotorcycle VehicleType = "motorcycle"
	VehicleCar        VehicleType = "car"
)

// CancelReason enumerates the reasons a system-initiated smart cancel can
// cite.
type CancelReason string

const (
	ReasonNoDriversFound    CancelReason = "no_drivers_found"
	ReasonAllDriversReject  CancelReason = "all_drivers_rejected"
	ReasonTimeout           CancelReason = "timeout"
	ReasonSystem            CancelReason = "system"
)

// ─── Location ───────────────────────────────────────────────

// Location represents a WGS-84 geographic point (EPSG:4326).
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ─── Domain Models ──────────────────────────────────────────

// User maps to the `users` table.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DriverProfile maps to the `driver_profiles` table. It is read-mostly from
// the booking coordinator and matching engine's point of view; the driver
// app and a separate location-ingestion service own writes to it.
type DriverProfile struct {
	DriverID        string      `json:"driver_id"`
	Name            string      `json:"name"`
	VehicleType     VehicleType `json:"vehicle_type"`
	Rating          float64     `json:"rating"`
	Online          bool        `json:"online"`
	CurrentLocation *Location   `json:"current_location,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// HasKnownLocation reports whether the driver has a usable last fix.
func (d DriverProfile) HasKnownLocation() bool {
	return d.CurrentLocation != nil
}

// Booking maps to the `bookings` table and is the single authoritative
// entity owned by the booking coordinator. Only the coordinator mutates
// Status, DriverID, and the timestamp fields; the trip subsystem's only
// entry point is CompleteBookingFromTrip, which moves Ongoing→Completed.
type Booking struct {
	ID          string        `json:"id"`
	CustomerID  string        `json:"customer_id"`
	DriverID    *string       `json:"driver_id,omitempty"`
	Pickup      Location      `json:"pickup"`
	Destination Location      `json:"destination"`
	Status      BookingStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	CancelledBy *Actor     `json:"cancelled_by,omitempty"`
}

// ─── Matching-specific DTOs ─────────────────────────────────

// CustomerPreferences is the `customer:{id}:preferences` KVS blob (SPEC_FULL.md
// §3, §4.2 step 6): a customer-set override of ME's default candidate filters.
// A zero value for MinRating/MaxDistanceKm means "no override, use config
// defaults"; an empty VehicleTypes means "no vehicle-type restriction".
type CustomerPreferences struct {
	VehicleTypes  []VehicleType `json:"vehicle_types,omitempty"`
	MinRating     float64       `json:"min_rating,omitempty"`
	MaxDistanceKm float64       `json:"max_distance_km,omitempty"`
}

// MatchRequest is the input to findDrivers / findDriversForReMatch.
type MatchRequest struct {
	CustomerID       string   `json:"customer_id,omitempty"`
	BookingID        string   `json:"booking_id,omitempty"`
	Pickup           Location `json:"pickup"`
	RadiusKm         float64  `json:"radius_km"`
	ExcludeDrivers   []string `json:"exclude_drivers,omitempty"`
	PreferredDrivers []string `json:"preferred_drivers,omitempty"`
}

// MatchCandidate is one ranked driver produced by the matching engine.
type MatchCandidate struct {
	DriverID          string      `json:"driver_id"`
	Name              string      `json:"name"`
	VehicleType       VehicleType `json:"vehicle_type"`
	Rating            float64     `json:"rating"`
	DistanceKm        float64     `json:"distance_km"`
	IsPreferred       bool        `json:"is_preferred"`
	PreviousTripCount int         `json:"previous_trip_count"`
}

// MatchResult is returned by findDrivers / findDriversForReMatch.
type MatchResult struct {
	Candidates []MatchCandidate `json:"candidates"`
}

// DriverAvailability is the outcome of checkDriverAvailability.
type DriverAvailability struct {
	IsAvailable bool   `json:"is_available"`
	Status      string `json:"status"` // available | offline | busy | blocked | error
	Reason      string `json:"reason,omitempty"`
}

// DriverBookingStatus is one entry of checkMultipleDriversAvailability's
// result.
type DriverBookingStatus struct {
	DriverID      string `json:"driver_id"`
	IsAvailable   bool   `json:"is_available"`
	ActiveBooking string `json:"active_booking,omitempty"`
}

// ─── Notifications ──────────────────────────────────────────

// NotificationType enumerates the kinds of user-visible notifications ND
// persists.
type NotificationType string

const (
	NotifyBookingCreated   NotificationType = "booking_created"
	NotifyBookingAccepted  NotificationType = "booking_accepted"
	NotifyBookingTaken     NotificationType = "booking_taken"
	NotifyBookingRejected  NotificationType = "booking_rejected"
	NotifyBookingCancelled NotificationType = "booking_cancelled"
	NotifyBookingCompleted NotificationType = "booking_completed"
	NotifyTripUpdate       NotificationType = "trip_update"
	NotifyPaymentUpdate    NotificationType = "payment_update"
)

// Notification maps to the `notifications` table.
type Notification struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Type             NotificationType `json:"type"`
	Content          string           `json:"content"`
	IsRead           bool             `json:"is_read"`
	RelatedBookingID string           `json:"related_booking_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ─── Realtime sessions ──────────────────────────────────────

// SessionRole distinguishes the two realtime session roles the session
// gateway tracks.
type SessionRole string

const (
	SessionCustomer SessionRole = "customer"
	SessionDriver   SessionRole = "driver"
)

// ─── Pagination ─────────────────────────────────────────────

// BookingPage is the paginated result of getUserBookings.
type BookingPage struct {
	Items []Booking `json:"items"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
	Pages int       `json:"pages"`
}

// NewBookingPage builds a BookingPage, computing Pages = ceil(total/limit),
// with Pages=0 when total is zero.
func NewBookingPage(items []Booking, total, page, limit int) BookingPage {
	pages := 0
	if total > 0 && limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return BookingPage{Items: items, Total: total, Page: page, Limit: limit, Pages: pages}
}
