// Package eventbus implements the RabbitMQ-backed topic pub/sub described in
// SPEC_FULL.md §4.5 plus the idempotent-consumer ledger from §11.
package eventbus

import "time"

// Topic names the canonical event topics enumerated in SPEC_FULL.md §6.
type Topic string

const (
	TopicBookingCreated        Topic = "booking.created"
	TopicDriverSearchRequested Topic = "driver.search.requested"
	TopicBookingAccepted       Topic = "booking.accepted"
	TopicBookingTaken          Topic = "booking.taken"
	TopicBookingRejected       Topic = "booking.rejected"
	TopicBookingCancelled      Topic = "booking.cancelled"
	TopicBookingCompleted      Topic = "booking.completed"
	TopicTripStarted           Topic = "trip.started"
	TopicTripUpdated           Topic = "trip.updated"
	TopicTripEnded             Topic = "trip.ended"
	TopicPaymentUpdated        Topic = "payment.updated"
)

// BookingCreatedPayload is published when a new booking is created.
type BookingCreatedPayload struct {
	BookingID    string    `json:"booking_id"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name,omitempty"`
	Pickup       LatLng    `json:"pickup"`
	Destination  LatLng    `json:"destination"`
	CreatedAt    time.Time `json:"created_at"`
}

// LatLng is the wire shape for a coordinate pair in event payloads.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverSearchRequestedPayload fans out a new booking to the matching engine.
type DriverSearchRequestedPayload struct {
	BookingID   string `json:"booking_id"`
	CustomerID  string `json:"customer_id"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	RadiusKm    float64 `json:"radius_km"`
	Destination LatLng  `json:"destination"`
}

// BookingAcceptedPayload is published to the customer when a driver accepts.
type BookingAcceptedPayload struct {
	BookingID             string   `json:"booking_id"`
	CustomerID            string   `json:"customer_id"`
	DriverID              string   `json:"driver_id"`
	DriverName            string   `json:"driver_name,omitempty"`
	DriverLat             *float64 `json:"driver_lat,omitempty"`
	DriverLng             *float64 `json:"driver_lng,omitempty"`
	EstimatedArrivalMins  float64  `json:"estimated_arrival_time"`
	VehicleInfo           string   `json:"vehicle_info,omitempty"`
}

// BookingTakenPayload notifies losing drivers that a booking is no longer
// available.
type BookingTakenPayload struct {
	BookingID  string    `json:"booking_id"`
	DriverID   string    `json:"driver_id"`
	CustomerID string    `json:"customer_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// BookingRejectedPayload is emitted when a driver declines a booking.
type BookingRejectedPayload struct {
	BookingID string `json:"booking_id"`
	DriverID  string `json:"driver_id"`
	Reason    string `json:"reason,omitempty"`
}

// BookingCancelledPayload covers both user and system-initiated cancellation.
type BookingCancelledPayload struct {
	BookingID   string  `json:"booking_id"`
	CustomerID  string  `json:"customer_id"`
	DriverID    *string `json:"driver_id,omitempty"`
	CancelledBy string  `json:"cancelled_by"`
	Reason      string  `json:"reason,omitempty"`
}

// BookingCompletedPayload is emitted when a trip completes.
type BookingCompletedPayload struct {
	BookingID   string                 `json:"booking_id"`
	CustomerID  string                 `json:"customer_id"`
	TripDetails map[string]interface{} `json:"trip_details,omitempty"`
}

// TripStartedPayload is published by the tracking service when a driver
// begins an accepted trip.
type TripStartedPayload struct {
	BookingID string    `json:"booking_id"`
	CustomerID string   `json:"customer_id"`
	DriverID  string    `json:"driver_id"`
	StartedAt time.Time `json:"started_at"`
}

// TripUpdatedPayload carries a live position ping for an in-progress trip.
type TripUpdatedPayload struct {
	BookingID  string  `json:"booking_id"`
	CustomerID string  `json:"customer_id"`
	DriverID   string  `json:"driver_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

// TripEndedPayload is published by the tracking service when a trip
// finishes, ahead of the trip-pricing service's payment.updated event.
type TripEndedPayload struct {
	BookingID  string    `json:"booking_id"`
	CustomerID string    `json:"customer_id"`
	DriverID   string    `json:"driver_id"`
	EndedAt    time.Time `json:"ended_at"`
	DistanceKm float64   `json:"distance_km,omitempty"`
}

// PaymentUpdatedPayload is published by the payments service when a trip's
// charge settles.
type PaymentUpdatedPayload struct {
	BookingID  string  `json:"booking_id"`
	CustomerID string  `json:"customer_id"`
	Status     string  `json:"status"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
}
