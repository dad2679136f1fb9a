package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shiva/ridehail/internal/middleware"
	"github.com/shiva/ridehail/internal/model"
	"github.com/shiva/ridehail/internal/service"
)

// bookingCoordinator is the slice of BookingService that BookingHandler
// calls, so handler tests can substitute a fake without a database.
type bookingCoordinator interface {
	CreateBooking(ctx context.Context, customerID string, pickup, destination model.Location) (*model.Booking, error)
	GetBookingDetails(ctx context.Context, bookingID string) (*model.Booking, error)
	GetUserBookings(ctx context.Context, userID string, status model.BookingStatus, page, limit int) (model.BookingPage, error)
	AcceptBooking(ctx context.Context, bookingID, driverID string) (*model.Booking, error)
	RejectBooking(ctx context.Context, bookingID, driverID string) error
	CancelBooking(ctx context.Context, bookingID, actorID string) (*model.Booking, error)
	DeleteBooking(ctx context.Context, bookingID, actorID string) error
}

var _ bookingCoordinator = (*service.BookingService)(nil)

// BookingHandler handles the customer/driver-facing booking HTTP surface
// (SPEC_FULL.md §6).
type BookingHandler struct {
	bookingSvc bookingCoordinator
}

// NewBookingHandler creates a new booking handler.
func NewBookingHandler(bookingSvc *service.BookingService) *BookingHandler {
	return &BookingHandler{bookingSvc: bookingSvc}
}

type createBookingRequest struct {
	PickupLat float64 `json:"pickupLat"`
	PickupLng float64 `json:"pickupLng"`
	DestLat   float64 `json:"destLat"`
	DestLng   float64 `json:"destLng"`
}

// CreateBooking handles POST /bookings.
func (h *BookingHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body", Message: "request body must be valid JSON"})
		return
	}

	customerID := middleware.UserIDFromContext(r.Context())
	pickup := model.Location{Lat: req.PickupLat, Lon: req.PickupLng}
	destination := model.Location{Lat: req.DestLat, Lon: req.DestLng}

	booking, err := h.bookingSvc.CreateBooking(r.Context(), customerID, pickup, destination)
	if err != nil {
		writeBookingError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, booking)
}

// GetBooking handles GET /bookings/{id}.
func (h *BookingHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	booking, err := h.bookingSvc.GetBookingDetails(r.Context(), id)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// ListBookings handles GET /bookings?status=&page=&limit=.
func (h *BookingHandler) ListBookings(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	status := model.BookingStatus(r.URL.Query().Get("status"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	result, err := h.bookingSvc.GetUserBookings(r.Context(), userID, status, page, limit)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AcceptBooking handles PUT /bookings/{id}/accept.
func (h *BookingHandler) AcceptBooking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	driverID := middleware.UserIDFromContext(r.Context())

	booking, err := h.bookingSvc.AcceptBooking(r.Context(), id, driverID)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// RejectBooking handles PUT /bookings/{id}/reject.
func (h *BookingHandler) RejectBooking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	driverID := middleware.UserIDFromContext(r.Context())

	if err := h.bookingSvc.RejectBooking(r.Context(), id, driverID); err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

// CancelBooking handles PUT /bookings/{id}/cancel.
func (h *BookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actorID := middleware.UserIDFromContext(r.Context())

	booking, err := h.bookingSvc.CancelBooking(r.Context(), id, actorID)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// DeleteBooking handles DELETE /bookings/{id}.
func (h *BookingHandler) DeleteBooking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actorID := middleware.UserIDFromContext(r.Context())

	if err := h.bookingSvc.DeleteBooking(r.Context(), id, actorID); err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

// writeBookingError maps the BC error taxonomy (SPEC_FULL.md §7) onto HTTP
// status codes deterministically.
func writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, service.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Message: err.Error()})
	case errors.Is(err, service.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
	case errors.Is(err, service.ErrBadTransition):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_transition", Message: err.Error()})
	case errors.Is(err, service.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation", Message: err.Error()})
	default:
		log.Printf("[handler] booking error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
}
