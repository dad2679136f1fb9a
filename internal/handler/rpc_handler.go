package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shiva/ridehail/internal/gateway"
	"github.com/shiva/ridehail/internal/model"
	"github.com/shiva/ridehail/internal/service"
)

// RPCHandler exposes the internal, non-bearer-authenticated request/response
// surface other in-house services call directly (SPEC_FULL.md §6). Every
// handler returns {success, ...domain fields...} on success and
// {success: false, message} on failure instead of raising, so a misbehaving
// caller can reconcile locally.
type RPCHandler struct {
	matchingSvc *service.MatchingService
	tracking    *service.TrackingClient
	hub         *gateway.Hub
}

// NewRPCHandler creates an RPC handler wired to its collaborators.
func NewRPCHandler(matchingSvc *service.MatchingService, tracking *service.TrackingClient, hub *gateway.Hub) *RPCHandler {
	return &RPCHandler{matchingSvc: matchingSvc, tracking: tracking, hub: hub}
}

type rpcError struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeRPCError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, rpcError{Success: false, Message: message})
}

// FindDrivers handles RPC `findDrivers`.
func (h *RPCHandler) FindDrivers(w http.ResponseWriter, r *http.Request) {
	var req model.MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, "invalid request body")
		return
	}

	result, err := h.matchingSvc.FindDrivers(r.Context(), req)
	if err != nil {
		writeRPCError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*model.MatchResult
	}{Success: true, MatchResult: result})
}

// RematchDriversForBooking handles RPC `rematchDriversForBooking`.
func (h *RPCHandler) RematchDriversForBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]
	var req model.MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, "invalid request body")
		return
	}

	result, err := h.matchingSvc.FindDriversForReMatch(r.Context(), bookingID, req)
	if err != nil {
		writeRPCError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*model.MatchResult
	}{Success: true, MatchResult: result})
}

// CheckDriverAvailability handles RPC `checkDriverAvailability`.
func (h *RPCHandler) CheckDriverAvailability(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	customerID := r.URL.Query().Get("customerId")

	availability, err := h.matchingSvc.CheckDriverAvailability(r.Context(), vars["driverId"], customerID)
	if err != nil {
		writeRPCError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		model.DriverAvailability
	}{Success: true, DriverAvailability: availability})
}

type matchDriverToBookingRequest struct {
	DriverIDs []string `json:"driverIds"`
}

// MatchDriverToBooking handles RPC `matchDriverToBooking`: commits a
// candidate set as the authoritative eligible-drivers set ahead of the
// accept protocol.
func (h *RPCHandler) MatchDriverToBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]
	var req matchDriverToBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, "invalid request body")
		return
	}

	if err := h.matchingSvc.SetEligibleDrivers(r.Context(), bookingID, req.DriverIDs); err != nil {
		writeRPCError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetDriverActiveTrip handles RPC `getDriverActiveTrip`.
func (h *RPCHandler) GetDriverActiveTrip(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driverId"]
	active := h.tracking.HasActiveTrip(r.Context(), driverID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "hasActiveTrip": active})
}

type sendRequest struct {
	UserID  string      `json:"userId"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// SendToDriver handles RPC `sendToDriver`.
func (h *RPCHandler) SendToDriver(w http.ResponseWriter, r *http.Request) {
	h.send(w, r)
}

// SendToCustomer handles RPC `sendToCustomer`.
func (h *RPCHandler) SendToCustomer(w http.ResponseWriter, r *http.Request) {
	h.send(w, r)
}

func (h *RPCHandler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, "invalid request body")
		return
	}
	delivered := h.hub.SendToUser(req.UserID, req.Event, req.Payload)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "delivered": delivered})
}

type broadcastRequest struct {
	Lat      float64     `json:"lat"`
	Lng      float64     `json:"lng"`
	RadiusKm float64     `json:"radiusKm"`
	Event    string      `json:"event"`
	Payload  interface{} `json:"payload"`
}

// BroadcastToNearbyDrivers handles RPC `broadcastToNearbyDrivers`.
func (h *RPCHandler) BroadcastToNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, "invalid request body")
		return
	}
	count := h.hub.BroadcastNearby(req.Lat, req.Lng, req.RadiusKm, req.Event, req.Payload)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "delivered": count})
}

// GetConnectionStats handles RPC `getConnectionStats`.
func (h *RPCHandler) GetConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		gateway.ConnectionStats
	}{Success: true, ConnectionStats: h.hub.Stats()})
}
