package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/shiva/ridehail/internal/middleware"
	"github.com/shiva/ridehail/internal/model"
	"github.com/shiva/ridehail/internal/service"
)

type mockCoordinator struct{ mock.Mock }

func (m *mockCoordinator) CreateBooking(ctx context.Context, customerID string, pickup, destination model.Location) (*model.Booking, error) {
	args := m.Called(ctx, customerID, pickup, destination)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *mockCoordinator) GetBookingDetails(ctx context.Context, bookingID string) (*model.Booking, error) {
	args := m.Called(ctx, bookingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *mockCoordinator) GetUserBookings(ctx context.Context, userID string, status model.BookingStatus, page, limit int) (model.BookingPage, error) {
	args := m.Called(ctx, userID, status, page, limit)
	page2, _ := args.Get(0).(model.BookingPage)
	return page2, args.Error(1)
}

func (m *mockCoordinator) AcceptBooking(ctx context.Context, bookingID, driverID string) (*model.Booking, error) {
	args := m.Called(ctx, bookingID, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *mockCoordinator) RejectBooking(ctx context.Context, bookingID, driverID string) error {
	args := m.Called(ctx, bookingID, driverID)
	return args.Error(0)
}

func (m *mockCoordinator) CancelBooking(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	args := m.Called(ctx, bookingID, actorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *mockCoordinator) DeleteBooking(ctx context.Context, bookingID, actorID string) error {
	args := m.Called(ctx, bookingID, actorID)
	return args.Error(0)
}

// injectUser simulates what middleware.Auth would have attached upstream.
func injectUser(r *http.Request, userID string) *http.Request {
	// middleware's context keys are unexported; reach them the only way a
	// downstream handler can, through the package's own accessor contract:
	// run the real Auth middleware with trusted-gateway headers.
	r.Header.Set("X-User-Id", userID)
	r.Header.Set("X-User-Role", "customer")
	return r
}

func routerWithAuth(coordinator *mockCoordinator) http.Handler {
	h := &BookingHandler{bookingSvc: coordinator}
	router := mux.NewRouter()
	router.HandleFunc("/bookings", h.CreateBooking).Methods(http.MethodPost)
	router.HandleFunc("/bookings", h.ListBookings).Methods(http.MethodGet)
	router.HandleFunc("/bookings/{id}", h.GetBooking).Methods(http.MethodGet)
	router.HandleFunc("/bookings/{id}/accept", h.AcceptBooking).Methods(http.MethodPut)
	router.HandleFunc("/bookings/{id}/reject", h.RejectBooking).Methods(http.MethodPut)
	router.HandleFunc("/bookings/{id}/cancel", h.CancelBooking).Methods(http.MethodPut)
	router.HandleFunc("/bookings/{id}", h.DeleteBooking).Methods(http.MethodDelete)
	return middleware.Auth("")(router)
}

func TestCreateBooking_Returns201(t *testing.T) {
	coordinator := &mockCoordinator{}
	booking := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingPending}
	coordinator.On("CreateBooking", mock.Anything, "cust1", mock.Anything, mock.Anything).Return(booking, nil)

	body, _ := json.Marshal(createBookingRequest{PickupLat: 28.7, PickupLng: 77.1, DestLat: 28.6, DestLng: 77.2})
	req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewReader(body))
	injectUser(req, "cust1")
	rr := httptest.NewRecorder()

	routerWithAuth(coordinator).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestCreateBooking_InvalidJSON(t *testing.T) {
	coordinator := &mockCoordinator{}

	req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewReader([]byte("{not json")))
	injectUser(req, "cust1")
	rr := httptest.NewRecorder()

	routerWithAuth(coordinator).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	coordinator.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetBooking_NotFoundMapsTo404(t *testing.T) {
	coordinator := &mockCoordinator{}
	coordinator.On("GetBookingDetails", mock.Anything, "ghost").Return(nil, service.ErrNotFound)

	req := httptest.NewRequest(http.MethodGet, "/bookings/ghost", nil)
	injectUser(req, "cust1")
	rr := httptest.NewRecorder()

	routerWithAuth(coordinator).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAcceptBooking_ConflictMapsTo409(t *testing.T) {
	coordinator := &mockCoordinator{}
	coordinator.On("AcceptBooking", mock.Anything, "b1", "drv1").Return(nil, service.ErrConflict)

	req := httptest.NewRequest(http.MethodPut, "/bookings/b1/accept", nil)
	injectUser(req, "drv1")
	rr := httptest.NewRecorder()

	routerWithAuth(coordinator).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAcceptBooking_UnauthorizedMapsTo401(t *testing.T) {
	coordinator := &mockCoordinator{}
	coordinator.On("AcceptBooking", mock.Anything, "b1", "drv1").Return(nil, service.ErrUnauthorized)

	req := httptest.NewRequest(http.MethodPut, "/bookings/b1/accept", nil)
	injectUser(req, "drv1")
	rr := httptest.NewRecorder()

	routerWithAuth(coordinator).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCancelBooking_BadTransitionMapsTo400(t *testing.T) {
	coordinator := &mockCoordinator{}
	coordinator.On("CancelBooking", mock.Anything, "b1", "cust1").Return(nil, service.ErrBadTransition)

	req := httptest.NewRequest(http.MethodPut, "/bookings/b1/cancel", nil)
	injectUser(req, "cust1")
	rr := httptest.NewRecorder()

	routerWithAuth(coordinator).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteBooking_Success(t *testing.T) {
	coordinator := &mockCoordinator{}
	coordinator.On("DeleteBooking", mock.Anything, "b1", "cust1").Return(nil)

	req := httptest.NewRequest(http.MethodDelete, "/bookings/b1", nil)
	injectUser(req, "cust1")
	rr := httptest.NewRecorder()

	routerWithAuth(coordinator).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	coordinator := &mockCoordinator{}

	req := httptest.NewRequest(http.MethodGet, "/bookings/b1", nil)
	rr := httptest.NewRecorder()

	routerWithAuth(coordinator).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	coordinator.AssertNotCalled(t, "GetBookingDetails", mock.Anything, mock.Anything)
}
