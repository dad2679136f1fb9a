package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/shiva/ridehail/internal/model"
)

func TestTimeoutReaper_SweepsExpiredPendingBookings(t *testing.T) {
	svc, store, kvs, _, _, publisher := newTestBookingService()

	store.On("ScanExpiredPendingBookings", mock.Anything, mock.AnythingOfType("time.Time")).
		Return([]string{"b1", "b2"}, nil).Once()
	store.On("ScanExpiredPendingBookings", mock.Anything, mock.AnythingOfType("time.Time")).
		Return([]string{}, nil)

	pending := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingPending}
	cancelled := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingCancelled}
	store.On("GetBookingByID", mock.Anything, "b1").Return(pending, nil)
	store.On("UpdateStatus", mock.Anything, "b1", []model.BookingStatus{model.BookingPending}, model.BookingCancelled, mock.AnythingOfType("time.Time"), mock.AnythingOfType("*model.Actor")).Return(cancelled, nil)

	pending2 := &model.Booking{ID: "b2", CustomerID: "cust2", Status: model.BookingPending}
	cancelled2 := &model.Booking{ID: "b2", CustomerID: "cust2", Status: model.BookingCancelled}
	store.On("GetBookingByID", mock.Anything, "b2").Return(pending2, nil)
	store.On("UpdateStatus", mock.Anything, "b2", []model.BookingStatus{model.BookingPending}, model.BookingCancelled, mock.AnythingOfType("time.Time"), mock.AnythingOfType("*model.Actor")).Return(cancelled2, nil)

	kvs.On("PurgeBookingKeys", mock.Anything, mock.Anything).Return(nil)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	reaper := NewTimeoutReaper(svc, 5*time.Millisecond, 3*time.Minute, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	reaper.Run(ctx)

	store.AssertCalled(t, "UpdateStatus", mock.Anything, "b1", []model.BookingStatus{model.BookingPending}, model.BookingCancelled, mock.AnythingOfType("time.Time"), mock.AnythingOfType("*model.Actor"))
	store.AssertCalled(t, "UpdateStatus", mock.Anything, "b2", []model.BookingStatus{model.BookingPending}, model.BookingCancelled, mock.AnythingOfType("time.Time"), mock.AnythingOfType("*model.Actor"))
}

func TestTimeoutReaper_DisabledNeverSweeps(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()

	reaper := NewTimeoutReaper(svc, 5*time.Millisecond, 3*time.Minute, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	reaper.Run(ctx)

	store.AssertNotCalled(t, "ScanExpiredPendingBookings", mock.Anything, mock.Anything)
}

func TestTimeoutReaper_ScanFailureDoesNotPanic(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()

	store.On("ScanExpiredPendingBookings", mock.Anything, mock.AnythingOfType("time.Time")).
		Return(nil, assert.AnError)

	reaper := NewTimeoutReaper(svc, 5*time.Millisecond, 3*time.Minute, true)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	assert.NotPanics(t, func() { reaper.Run(ctx) })
}
