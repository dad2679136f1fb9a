package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/shiva/ridehail/config"
	"github.com/shiva/ridehail/internal/eventbus"
	"github.com/shiva/ridehail/internal/model"
	"github.com/shiva/ridehail/internal/repository"
)

// ─── Mocks (grounded on juan-cabra1-CarPooling's trips-api service tests) ──

type mockBookingStore struct{ mock.Mock }

func (m *mockBookingStore) CreateBooking(ctx context.Context, customerID string, pickup, destination model.Location) (*model.Booking, error) {
	args := m.Called(ctx, customerID, pickup, destination)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *mockBookingStore) GetBookingByID(ctx context.Context, id string) (*model.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *mockBookingStore) ListUserBookings(ctx context.Context, userID string, status model.BookingStatus, page, limit int) ([]model.Booking, int, error) {
	args := m.Called(ctx, userID, status, page, limit)
	items, _ := args.Get(0).([]model.Booking)
	return items, args.Int(1), args.Error(2)
}

func (m *mockBookingStore) AcceptBooking(ctx context.Context, bookingID, driverID string, at time.Time) (*model.Booking, error) {
	args := m.Called(ctx, bookingID, driverID, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *mockBookingStore) UpdateStatus(ctx context.Context, bookingID string, fromStatuses []model.BookingStatus, to model.BookingStatus, at time.Time, cancelledBy *model.Actor) (*model.Booking, error) {
	args := m.Called(ctx, bookingID, fromStatuses, to, at, cancelledBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *mockBookingStore) DeleteBooking(ctx context.Context, bookingID string) error {
	args := m.Called(ctx, bookingID)
	return args.Error(0)
}

func (m *mockBookingStore) HasActiveBookingAsDriver(ctx context.Context, driverID string) (bool, error) {
	args := m.Called(ctx, driverID)
	return args.Bool(0), args.Error(1)
}

func (m *mockBookingStore) CheckMultipleDriversAvailability(ctx context.Context, driverIDs []string) ([]model.DriverBookingStatus, error) {
	args := m.Called(ctx, driverIDs)
	statuses, _ := args.Get(0).([]model.DriverBookingStatus)
	return statuses, args.Error(1)
}

func (m *mockBookingStore) ScanExpiredPendingBookings(ctx context.Context, cutoff time.Time) ([]string, error) {
	args := m.Called(ctx, cutoff)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

type mockBookingKVS struct{ mock.Mock }

func (m *mockBookingKVS) AcquireAcceptLock(ctx context.Context, bookingID, holder string, ttl time.Duration) error {
	args := m.Called(ctx, bookingID, holder, ttl)
	return args.Error(0)
}

func (m *mockBookingKVS) ReleaseAcceptLock(ctx context.Context, bookingID string) error {
	args := m.Called(ctx, bookingID)
	return args.Error(0)
}

func (m *mockBookingKVS) WriteBookingShadow(ctx context.Context, bookingID string, payload []byte) error {
	args := m.Called(ctx, bookingID, payload)
	return args.Error(0)
}

func (m *mockBookingKVS) ArmTimeout(ctx context.Context, bookingID string, ttl time.Duration) error {
	args := m.Called(ctx, bookingID, ttl)
	return args.Error(0)
}

func (m *mockBookingKVS) PurgeBookingKeys(ctx context.Context, bookingID string) error {
	args := m.Called(ctx, bookingID)
	return args.Error(0)
}

func (m *mockBookingKVS) IsEligibleDriver(ctx context.Context, bookingID, driverID string) (bool, error) {
	args := m.Called(ctx, bookingID, driverID)
	return args.Bool(0), args.Error(1)
}

func (m *mockBookingKVS) EligibleDriverCount(ctx context.Context, bookingID string) (int64, error) {
	args := m.Called(ctx, bookingID)
	return int64(args.Int(0)), args.Error(1)
}

func (m *mockBookingKVS) RejectedDriverCount(ctx context.Context, bookingID string) (int64, error) {
	args := m.Called(ctx, bookingID)
	return int64(args.Int(0)), args.Error(1)
}

type mockRejectionRecorder struct{ mock.Mock }

func (m *mockRejectionRecorder) AddBookingRejectedDriver(ctx context.Context, bookingID, driverID string) error {
	args := m.Called(ctx, bookingID, driverID)
	return args.Error(0)
}

type mockTripPinger struct{ mock.Mock }

func (m *mockTripPinger) HasActiveTrip(ctx context.Context, driverID string) bool {
	args := m.Called(ctx, driverID)
	return args.Bool(0)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, topic eventbus.Topic, payload interface{}) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

func newTestBookingService() (*BookingService, *mockBookingStore, *mockBookingKVS, *mockRejectionRecorder, *mockTripPinger, *mockPublisher) {
	store := &mockBookingStore{}
	kvs := &mockBookingKVS{}
	rejections := &mockRejectionRecorder{}
	tracking := &mockTripPinger{}
	publisher := &mockPublisher{}

	cfg := config.BookingConfig{
		TimeoutMinutes:    3,
		AutoCancelEnabled: true,
		AcceptLockTTL:     10 * time.Second,
		SmartCancelDelay:  10 * time.Millisecond,
		ReaperInterval:    30 * time.Second,
	}

	svc := &BookingService{
		bookingRepo: store,
		kvs:         kvs,
		matchingSvc: rejections,
		tracking:    tracking,
		publisher:   publisher,
		cfg:         cfg,
	}
	return svc, store, kvs, rejections, tracking, publisher
}

func driverPtr(s string) *string { return &s }

// ─── Scenario 1: Happy accept ───────────────────────────────

func TestAcceptBooking_Happy(t *testing.T) {
	svc, store, kvs, _, tracking, publisher := newTestBookingService()
	ctx := context.Background()

	pending := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingPending}
	accepted := &model.Booking{ID: "b1", CustomerID: "cust1", DriverID: driverPtr("drv1"), Status: model.BookingAccepted}

	kvs.On("AcquireAcceptLock", ctx, "b1", "drv1", 10*time.Second).Return(nil)
	kvs.On("ReleaseAcceptLock", ctx, "b1").Return(nil)
	store.On("HasActiveBookingAsDriver", ctx, "drv1").Return(false, nil)
	tracking.On("HasActiveTrip", mock.Anything, "drv1").Return(false)
	store.On("GetBookingByID", ctx, "b1").Return(pending, nil)
	kvs.On("IsEligibleDriver", ctx, "b1", "drv1").Return(true, nil)
	store.On("AcceptBooking", ctx, "b1", "drv1", mock.AnythingOfType("time.Time")).Return(accepted, nil)
	publisher.On("Publish", ctx, eventbus.TopicBookingAccepted, mock.Anything).Return(nil)
	publisher.On("Publish", ctx, eventbus.TopicBookingTaken, mock.Anything).Return(nil)
	kvs.On("PurgeBookingKeys", ctx, "b1").Return(nil)

	got, err := svc.AcceptBooking(ctx, "b1", "drv1")

	assert.NoError(t, err)
	assert.Equal(t, model.BookingAccepted, got.Status)
	kvs.AssertCalled(t, "ReleaseAcceptLock", ctx, "b1")
}

// ─── Scenario 2: Accept race — lock already held ────────────

func TestAcceptBooking_Race_LockHeld(t *testing.T) {
	svc, _, kvs, _, _, _ := newTestBookingService()
	ctx := context.Background()

	kvs.On("AcquireAcceptLock", ctx, "b1", "drv2", 10*time.Second).Return(repository.ErrLockNotAcquired)

	_, err := svc.AcceptBooking(ctx, "b1", "drv2")

	assert.ErrorIs(t, err, ErrConflict)
	kvs.AssertNotCalled(t, "ReleaseAcceptLock", mock.Anything, mock.Anything)
}

// Losing the DS conditional update race (another driver accepted first)
// still releases the lock and surfaces ErrConflict.
func TestAcceptBooking_Race_LostLinearization(t *testing.T) {
	svc, store, kvs, _, tracking, _ := newTestBookingService()
	ctx := context.Background()

	pending := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingPending}

	kvs.On("AcquireAcceptLock", ctx, "b1", "drv1", 10*time.Second).Return(nil)
	kvs.On("ReleaseAcceptLock", ctx, "b1").Return(nil)
	store.On("HasActiveBookingAsDriver", ctx, "drv1").Return(false, nil)
	tracking.On("HasActiveTrip", mock.Anything, "drv1").Return(false)
	store.On("GetBookingByID", ctx, "b1").Return(pending, nil)
	kvs.On("IsEligibleDriver", ctx, "b1", "drv1").Return(true, nil)
	store.On("AcceptBooking", ctx, "b1", "drv1", mock.AnythingOfType("time.Time")).Return(nil, repository.ErrNoRows)

	_, err := svc.AcceptBooking(ctx, "b1", "drv1")

	assert.ErrorIs(t, err, ErrConflict)
	kvs.AssertCalled(t, "ReleaseAcceptLock", ctx, "b1")
}

// ─── Scenario 3: Double-book — driver already has an active booking ──

func TestAcceptBooking_DoubleBook(t *testing.T) {
	svc, store, kvs, _, tracking, _ := newTestBookingService()
	ctx := context.Background()

	kvs.On("AcquireAcceptLock", ctx, "b1", "drv1", 10*time.Second).Return(nil)
	kvs.On("ReleaseAcceptLock", ctx, "b1").Return(nil)
	store.On("HasActiveBookingAsDriver", ctx, "drv1").Return(true, nil)
	tracking.On("HasActiveTrip", mock.Anything, "drv1").Return(false)

	_, err := svc.AcceptBooking(ctx, "b1", "drv1")

	assert.ErrorIs(t, err, ErrConflict)
	store.AssertNotCalled(t, "AcceptBooking", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// DS failure during the double-book probe fails closed (treated as busy).
func TestHasActiveBooking_DSErrorFailsClosed(t *testing.T) {
	svc, store, _, _, tracking, _ := newTestBookingService()
	ctx := context.Background()

	store.On("HasActiveBookingAsDriver", ctx, "drv1").Return(false, errors.New("connection reset"))
	tracking.On("HasActiveTrip", mock.Anything, "drv1").Return(false)

	busy, err := svc.HasActiveBooking(ctx, "drv1")

	assert.True(t, busy)
	assert.ErrorIs(t, err, ErrInfraFailure)
}

// Tracking failure fails open (does not block acceptance by itself).
func TestHasActiveBooking_TrackingErrorFailsOpen(t *testing.T) {
	svc, store, _, _, tracking, _ := newTestBookingService()
	ctx := context.Background()

	store.On("HasActiveBookingAsDriver", ctx, "drv1").Return(false, nil)
	tracking.On("HasActiveTrip", mock.Anything, "drv1").Return(false)

	busy, err := svc.HasActiveBooking(ctx, "drv1")

	assert.NoError(t, err)
	assert.False(t, busy)
}

// ─── Scenario 4: Reject-all then auto-cancel ────────────────

func TestRejectBooking_AllRejectedSchedulesSmartCancel(t *testing.T) {
	svc, store, kvs, rejections, _, publisher := newTestBookingService()
	ctx := context.Background()

	rejections.On("AddBookingRejectedDriver", ctx, "b1", "drv1").Return(nil)
	publisher.On("Publish", ctx, eventbus.TopicBookingRejected, mock.Anything).Return(nil)
	kvs.On("EligibleDriverCount", ctx, "b1").Return(1, nil)
	kvs.On("RejectedDriverCount", ctx, "b1").Return(1, nil)

	cancelled := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingCancelled}
	store.On("GetBookingByID", mock.Anything, "b1").Return(&model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingPending}, nil)
	updated := make(chan struct{})
	store.On("UpdateStatus", mock.Anything, "b1", []model.BookingStatus{model.BookingPending}, model.BookingCancelled, mock.AnythingOfType("time.Time"), mock.AnythingOfType("*model.Actor")).Return(cancelled, nil).Run(func(mock.Arguments) { close(updated) })
	kvs.On("PurgeBookingKeys", mock.Anything, "b1").Return(nil)
	publisher.On("Publish", mock.Anything, eventbus.TopicBookingCancelled, mock.Anything).Return(nil)

	err := svc.RejectBooking(ctx, "b1", "drv1")
	assert.NoError(t, err)

	// scheduleSmartCancel runs in a detached goroutine after SmartCancelDelay;
	// polls before then must not report a failure, so they watch the channel.
	assert.Eventually(t, func() bool {
		select {
		case <-updated:
			return true
		default:
			return false
		}
	}, 500*time.Millisecond, 5*time.Millisecond)
	store.AssertCalled(t, "UpdateStatus", mock.Anything, "b1", []model.BookingStatus{model.BookingPending}, model.BookingCancelled, mock.AnythingOfType("time.Time"), mock.AnythingOfType("*model.Actor"))
}

func TestRejectBooking_NotAllRejected_NoSmartCancel(t *testing.T) {
	svc, _, kvs, rejections, _, publisher := newTestBookingService()
	ctx := context.Background()

	rejections.On("AddBookingRejectedDriver", ctx, "b1", "drv1").Return(nil)
	publisher.On("Publish", ctx, eventbus.TopicBookingRejected, mock.Anything).Return(nil)
	kvs.On("EligibleDriverCount", ctx, "b1").Return(3, nil)
	kvs.On("RejectedDriverCount", ctx, "b1").Return(1, nil)

	err := svc.RejectBooking(ctx, "b1", "drv1")
	assert.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	rejections.AssertExpectations(t)
}

// ─── Scenario 5: Timeout / smart cancel idempotency ─────────

func TestSmartCancelBooking_Idempotent(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()
	ctx := context.Background()

	// Already cancelled: re-invocation is a no-op, not an error.
	store.On("GetBookingByID", ctx, "b1").Return(&model.Booking{ID: "b1", Status: model.BookingCancelled}, nil)

	err := svc.SmartCancelBooking(ctx, "b1", model.ReasonTimeout)

	assert.NoError(t, err)
	store.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSmartCancelBooking_AbsentBookingIsNoop(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()
	ctx := context.Background()

	store.On("GetBookingByID", ctx, "ghost").Return(nil, repository.ErrNoRows)

	err := svc.SmartCancelBooking(ctx, "ghost", model.ReasonTimeout)
	assert.NoError(t, err)
}

func TestSmartCancelBooking_CancelsPendingBooking(t *testing.T) {
	svc, store, kvs, _, _, publisher := newTestBookingService()
	ctx := context.Background()

	pending := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingPending}
	cancelled := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingCancelled}

	store.On("GetBookingByID", ctx, "b1").Return(pending, nil)
	store.On("UpdateStatus", ctx, "b1", []model.BookingStatus{model.BookingPending}, model.BookingCancelled, mock.AnythingOfType("time.Time"), mock.AnythingOfType("*model.Actor")).Return(cancelled, nil)
	kvs.On("PurgeBookingKeys", ctx, "b1").Return(nil)
	publisher.On("Publish", ctx, eventbus.TopicBookingCancelled, mock.Anything).Return(nil)

	err := svc.SmartCancelBooking(ctx, "b1", model.ReasonTimeout)
	assert.NoError(t, err)
}

// ─── Scenario 6: Duplicate create rejected as conflict ──────

func TestCreateBooking_DuplicateActiveBooking(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()
	ctx := context.Background()

	store.On("CreateBooking", ctx, "cust1", mock.Anything, mock.Anything).
		Return(nil, errors.New("create booking: customer cust1 already has an active booking"))

	pickup := model.Location{Lat: 28.7, Lon: 77.1}
	dest := model.Location{Lat: 28.6, Lon: 77.2}

	_, err := svc.CreateBooking(ctx, "cust1", pickup, dest)

	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateBooking_InvalidCoordinates(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()
	ctx := context.Background()

	pickup := model.Location{Lat: 200, Lon: 77.1}
	dest := model.Location{Lat: 28.6, Lon: 77.2}

	_, err := svc.CreateBooking(ctx, "cust1", pickup, dest)

	assert.ErrorIs(t, err, ErrValidation)
	store.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// ─── Scenario 7: Customer cancel then delete ────────────────

func TestCancelBooking_ByCustomer(t *testing.T) {
	svc, store, kvs, _, _, publisher := newTestBookingService()
	ctx := context.Background()

	pending := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingPending}
	cancelled := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingCancelled}

	store.On("GetBookingByID", ctx, "b1").Return(pending, nil)
	store.On("UpdateStatus", ctx, "b1", []model.BookingStatus{model.BookingPending}, model.BookingCancelled, mock.AnythingOfType("time.Time"), mock.AnythingOfType("*model.Actor")).Return(cancelled, nil)
	kvs.On("PurgeBookingKeys", ctx, "b1").Return(nil)
	publisher.On("Publish", ctx, eventbus.TopicBookingCancelled, mock.Anything).Return(nil)

	got, err := svc.CancelBooking(ctx, "b1", "cust1")

	assert.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, got.Status)
}

func TestDeleteBooking_AfterCancel(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()
	ctx := context.Background()

	cancelled := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingCancelled}
	store.On("GetBookingByID", ctx, "b1").Return(cancelled, nil)
	store.On("DeleteBooking", ctx, "b1").Return(nil)

	err := svc.DeleteBooking(ctx, "b1", "cust1")
	assert.NoError(t, err)
}

func TestDeleteBooking_RefusesNonTerminal(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()
	ctx := context.Background()

	pending := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingPending}
	store.On("GetBookingByID", ctx, "b1").Return(pending, nil)

	err := svc.DeleteBooking(ctx, "b1", "cust1")

	assert.ErrorIs(t, err, ErrBadTransition)
	store.AssertNotCalled(t, "DeleteBooking", mock.Anything, mock.Anything)
}

func TestDeleteBooking_RefusesNonOwner(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()
	ctx := context.Background()

	cancelled := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingCancelled}
	store.On("GetBookingByID", ctx, "b1").Return(cancelled, nil)

	err := svc.DeleteBooking(ctx, "b1", "someone-else")

	assert.ErrorIs(t, err, ErrUnauthorized)
}

// ─── State machine / actor matrix ────────────────────────────

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		name   string
		from   model.BookingStatus
		actor  model.Actor
		to     model.BookingStatus
		wantOK bool
	}{
		{"customer cancels pending", model.BookingPending, model.ActorCustomer, model.BookingCancelled, true},
		{"customer cannot accept", model.BookingPending, model.ActorCustomer, model.BookingAccepted, false},
		{"driver accepts pending", model.BookingPending, model.ActorDriver, model.BookingAccepted, true},
		{"driver rejects pending", model.BookingPending, model.ActorDriver, model.BookingRejected, true},
		{"driver starts trip", model.BookingAccepted, model.ActorDriver, model.BookingOngoing, true},
		{"customer cancels accepted", model.BookingAccepted, model.ActorCustomer, model.BookingCancelled, true},
		{"driver completes ongoing", model.BookingOngoing, model.ActorDriver, model.BookingCompleted, true},
		{"customer cannot complete ongoing", model.BookingOngoing, model.ActorCustomer, model.BookingCompleted, false},
		{"terminal booking rejects all", model.BookingCompleted, model.ActorDriver, model.BookingCancelled, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			allowed := allowedTransitions(tc.from, tc.actor)
			_, ok := allowed[tc.to]
			assert.Equal(t, tc.wantOK, ok)
		})
	}
}

func TestUpdateBookingStatus_RejectsDisallowedTransition(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()
	ctx := context.Background()

	booking := &model.Booking{ID: "b1", CustomerID: "cust1", Status: model.BookingPending}
	store.On("GetBookingByID", ctx, "b1").Return(booking, nil)

	_, err := svc.UpdateBookingStatus(ctx, "b1", "cust1", model.BookingAccepted, nil)

	assert.ErrorIs(t, err, ErrBadTransition)
	store.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// ─── Pagination law ──────────────────────────────────────────

func TestGetUserBookings_PagesLaw(t *testing.T) {
	svc, store, _, _, _, _ := newTestBookingService()
	ctx := context.Background()

	store.On("ListUserBookings", ctx, "cust1", model.BookingStatus(""), 1, 10).Return([]model.Booking{}, 0, nil)
	page, err := svc.GetUserBookings(ctx, "cust1", "", 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, 0, page.Pages)

	svc2, store2, _, _, _, _ := newTestBookingService()
	store2.On("ListUserBookings", ctx, "cust1", model.BookingStatus(""), 1, 10).Return(make([]model.Booking, 10), 25, nil)
	page2, err := svc2.GetUserBookings(ctx, "cust1", "", 1, 10)
	assert.NoError(t, err)
	assert.Equal(t, 3, page2.Pages)
}
