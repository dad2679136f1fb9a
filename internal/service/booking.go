package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/shiva/ridehail/config"
	"github.com/shiva/ridehail/internal/eventbus"
	"github.com/shiva/ridehail/internal/model"
	"github.com/shiva/ridehail/internal/repository"
)

// placeholderArrivalMins is reported on booking.accepted until a real
// distance-based ETA (owned by the tracking service) is wired in.
const placeholderArrivalMins = 5

// ─── Error taxonomy (SPEC_FULL.md §7) ───────────────────────

var (
	// ErrNotFound: booking or resource absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict: state/race violation.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized: actor not permitted.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadTransition: state machine refuses requested transition.
	ErrBadTransition = errors.New("bad transition")
	// ErrValidation: malformed input.
	ErrValidation = errors.New("validation")
	// ErrInfraFailure: DS/KVS/EB/RPC failure after retry policy exhausted.
	ErrInfraFailure = errors.New("infra failure")
)

func conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConflict}, args...)...)
}

func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

func unauthorizedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrUnauthorized}, args...)...)
}

func badTransitionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrBadTransition}, args...)...)
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

func infraFailuref(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInfraFailure}, args...)...)
}

const kvsRetryAttempts = 3
const kvsRetryBaseDelay = time.Second

// ─── Collaborator interfaces ────────────────────────────────
//
// BookingService depends on these narrow interfaces rather than the
// concrete repository/client types directly, so unit tests can substitute
// testify/mock doubles the way the pack's trips-api service tests do
// (grounded on juan-cabra1-CarPooling's trips-api/internal/service tests).
// *repository.BookingRepository, *repository.KVSRepository,
// *eventbus.Publisher, and *TrackingClient already satisfy these, so
// production wiring in cmd/server/main.go is unaffected.

type bookingStore interface {
	CreateBooking(ctx context.Context, customerID string, pickup, destination model.Location) (*model.Booking, error)
	GetBookingByID(ctx context.Context, id string) (*model.Booking, error)
	ListUserBookings(ctx context.Context, userID string, status model.BookingStatus, page, limit int) ([]model.Booking, int, error)
	AcceptBooking(ctx context.Context, bookingID, driverID string, at time.Time) (*model.Booking, error)
	UpdateStatus(ctx context.Context, bookingID string, fromStatuses []model.BookingStatus, to model.BookingStatus, at time.Time, cancelledBy *model.Actor) (*model.Booking, error)
	DeleteBooking(ctx context.Context, bookingID string) error
	HasActiveBookingAsDriver(ctx context.Context, driverID string) (bool, error)
	CheckMultipleDriversAvailability(ctx context.Context, driverIDs []string) ([]model.DriverBookingStatus, error)
	ScanExpiredPendingBookings(ctx context.Context, cutoff time.Time) ([]string, error)
}

type bookingKVS interface {
	AcquireAcceptLock(ctx context.Context, bookingID, holder string, ttl time.Duration) error
	ReleaseAcceptLock(ctx context.Context, bookingID string) error
	WriteBookingShadow(ctx context.Context, bookingID string, payload []byte) error
	ArmTimeout(ctx context.Context, bookingID string, ttl time.Duration) error
	PurgeBookingKeys(ctx context.Context, bookingID string) error
	IsEligibleDriver(ctx context.Context, bookingID, driverID string) (bool, error)
	EligibleDriverCount(ctx context.Context, bookingID string) (int64, error)
	RejectedDriverCount(ctx context.Context, bookingID string) (int64, error)
}

// rejectionRecorder is the sliver of MatchingService that BookingService
// calls directly.
type rejectionRecorder interface {
	AddBookingRejectedDriver(ctx context.Context, bookingID, driverID string) error
}

// tripPinger is the sliver of TrackingClient that BookingService calls.
type tripPinger interface {
	HasActiveTrip(ctx context.Context, driverID string) bool
}

// eventPublisher is the sliver of eventbus.Publisher that BookingService calls.
type eventPublisher interface {
	Publish(ctx context.Context, topic eventbus.Topic, payload interface{}) error
}

// ─── BookingService ─────────────────────────────────────────

// BookingService is the Booking Coordinator (BC): the single authoritative
// mutator of booking state, guarding against double-acceptance and
// double-booking of drivers.
//
// Grounded on the inherited codebase's sentinel-error + classifyError shape
// (kept, taxonomy generalized to SPEC_FULL.md §7) and its cancel service's
// delegate-then-invalidate-cache pattern (folded into cancelBooking, since
// this domain gives BC sole ownership of cancellation).
type BookingService struct {
	bookingRepo bookingStore
	kvs         bookingKVS
	matchingSvc rejectionRecorder
	tracking    tripPinger
	publisher   eventPublisher
	cfg         config.BookingConfig
}

// NewBookingService creates a booking coordinator.
func NewBookingService(
	bookingRepo *repository.BookingRepository,
	kvs *repository.KVSRepository,
	matchingSvc *MatchingService,
	tracking *TrackingClient,
	publisher *eventbus.Publisher,
	cfg config.BookingConfig,
) *BookingService {
	return &BookingService{
		bookingRepo: bookingRepo,
		kvs:         kvs,
		matchingSvc: matchingSvc,
		tracking:    tracking,
		publisher:   publisher,
		cfg:         cfg,
	}
}

// CreateBooking inserts a new pending booking, shadows it in KVS, and
// publishes booking.created + driver.search.requested.
func (s *BookingService) CreateBooking(ctx context.Context, customerID string, pickup, destination model.Location) (*model.Booking, error) {
	if err := validateCoordinates(pickup, destination); err != nil {
		return nil, err
	}

	booking, err := s.bookingRepo.CreateBooking(ctx, customerID, pickup, destination)
	if err != nil {
		if isActiveBookingConflict(err) {
			return nil, conflictf("customer already has an active booking")
		}
		return nil, infraFailuref("create booking: %v", err)
	}

	log.Printf("[booking] created booking %s for customer %s", booking.ID, customerID)

	if err := s.armKVSWithRetry(ctx, booking); err != nil {
		return nil, infraFailuref("kvs shadow write exhausted retries: %v", err)
	}

	if err := s.publisher.Publish(ctx, eventbus.TopicBookingCreated, eventbus.BookingCreatedPayload{
		BookingID:   booking.ID,
		CustomerID:  booking.CustomerID,
		Pickup:      eventbus.LatLng{Lat: pickup.Lat, Lng: pickup.Lon},
		Destination: eventbus.LatLng{Lat: destination.Lat, Lng: destination.Lon},
		CreatedAt:   booking.CreatedAt,
	}); err != nil {
		return nil, infraFailuref("publish booking.created: %v", err)
	}

	if err := s.publisher.Publish(ctx, eventbus.TopicDriverSearchRequested, eventbus.DriverSearchRequestedPayload{
		BookingID:   booking.ID,
		CustomerID:  booking.CustomerID,
		Lat:         pickup.Lat,
		Lng:         pickup.Lon,
		RadiusKm:    3.0,
		Destination: eventbus.LatLng{Lat: destination.Lat, Lng: destination.Lon},
	}); err != nil {
		return nil, infraFailuref("publish driver.search.requested: %v", err)
	}

	return booking, nil
}

// armKVSWithRetry writes the booking shadow and timeout key, retrying up to
// kvsRetryAttempts times with exponential backoff (SPEC_FULL.md §4.1).
func (s *BookingService) armKVSWithRetry(ctx context.Context, booking *model.Booking) error {
	payload, err := repository.MarshalJSON(booking)
	if err != nil {
		return fmt.Errorf("marshal booking shadow: %w", err)
	}

	var lastErr error
	delay := kvsRetryBaseDelay
	for attempt := 0; attempt < kvsRetryAttempts; attempt++ {
		if err := s.kvs.WriteBookingShadow(ctx, booking.ID, payload); err == nil {
			if err := s.kvs.ArmTimeout(ctx, booking.ID, time.Duration(s.cfg.TimeoutMinutes)*time.Minute); err == nil {
				return nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// GetBookingDetails returns a booking by id.
func (s *BookingService) GetBookingDetails(ctx context.Context, bookingID string) (*model.Booking, error) {
	booking, err := s.bookingRepo.GetBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, notFoundf("booking %s", bookingID)
		}
		return nil, infraFailuref("get booking: %v", err)
	}
	return booking, nil
}

// GetUserBookings returns a page of bookings where the user is the customer
// or the assigned driver, most recent first.
func (s *BookingService) GetUserBookings(ctx context.Context, userID string, status model.BookingStatus, page, limit int) (model.BookingPage, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}

	items, total, err := s.bookingRepo.ListUserBookings(ctx, userID, status, page, limit)
	if err != nil {
		return model.BookingPage{}, infraFailuref("list user bookings: %v", err)
	}
	return model.NewBookingPage(items, total, page, limit), nil
}

// allowedTransitions implements the actor matrix in SPEC_FULL.md §4.1.2.
func allowedTransitions(from model.BookingStatus, actor model.Actor) map[model.BookingStatus]struct{} {
	switch {
	case from == model.BookingPending && actor == model.ActorCustomer:
		return map[model.BookingStatus]struct{}{model.BookingCancelled: {}}
	case from == model.BookingPending && actor == model.ActorDriver:
		return map[model.BookingStatus]struct{}{model.BookingAccepted: {}, model.BookingRejected: {}}
	case from == model.BookingAccepted && actor == model.ActorCustomer:
		return map[model.BookingStatus]struct{}{model.BookingCancelled: {}}
	case from == model.BookingAccepted && actor == model.ActorDriver:
		return map[model.BookingStatus]struct{}{model.BookingCancelled: {}, model.BookingOngoing: {}}
	case from == model.BookingOngoing && actor == model.ActorDriver:
		return map[model.BookingStatus]struct{}{model.BookingCompleted: {}}
	default:
		return nil
	}
}

// UpdateBookingStatus performs a generic, authorized state-machine
// transition (SPEC_FULL.md §4.1.2).
func (s *BookingService) UpdateBookingStatus(ctx context.Context, bookingID, actorID string, newStatus model.BookingStatus, at *time.Time) (*model.Booking, error) {
	booking, err := s.bookingRepo.GetBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, notFoundf("booking %s", bookingID)
		}
		return nil, infraFailuref("get booking: %v", err)
	}

	var actor model.Actor
	switch actorID {
	case booking.CustomerID:
		actor = model.ActorCustomer
	default:
		if booking.DriverID != nil && *booking.DriverID == actorID {
			actor = model.ActorDriver
		} else {
			return nil, unauthorizedf("actor %s is not party to booking %s", actorID, bookingID)
		}
	}

	allowed := allowedTransitions(booking.Status, actor)
	if _, ok := allowed[newStatus]; !ok {
		return nil, badTransitionf("cannot move booking %s from %s to %s as %s", bookingID, booking.Status, newStatus, actor)
	}

	when := time.Now()
	if at != nil {
		when = *at
	}

	var cancelledBy *model.Actor
	if newStatus == model.BookingCancelled {
		cancelledBy = &actor
	}

	updated, err := s.bookingRepo.UpdateStatus(ctx, bookingID, []model.BookingStatus{booking.Status}, newStatus, when, cancelledBy)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, conflictf("booking %s was modified concurrently", bookingID)
		}
		return nil, infraFailuref("update status: %v", err)
	}

	if newStatus.IsTerminal() {
		if err := s.kvs.PurgeBookingKeys(ctx, bookingID); err != nil {
			zlog.Error().Err(err).Str("booking_id", bookingID).Msg("kvs purge failed after transition")
		}
	}

	if newStatus == model.BookingCancelled {
		s.publishCancelled(ctx, updated, string(actor), "")
	}

	return updated, nil
}

// AcceptBooking runs the 8-step accept protocol from SPEC_FULL.md §4.1.1.
func (s *BookingService) AcceptBooking(ctx context.Context, bookingID, driverID string) (*model.Booking, error) {
	// Step 1: acquire accept-lock.
	if err := s.kvs.AcquireAcceptLock(ctx, bookingID, driverID, s.cfg.AcceptLockTTL); err != nil {
		if errors.Is(err, repository.ErrLockNotAcquired) {
			return nil, conflictf("booking %s is being processed by another driver", bookingID)
		}
		return nil, infraFailuref("acquire accept lock: %v", err)
	}
	defer func() {
		if err := s.kvs.ReleaseAcceptLock(ctx, bookingID); err != nil {
			zlog.Error().Err(err).Str("booking_id", bookingID).Msg("failed to release accept lock")
		}
	}()

	// Step 2: double-book check.
	busy, err := s.HasActiveBooking(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, conflictf("driver %s already has an active booking", driverID)
	}

	// Step 3: re-read booking.
	booking, err := s.bookingRepo.GetBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, notFoundf("booking %s", bookingID)
		}
		return nil, infraFailuref("get booking: %v", err)
	}
	if booking.Status != model.BookingPending {
		if booking.DriverID != nil {
			return nil, conflictf("booking %s already accepted by another driver", bookingID)
		}
		return nil, conflictf("booking %s is no longer available", bookingID)
	}

	// Step 4: eligibility check.
	eligible, err := s.kvs.IsEligibleDriver(ctx, bookingID, driverID)
	if err != nil {
		return nil, infraFailuref("check eligibility: %v", err)
	}
	if !eligible {
		return nil, unauthorizedf("driver %s is not eligible for booking %s", driverID, bookingID)
	}

	// Step 5: conditional DS update (the linearization point).
	at := time.Now()
	accepted, err := s.bookingRepo.AcceptBooking(ctx, bookingID, driverID, at)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, conflictf("booking %s was accepted by another driver", bookingID)
		}
		return nil, infraFailuref("accept booking: %v", err)
	}

	// Step 6: emit events.
	// EstimatedArrivalMins is a fixed placeholder: BC has no view of the
	// driver's live position (that lives in the tracking service), so it
	// cannot compute a real distance-based ETA here.
	if err := s.publisher.Publish(ctx, eventbus.TopicBookingAccepted, eventbus.BookingAcceptedPayload{
		BookingID:            accepted.ID,
		CustomerID:           accepted.CustomerID,
		DriverID:             driverID,
		EstimatedArrivalMins: placeholderArrivalMins,
	}); err != nil {
		return nil, infraFailuref("publish booking.accepted: %v", err)
	}
	if err := s.publisher.Publish(ctx, eventbus.TopicBookingTaken, eventbus.BookingTakenPayload{
		BookingID:  accepted.ID,
		DriverID:   driverID,
		CustomerID: accepted.CustomerID,
		Timestamp:  at,
	}); err != nil {
		return nil, infraFailuref("publish booking.taken: %v", err)
	}

	// Step 7: purge KVS.
	if err := s.kvs.PurgeBookingKeys(ctx, bookingID); err != nil {
		zlog.Error().Err(err).Str("booking_id", bookingID).Msg("kvs purge failed after accept")
	}

	zlog.Info().Str("booking_id", bookingID).Str("driver_id", driverID).Msg("booking accepted")

	return accepted, nil
}

// RejectBooking records a driver's rejection and, if auto-cancel is enabled
// and every currently-eligible driver has now rejected, schedules a
// smart-cancel after a 10s grace delay.
func (s *BookingService) RejectBooking(ctx context.Context, bookingID, driverID string) error {
	if err := s.matchingSvc.AddBookingRejectedDriver(ctx, bookingID, driverID); err != nil {
		return infraFailuref("record rejection: %v", err)
	}

	if err := s.publisher.Publish(ctx, eventbus.TopicBookingRejected, eventbus.BookingRejectedPayload{
		BookingID: bookingID,
		DriverID:  driverID,
	}); err != nil {
		zlog.Error().Err(err).Str("booking_id", bookingID).Msg("publish booking.rejected failed (best-effort)")
	}

	if !s.cfg.AutoCancelEnabled {
		return nil
	}

	eligibleCount, err := s.kvs.EligibleDriverCount(ctx, bookingID)
	if err != nil {
		zlog.Error().Err(err).Str("booking_id", bookingID).Msg("eligible-driver count failed")
		return nil
	}
	rejectedCount, err := s.kvs.RejectedDriverCount(ctx, bookingID)
	if err != nil {
		zlog.Error().Err(err).Str("booking_id", bookingID).Msg("rejected-driver count failed")
		return nil
	}

	if eligibleCount > 0 && rejectedCount >= eligibleCount {
		go s.scheduleSmartCancel(bookingID, model.ReasonAllDriversReject, s.cfg.SmartCancelDelay)
	}

	return nil
}

// scheduleSmartCancel waits delay then smart-cancels, using a detached
// context since the triggering request has already returned.
func (s *BookingService) scheduleSmartCancel(bookingID string, reason model.CancelReason, delay time.Duration) {
	time.Sleep(delay)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.SmartCancelBooking(ctx, bookingID, reason); err != nil {
		zlog.Error().Err(err).Str("booking_id", bookingID).Msg("scheduled smart cancel failed")
	}
}

// CancelBooking lets the booking's customer or driver cancel a PENDING or
// ACCEPTED booking.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	booking, err := s.bookingRepo.GetBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, notFoundf("booking %s", bookingID)
		}
		return nil, infraFailuref("get booking: %v", err)
	}

	var actor model.Actor
	switch {
	case actorID == booking.CustomerID:
		actor = model.ActorCustomer
	case booking.DriverID != nil && *booking.DriverID == actorID:
		actor = model.ActorDriver
	default:
		return nil, unauthorizedf("actor %s is not party to booking %s", actorID, bookingID)
	}

	if booking.Status != model.BookingPending && booking.Status != model.BookingAccepted {
		return nil, badTransitionf("booking %s cannot be cancelled from status %s", bookingID, booking.Status)
	}

	cancelledBy := actor
	updated, err := s.bookingRepo.UpdateStatus(ctx, bookingID, []model.BookingStatus{booking.Status}, model.BookingCancelled, time.Now(), &cancelledBy)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, conflictf("booking %s was modified concurrently", bookingID)
		}
		return nil, infraFailuref("cancel booking: %v", err)
	}

	if err := s.kvs.PurgeBookingKeys(ctx, bookingID); err != nil {
		zlog.Error().Err(err).Str("booking_id", bookingID).Msg("kvs purge failed after cancel (best-effort)")
	}

	s.publishCancelled(ctx, updated, string(actor), "")

	return updated, nil
}

// publishCancelled emits booking.cancelled best-effort: failure does not
// fail the cancellation (SPEC_FULL.md §4.5/§7).
func (s *BookingService) publishCancelled(ctx context.Context, booking *model.Booking, cancelledBy, reason string) {
	if err := s.publisher.Publish(ctx, eventbus.TopicBookingCancelled, eventbus.BookingCancelledPayload{
		BookingID:   booking.ID,
		CustomerID:  booking.CustomerID,
		DriverID:    booking.DriverID,
		CancelledBy: cancelledBy,
		Reason:      reason,
	}); err != nil {
		zlog.Error().Err(err).Str("booking_id", booking.ID).Msg("publish booking.cancelled failed (best-effort)")
	}
}

// DeleteBooking removes a booking's record, only when terminal and owned by
// the requesting customer.
func (s *BookingService) DeleteBooking(ctx context.Context, bookingID, actorID string) error {
	booking, err := s.bookingRepo.GetBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return notFoundf("booking %s", bookingID)
		}
		return infraFailuref("get booking: %v", err)
	}

	if actorID != booking.CustomerID {
		return unauthorizedf("only the booking's customer may delete it")
	}
	if booking.Status != model.BookingCancelled && booking.Status != model.BookingCompleted {
		return badTransitionf("booking %s cannot be deleted from status %s", bookingID, booking.Status)
	}

	if err := s.bookingRepo.DeleteBooking(ctx, bookingID); err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return notFoundf("booking %s", bookingID)
		}
		return infraFailuref("delete booking: %v", err)
	}
	return nil
}

// CompleteBookingFromTrip is invoked by the trip subsystem when a trip ends.
func (s *BookingService) CompleteBookingFromTrip(ctx context.Context, bookingID string, completedAt time.Time) (*model.Booking, error) {
	updated, err := s.bookingRepo.UpdateStatus(ctx, bookingID, []model.BookingStatus{model.BookingOngoing}, model.BookingCompleted, completedAt, nil)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, badTransitionf("booking %s is not ongoing", bookingID)
		}
		return nil, infraFailuref("complete booking: %v", err)
	}

	if err := s.kvs.PurgeBookingKeys(ctx, bookingID); err != nil {
		zlog.Error().Err(err).Str("booking_id", bookingID).Msg("kvs purge failed after completion")
	}

	if err := s.publisher.Publish(ctx, eventbus.TopicBookingCompleted, eventbus.BookingCompletedPayload{
		BookingID:  updated.ID,
		CustomerID: updated.CustomerID,
	}); err != nil {
		return nil, infraFailuref("publish booking.completed: %v", err)
	}

	return updated, nil
}

// CheckMultipleDriversAvailability scans for non-terminal bookings across a
// set of driver ids in one DS query.
func (s *BookingService) CheckMultipleDriversAvailability(ctx context.Context, driverIDs []string) ([]model.DriverBookingStatus, error) {
	if len(driverIDs) == 0 {
		return nil, nil
	}
	statuses, err := s.bookingRepo.CheckMultipleDriversAvailability(ctx, driverIDs)
	if err != nil {
		return nil, infraFailuref("check multiple drivers availability: %v", err)
	}
	return statuses, nil
}

// HasActiveBooking probes DS and the tracking service concurrently. DS
// error is fail-closed (assume busy); tracking timeout/error is fail-open
// (assume no active trip) — see SPEC_FULL.md §4.1 for rationale.
func (s *BookingService) HasActiveBooking(ctx context.Context, driverID string) (bool, error) {
	type dsResult struct {
		active bool
		err    error
	}
	dsCh := make(chan dsResult, 1)
	go func() {
		active, err := s.bookingRepo.HasActiveBookingAsDriver(ctx, driverID)
		dsCh <- dsResult{active: active, err: err}
	}()

	trackingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	trackingActive := s.tracking.HasActiveTrip(trackingCtx, driverID)

	res := <-dsCh
	if res.err != nil {
		return true, infraFailuref("ds active-booking check failed, assuming busy: %v", res.err)
	}

	return res.active || trackingActive, nil
}

// SmartCancelBooking re-reads the booking; if it's not PENDING (or absent),
// this is an idempotent no-op. Otherwise it cancels with cancelledBy=system.
func (s *BookingService) SmartCancelBooking(ctx context.Context, bookingID string, reason model.CancelReason) error {
	booking, err := s.bookingRepo.GetBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil
		}
		return infraFailuref("smart cancel get booking: %v", err)
	}
	if booking.Status != model.BookingPending {
		return nil
	}

	cancelledBy := model.ActorSystem
	updated, err := s.bookingRepo.UpdateStatus(ctx, bookingID, []model.BookingStatus{model.BookingPending}, model.BookingCancelled, time.Now(), &cancelledBy)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil
		}
		return infraFailuref("smart cancel update: %v", err)
	}

	if err := s.kvs.PurgeBookingKeys(ctx, bookingID); err != nil {
		zlog.Error().Err(err).Str("booking_id", bookingID).Msg("kvs purge failed after smart cancel")
	}

	s.publishCancelled(ctx, updated, string(model.ActorSystem), string(reason))

	zlog.Info().Str("booking_id", bookingID).Str("reason", string(reason)).Msg("booking smart-cancelled")
	return nil
}

// scanExpiredPending wraps the DS scan used by the timeout reaper.
func (s *BookingService) scanExpiredPending(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.bookingRepo.ScanExpiredPendingBookings(ctx, cutoff)
}

func validateCoordinates(pickup, destination model.Location) error {
	if !validLatLng(pickup.Lat, pickup.Lon) || !validLatLng(destination.Lat, destination.Lon) {
		return validationf("coordinates out of range")
	}
	return nil
}

func validLatLng(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func isActiveBookingConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already has an active booking")
}

