package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shiva/ridehail/internal/eventbus"
	"github.com/shiva/ridehail/internal/gateway"
	"github.com/shiva/ridehail/internal/model"
	"github.com/shiva/ridehail/internal/repository"
)

// NotificationService is the Notification Dispatcher (ND). For
// booking.created, booking.accepted, booking.cancelled, booking.completed,
// trip.started, trip.ended and payment.updated it persists one notification
// row for the customer in DS and asks the Session Gateway to push the event
// to the customer's live sessions; booking.cancelled is also pushed, without
// a row, to the assigned driver. booking.taken and trip.updated are pushed
// without a row, and booking.rejected is only logged.
//
// Grounded on richxcame-ride-hailing's matching Service.Start subscribe-
// then-dispatch shape (event-bus subscribe with a JSON-unmarshalling
// callback per topic); the teacher has no notification component.
type NotificationService struct {
	notificationRepo *repository.NotificationRepository
	hub              *gateway.Hub
	ledger           *eventbus.IdempotencyLedger
}

// NewNotificationService creates a notification dispatcher.
func NewNotificationService(
	notificationRepo *repository.NotificationRepository,
	hub *gateway.Hub,
	ledger *eventbus.IdempotencyLedger,
) *NotificationService {
	return &NotificationService{notificationRepo: notificationRepo, hub: hub, ledger: ledger}
}

// Subscribe registers the dispatcher's handler on every event bus topic it
// cares about and starts consuming until ctx is cancelled.
func (s *NotificationService) Subscribe(ctx context.Context, consumer *eventbus.Consumer) error {
	return consumer.Start(ctx, s.handle)
}

func (s *NotificationService) handle(ctx context.Context, eventID string, topic eventbus.Topic, body []byte) error {
	fresh, err := s.ledger.CheckAndMark(ctx, eventID, string(topic))
	if err != nil {
		return fmt.Errorf("notification: idempotency check: %w", err)
	}
	if !fresh {
		return nil
	}

	switch topic {
	case eventbus.TopicBookingCreated:
		return s.onBookingCreated(ctx, body)
	case eventbus.TopicBookingAccepted:
		return s.onBookingAccepted(ctx, body)
	case eventbus.TopicBookingTaken:
		return s.onBookingTaken(ctx, body)
	case eventbus.TopicBookingRejected:
		return s.onBookingRejected(ctx, body)
	case eventbus.TopicBookingCancelled:
		return s.onBookingCancelled(ctx, body)
	case eventbus.TopicBookingCompleted:
		return s.onBookingCompleted(ctx, body)
	case eventbus.TopicTripStarted:
		return s.onTripStarted(ctx, body)
	case eventbus.TopicTripUpdated:
		return s.onTripUpdated(ctx, body)
	case eventbus.TopicTripEnded:
		return s.onTripEnded(ctx, body)
	case eventbus.TopicPaymentUpdated:
		return s.onPaymentUpdated(ctx, body)
	default:
		log.Debug().Str("topic", string(topic)).Msg("notification dispatcher: no handler for topic")
		return nil
	}
}

func (s *NotificationService) onBookingCreated(ctx context.Context, body []byte) error {
	var p eventbus.BookingCreatedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal booking.created: %w", err)
	}
	return s.dispatch(ctx, p.CustomerID, model.NotifyBookingCreated, p.BookingID,
		fmt.Sprintf("Your booking %s was created", p.BookingID), "booking.created", p)
}

func (s *NotificationService) onBookingAccepted(ctx context.Context, body []byte) error {
	var p eventbus.BookingAcceptedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal booking.accepted: %w", err)
	}
	return s.dispatch(ctx, p.CustomerID, model.NotifyBookingAccepted, p.BookingID,
		fmt.Sprintf("Driver %s accepted your booking", p.DriverName), "booking.accepted", p)
}

func (s *NotificationService) onBookingTaken(ctx context.Context, body []byte) error {
	var p eventbus.BookingTakenPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal booking.taken: %w", err)
	}
	s.hub.SendToUser(p.DriverID, "booking.taken", p)
	return nil
}

func (s *NotificationService) onBookingRejected(ctx context.Context, body []byte) error {
	var p eventbus.BookingRejectedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal booking.rejected: %w", err)
	}
	log.Debug().Str("booking_id", p.BookingID).Str("driver_id", p.DriverID).Msg("booking rejected")
	return nil
}

func (s *NotificationService) onBookingCancelled(ctx context.Context, body []byte) error {
	var p eventbus.BookingCancelledPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal booking.cancelled: %w", err)
	}
	if err := s.dispatch(ctx, p.CustomerID, model.NotifyBookingCancelled, p.BookingID,
		fmt.Sprintf("Booking %s was cancelled", p.BookingID), "booking.cancelled", p); err != nil {
		return err
	}
	if p.DriverID != nil {
		s.hub.SendToUser(*p.DriverID, "booking.cancelled", p)
	}
	return nil
}

func (s *NotificationService) onBookingCompleted(ctx context.Context, body []byte) error {
	var p eventbus.BookingCompletedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal booking.completed: %w", err)
	}
	return s.dispatch(ctx, p.CustomerID, model.NotifyBookingCompleted, p.BookingID,
		fmt.Sprintf("Booking %s completed", p.BookingID), "booking.completed", p)
}

func (s *NotificationService) onTripStarted(ctx context.Context, body []byte) error {
	var p eventbus.TripStartedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal trip.started: %w", err)
	}
	return s.dispatch(ctx, p.CustomerID, model.NotifyTripUpdate, p.BookingID,
		fmt.Sprintf("Your trip for booking %s has started", p.BookingID), "trip.started", p)
}

// onTripUpdated relays a live position ping straight to the customer's
// session without persisting a notification row — a position ping is not a
// durable, read-tracked event the way the others are.
func (s *NotificationService) onTripUpdated(ctx context.Context, body []byte) error {
	var p eventbus.TripUpdatedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal trip.updated: %w", err)
	}
	s.hub.SendToUser(p.CustomerID, "trip.updated", p)
	return nil
}

func (s *NotificationService) onTripEnded(ctx context.Context, body []byte) error {
	var p eventbus.TripEndedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal trip.ended: %w", err)
	}
	return s.dispatch(ctx, p.CustomerID, model.NotifyTripUpdate, p.BookingID,
		fmt.Sprintf("Your trip for booking %s has ended", p.BookingID), "trip.ended", p)
}

func (s *NotificationService) onPaymentUpdated(ctx context.Context, body []byte) error {
	var p eventbus.PaymentUpdatedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("notification: unmarshal payment.updated: %w", err)
	}
	return s.dispatch(ctx, p.CustomerID, model.NotifyPaymentUpdate, p.BookingID,
		fmt.Sprintf("Payment for booking %s is now %s", p.BookingID, p.Status), "payment.updated", p)
}

// dispatch persists a notification row then asks the hub to push it live.
func (s *NotificationService) dispatch(ctx context.Context, userID string, typ model.NotificationType, bookingID, content, event string, payload interface{}) error {
	n := model.Notification{
		ID:               uuid.New().String(),
		UserID:           userID,
		Type:             typ,
		Content:          content,
		RelatedBookingID: bookingID,
	}
	if _, err := s.notificationRepo.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("notification: persist: %w", err)
	}
	s.hub.SendToUser(userID, event, payload)
	return nil
}
