package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// processedEventTTL bounds the ledger's size; at-least-once redelivery of a
// genuinely stale event past this window is treated as a fresh event and
// processed again.
const processedEventTTL = 24 * time.Hour

// IdempotencyLedger tracks processed (eventID, eventType) pairs in Redis so
// RabbitMQ's at-least-once redelivery never double-applies a consumer side
// effect.
//
// Grounded on CarPooling bookings-api's IdempotencyService.CheckAndMarkEvent,
// adapted from a Postgres-backed ledger to a Redis SETNX ledger since this
// module has no dedicated events table.
type IdempotencyLedger struct {
	redis *redis.Client
}

// NewIdempotencyLedger creates a ledger backed by the given client.
func NewIdempotencyLedger(redis *redis.Client) *IdempotencyLedger {
	return &IdempotencyLedger{redis: redis}
}

func ledgerKey(eventID string) string { return "eventbus:processed:" + eventID }

// CheckAndMark returns true if eventID is new and should be processed, false
// if it was already processed (and should be skipped).
func (l *IdempotencyLedger) CheckAndMark(ctx context.Context, eventID, eventType string) (bool, error) {
	ok, err := l.redis.SetNX(ctx, ledgerKey(eventID), eventType, processedEventTTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: check and mark %s: %w", eventID, err)
	}
	if !ok {
		log.Debug().Str("event_id", eventID).Str("event_type", eventType).Msg("duplicate event, skipping")
		return false, nil
	}
	return true, nil
}

// IsProcessed reports whether eventID has already been recorded.
func (l *IdempotencyLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := l.redis.Exists(ctx, ledgerKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: check processed %s: %w", eventID, err)
	}
	return n > 0, nil
}
