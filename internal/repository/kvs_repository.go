package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when SetNX fails to acquire the accept-lock
// because another holder already owns it.
var ErrLockNotAcquired = errors.New("kvs: lock not acquired")

// KVSRepository wraps the Redis-resident coordination state described in
// SPEC_FULL.md §3: the accept-lock, eligible/rejected driver sets, the
// booking shadow, the timeout key, and the customer caches.
//
// Grounded on the inherited ride-pooling codebase's PricingRepository, whose
// GetDemandSupply method established the Redis-first, cache-aside idiom this
// module generalizes into plain get/set/expire helpers plus set and lock
// primitives.
type KVSRepository struct {
	redis *redis.Client
}

// NewKVSRepository creates a new KVS repository backed by the given client.
func NewKVSRepository(redis *redis.Client) *KVSRepository {
	return &KVSRepository{redis: redis}
}

// ─── Key naming ─────────────────────────────────────────────

func bookingShadowKey(id string) string    { return "booking:" + id }
func bookingTimeoutKey(id string) string   { return "booking:" + id + ":timeout" }
func eligibleDriversKey(id string) string  { return "booking:" + id + ":eligible-drivers" }
func rejectedDriversKey(id string) string  { return "booking:" + id + ":rejected-drivers" }
func acceptLockKey(id string) string       { return "lock:booking:" + id + ":accept" }
func customerBlockedKey(id string) string  { return "customer:" + id + ":blocked-drivers" }
func customerPrefsKey(id string) string    { return "customer:" + id + ":preferences" }
func customerLastSearchKey(id string) string { return "customer:" + id + ":last-search" }

// ─── Accept lock ────────────────────────────────────────────

// AcquireAcceptLock sets lock:booking:{id}:accept = holder if absent, with
// the given TTL. Returns ErrLockNotAcquired if another holder already owns
// it (SPEC_FULL.md §4.1.1 step 1).
func (k *KVSRepository) AcquireAcceptLock(ctx context.Context, bookingID, holder string, ttl time.Duration) error {
	ok, err := k.redis.SetNX(ctx, acceptLockKey(bookingID), holder, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire accept lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}
	return nil
}

// ReleaseAcceptLock releases the accept-lock unconditionally. Failures are
// tolerated by the caller (the lock's TTL bounds the damage of a missed
// release), per SPEC_FULL.md §7.
func (k *KVSRepository) ReleaseAcceptLock(ctx context.Context, bookingID string) error {
	return k.redis.Del(ctx, acceptLockKey(bookingID)).Err()
}

// ─── Booking shadow + timeout ───────────────────────────────

// WriteBookingShadow caches a serialized booking for fast reads, with a
// ~1 hour TTL.
func (k *KVSRepository) WriteBookingShadow(ctx context.Context, bookingID string, payload []byte) error {
	return k.redis.Set(ctx, bookingShadowKey(bookingID), payload, time.Hour).Err()
}

// ArmTimeout sets the timeout key with the given TTL. The timeout reaper
// does not read this key: it finds expired bookings by scanning DS for
// PENDING rows older than the configured timeout.
func (k *KVSRepository) ArmTimeout(ctx context.Context, bookingID string, ttl time.Duration) error {
	return k.redis.Set(ctx, bookingTimeoutKey(bookingID), time.Now().Unix(), ttl).Err()
}

// PurgeBookingKeys deletes every booking:{id}:* key on a terminal
// transition (SPEC_FULL.md §3: "all keys scoped to a booking MUST be purged
// on any terminal transition").
func (k *KVSRepository) PurgeBookingKeys(ctx context.Context, bookingID string) error {
	return k.redis.Del(ctx,
		bookingShadowKey(bookingID),
		bookingTimeoutKey(bookingID),
		eligibleDriversKey(bookingID),
		rejectedDriversKey(bookingID),
	).Err()
}

// ─── Eligible / rejected driver sets ────────────────────────

// SetEligibleDrivers replaces the eligible-drivers set for a booking.
func (k *KVSRepository) SetEligibleDrivers(ctx context.Context, bookingID string, driverIDs []string) error {
	key := eligibleDriversKey(bookingID)
	pipe := k.redis.TxPipeline()
	pipe.Del(ctx, key)
	if len(driverIDs) > 0 {
		members := make([]interface{}, len(driverIDs))
		for i, id := range driverIDs {
			members[i] = id
		}
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, 2*time.Hour)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("set eligible drivers: %w", err)
	}
	return nil
}

// IsEligibleDriver reports whether driverID is a member of the booking's
// eligible set (SPEC_FULL.md §4.1.1 step 4).
func (k *KVSRepository) IsEligibleDriver(ctx context.Context, bookingID, driverID string) (bool, error) {
	ok, err := k.redis.SIsMember(ctx, eligibleDriversKey(bookingID), driverID).Result()
	if err != nil {
		return false, fmt.Errorf("check eligible driver: %w", err)
	}
	return ok, nil
}

// AddRejectedDriver inserts driverID into the rejected set, arming a 2h TTL
// on first insert (SPEC_FULL.md §4.2 addBookingRejectedDriver).
func (k *KVSRepository) AddRejectedDriver(ctx context.Context, bookingID, driverID string) error {
	key := rejectedDriversKey(bookingID)
	if err := k.redis.SAdd(ctx, key, driverID).Err(); err != nil {
		return fmt.Errorf("add rejected driver: %w", err)
	}
	ttl, err := k.redis.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("add rejected driver: ttl: %w", err)
	}
	if ttl < 0 {
		return k.redis.Expire(ctx, key, 2*time.Hour).Err()
	}
	return nil
}

// RejectedDrivers returns the current rejected-driver set for a booking.
func (k *KVSRepository) RejectedDrivers(ctx context.Context, bookingID string) ([]string, error) {
	members, err := k.redis.SMembers(ctx, rejectedDriversKey(bookingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get rejected drivers: %w", err)
	}
	return members, nil
}

// EligibleDriverCount returns the size of the eligible-drivers set, used to
// decide whether every eligible driver has rejected a booking.
func (k *KVSRepository) EligibleDriverCount(ctx context.Context, bookingID string) (int64, error) {
	n, err := k.redis.SCard(ctx, eligibleDriversKey(bookingID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count eligible drivers: %w", err)
	}
	return n, nil
}

// RejectedDriverCount returns the size of the rejected-drivers set.
func (k *KVSRepository) RejectedDriverCount(ctx context.Context, bookingID string) (int64, error) {
	n, err := k.redis.SCard(ctx, rejectedDriversKey(bookingID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count rejected drivers: %w", err)
	}
	return n, nil
}

// ─── Customer caches ────────────────────────────────────────

// CacheBlockedDrivers caches a customer's derived blocked-driver set for 1h
// (SPEC_FULL.md §4.2.2).
func (k *KVSRepository) CacheBlockedDrivers(ctx context.Context, customerID string, driverIDs []string) error {
	key := customerBlockedKey(customerID)
	pipe := k.redis.TxPipeline()
	pipe.Del(ctx, key)
	if len(driverIDs) > 0 {
		members := make([]interface{}, len(driverIDs))
		for i, id := range driverIDs {
			members[i] = id
		}
		pipe.SAdd(ctx, key, members...)
	}
	pipe.Expire(ctx, key, time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// GetBlockedDrivers returns the cached blocked-driver set, and whether the
// cache was present at all (a cache miss should trigger re-derivation).
func (k *KVSRepository) GetBlockedDrivers(ctx context.Context, customerID string) ([]string, bool, error) {
	key := customerBlockedKey(customerID)
	n, err := k.redis.Exists(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("check blocked cache: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	members, err := k.redis.SMembers(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get blocked drivers: %w", err)
	}
	return members, true, nil
}

// CacheLastSearch stores a serialized match result for 10 minutes
// (SPEC_FULL.md §4.2 step 8).
func (k *KVSRepository) CacheLastSearch(ctx context.Context, customerID string, payload []byte) error {
	return k.redis.Set(ctx, customerLastSearchKey(customerID), payload, 10*time.Minute).Err()
}

// GetCustomerPreferences returns the cached preferences blob, if any. The
// blob is written by the customer-profile service this module integrates
// with, not by ME itself — ME only ever reads it (SPEC_FULL.md §4.2 step 6).
func (k *KVSRepository) GetCustomerPreferences(ctx context.Context, customerID string) ([]byte, error) {
	v, err := k.redis.Get(ctx, customerPrefsKey(customerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer preferences: %w", err)
	}
	return v, nil
}

// ─── JSON helpers ───────────────────────────────────────────

// MarshalJSON is a tiny convenience wrapper kept so callers don't need to
// import encoding/json solely to serialize shadow/cache payloads.
func MarshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
