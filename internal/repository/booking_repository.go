// Package repository provides database access for the ride-hailing booking
// system.
//
// BookingRepository handles transactional booking operations with
// pessimistic locking (SELECT ... FOR UPDATE) to prevent race conditions,
// the same strategy the inherited ride-pooling codebase uses for its cab
// capacity transaction.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiva/ridehail/internal/model"
)

// ErrNoRows is returned when a booking lookup finds no matching row.
var ErrNoRows = errors.New("booking: no rows")

// BookingRepository handles transactional booking state with row-level
// locking.
type BookingRepository struct {
	pool *pgxpool.Pool
}

// NewBookingRepository creates a new booking repository.
func NewBookingRepository(pool *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

// DefaultTxTimeout bounds any single booking transaction, including lock
// wait time.
const DefaultTxTimeout = 5 * time.Second

// ─── Create ─────────────────────────────────────────────────

// CreateBooking inserts a new PENDING booking for the customer.
//
// Precondition (SPEC_FULL.md §4.1): no non-terminal booking may already
// exist for this customer. The check-then-insert is done inside a single
// transaction that first takes a transaction-scoped advisory lock keyed on
// the customer, so two concurrent creates from the same customer are
// serialized and cannot both succeed.
func (r *BookingRepository) CreateBooking(ctx context.Context, customerID string, pickup, destination model.Location) (*model.Booking, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("create booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, customerID); err != nil {
		return nil, fmt.Errorf("create booking: lock customer bookings: %w", err)
	}

	var existing int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM bookings
		WHERE customer_id = $1
		  AND status IN ('pending', 'accepted', 'ongoing')
	`, customerID).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("create booking: count active bookings: %w", err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("create booking: customer %s already has an active booking", customerID)
	}

	b := &model.Booking{
		CustomerID:  customerID,
		Pickup:      pickup,
		Destination: destination,
		Status:      model.BookingPending,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO bookings (
			customer_id, pickup, destination, status
		) VALUES (
			$1,
			ST_SetSRID(ST_MakePoint($2, $3), 4326),
			ST_SetSRID(ST_MakePoint($4, $5), 4326),
			'pending'
		)
		RETURNING id, created_at
	`, customerID, pickup.Lon, pickup.Lat, destination.Lon, destination.Lat).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create booking: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create booking: commit: %w", err)
	}
	return b, nil
}

// ─── Read ───────────────────────────────────────────────────

// GetBookingByID fetches a booking by its opaque id.
func (r *BookingRepository) GetBookingByID(ctx context.Context, id string) (*model.Booking, error) {
	return r.scanOne(ctx, r.pool, `
		SELECT id, customer_id, driver_id,
		       ST_Y(pickup) AS pickup_lat, ST_X(pickup) AS pickup_lon,
		       ST_Y(destination) AS dest_lat, ST_X(destination) AS dest_lon,
		       status, created_at, accepted_at, started_at, completed_at,
		       cancelled_at, rejected_at, cancelled_by
		FROM bookings
		WHERE id = $1
	`, id)
}

// ListUserBookings returns bookings where the user is the customer or the
// driver, newest first, optionally filtered by status.
func (r *BookingRepository) ListUserBookings(ctx context.Context, userID string, status model.BookingStatus, page, limit int) ([]model.Booking, int, error) {
	offset := (page - 1) * limit

	where := "WHERE (customer_id = $1 OR driver_id = $1)"
	args := []interface{}{userID}
	if status != "" {
		where += " AND status = $2"
		args = append(args, status)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM bookings " + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("list bookings: count: %w", err)
	}

	args = append(args, limit, offset)
	limitIdx := len(args) - 1
	offsetIdx := len(args)
	query := fmt.Sprintf(`
		SELECT id, customer_id, driver_id,
		       ST_Y(pickup) AS pickup_lat, ST_X(pickup) AS pickup_lon,
		       ST_Y(destination) AS dest_lat, ST_X(destination) AS dest_lon,
		       status, created_at, accepted_at, started_at, completed_at,
		       cancelled_at, rejected_at, cancelled_by
		FROM bookings
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, limitIdx, offsetIdx)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list bookings: query: %w", err)
	}
	defer rows.Close()

	var bookings []model.Booking
	for rows.Next() {
		b, err := scanBookingRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list bookings: scan: %w", err)
		}
		bookings = append(bookings, *b)
	}
	return bookings, total, rows.Err()
}

// ─── Accept protocol ────────────────────────────────────────

// AcceptBooking performs the conditional accept-update described in
// SPEC_FULL.md §4.1.1 step 5: it locks the row FOR UPDATE, re-validates
// status=PENDING and driverId IS NULL inside the lock, and only then issues
// the UPDATE. Composing the row lock with the WHERE guard turns the two
// checks into one linearization point instead of relying on an optimistic
// row-count check alone.
//
// Returns ErrNoRows if the booking does not exist. If it is no longer
// PENDING, already has a driver assigned, or the guarded UPDATE matches no
// row, the returned error wraps ErrNoRows, which the caller classifies as
// CONFLICT.
func (r *BookingRepository) AcceptBooking(ctx context.Context, bookingID, driverID string, at time.Time) (*model.Booking, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("accept booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status model.BookingStatus
	var existingDriver *string
	err = tx.QueryRow(ctx, `
		SELECT status, driver_id FROM bookings WHERE id = $1 FOR UPDATE
	`, bookingID).Scan(&status, &existingDriver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("accept booking: lock %s: %w", bookingID, err)
	}

	if status != model.BookingPending || existingDriver != nil {
		if existingDriver != nil {
			return nil, fmt.Errorf("accept booking: %s already accepted by another driver: %w", bookingID, ErrNoRows)
		}
		return nil, fmt.Errorf("accept booking: %s is no longer available (status=%s): %w", bookingID, status, ErrNoRows)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'accepted', driver_id = $2, accepted_at = $3
		WHERE id = $1 AND status = 'pending' AND driver_id IS NULL
	`, bookingID, driverID, at)
	if err != nil {
		return nil, fmt.Errorf("accept booking: update %s: %w", bookingID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("accept booking: %s lost the race to another driver: %w", bookingID, ErrNoRows)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("accept booking: commit: %w", err)
	}

	return r.GetBookingByID(ctx, bookingID)
}

// ─── Generic transition ─────────────────────────────────────

// transitionColumn maps a target status to the timestamp column it sets,
// per SPEC_FULL.md §4.1.2.
func transitionColumn(status model.BookingStatus) string {
	switch status {
	case model.BookingAccepted:
		return "accepted_at"
	case model.BookingOngoing:
		return "started_at"
	case model.BookingCompleted:
		return "completed_at"
	case model.BookingCancelled:
		return "cancelled_at"
	case model.BookingRejected:
		return "rejected_at"
	default:
		return ""
	}
}

// UpdateStatus performs a conditional status transition, setting the
// corresponding timestamp column and (for cancellations) cancelled_by.
// fromStatuses restricts which current statuses are eligible; an empty slice
// means any non-terminal status is eligible. When no row matches, the
// returned error wraps ErrNoRows.
func (r *BookingRepository) UpdateStatus(ctx context.Context, bookingID string, fromStatuses []model.BookingStatus, to model.BookingStatus, at time.Time, cancelledBy *model.Actor) (*model.Booking, error) {
	col := transitionColumn(to)

	query := fmt.Sprintf(`
		UPDATE bookings
		SET status = $2, %s = $3%s
		WHERE id = $1
	`, col, cancelledByClause(cancelledBy))

	args := []interface{}{bookingID, to, at}
	if cancelledBy != nil {
		args = append(args, *cancelledBy)
	}
	if len(fromStatuses) > 0 {
		placeholder := len(args) + 1
		query += fmt.Sprintf(" AND status = ANY($%d)", placeholder)
		args = append(args, fromStatuses)
	} else {
		query += " AND status IN ('pending', 'accepted', 'ongoing')"
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update status %s: %w", bookingID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("update status %s: transition not applied (booking missing or status mismatch): %w", bookingID, ErrNoRows)
	}
	return r.GetBookingByID(ctx, bookingID)
}

func cancelledByClause(cancelledBy *model.Actor) string {
	if cancelledBy == nil {
		return ""
	}
	return ", cancelled_by = $4"
}

// DeleteBooking permanently removes a terminal booking row.
func (r *BookingRepository) DeleteBooking(ctx context.Context, bookingID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM bookings WHERE id = $1 AND status IN ('cancelled', 'completed')
	`, bookingID)
	if err != nil {
		return fmt.Errorf("delete booking %s: %w", bookingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete booking %s: not found or not in a deletable state: %w", bookingID, ErrNoRows)
	}
	return nil
}

// ─── Availability scans ─────────────────────────────────────

// HasActiveBookingAsDriver reports whether the driver currently holds a
// booking in {accepted, ongoing}.
func (r *BookingRepository) HasActiveBookingAsDriver(ctx context.Context, driverID string) (bool, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE driver_id = $1 AND status IN ('accepted', 'ongoing')
	`, driverID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has active booking: %w", err)
	}
	return count > 0, nil
}

// CheckMultipleDriversAvailability scans for active (accepted/ongoing)
// bookings across a batch of driver ids in a single query.
func (r *BookingRepository) CheckMultipleDriversAvailability(ctx context.Context, driverIDs []string) ([]model.DriverBookingStatus, error) {
	if len(driverIDs) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT driver_id, id
		FROM bookings
		WHERE driver_id = ANY($1) AND status IN ('accepted', 'ongoing')
	`, driverIDs)
	if err != nil {
		return nil, fmt.Errorf("check multiple drivers: %w", err)
	}
	defer rows.Close()

	active := make(map[string]string, len(driverIDs))
	for rows.Next() {
		var driverID, bookingID string
		if err := rows.Scan(&driverID, &bookingID); err != nil {
			return nil, fmt.Errorf("check multiple drivers: scan: %w", err)
		}
		active[driverID] = bookingID
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]model.DriverBookingStatus, 0, len(driverIDs))
	for _, id := range driverIDs {
		bookingID, busy := active[id]
		result = append(result, model.DriverBookingStatus{
			DriverID:      id,
			IsAvailable:   !busy,
			ActiveBooking: bookingID,
		})
	}
	return result, nil
}

// BlockedDriversForCustomer returns the driver ids a customer has cancelled
// on at least threshold times since the given cutoff (SPEC_FULL.md §4.2.2).
func (r *BookingRepository) BlockedDriversForCustomer(ctx context.Context, customerID string, threshold int, since time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT driver_id FROM bookings
		WHERE customer_id = $1 AND driver_id IS NOT NULL
		  AND status = 'cancelled' AND cancelled_by = 'customer'
		  AND cancelled_at >= $2
		GROUP BY driver_id
		HAVING COUNT(*) >= $3
	`, customerID, since, threshold)
	if err != nil {
		return nil, fmt.Errorf("blocked drivers for customer: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocked driver: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountCompletedTripsWithDriver counts a customer's completed trips with a
// specific driver within the history window, used for history-aware
// ordering (SPEC_FULL.md §4.2).
func (r *BookingRepository) CountCompletedTripsWithDriver(ctx context.Context, customerID, driverID string, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE customer_id = $1 AND driver_id = $2
		  AND status = 'completed' AND completed_at >= $3
	`, customerID, driverID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count completed trips: %w", err)
	}
	return count, nil
}

// ScanExpiredPendingBookings returns ids of PENDING bookings created before
// the given cutoff, for the timeout reaper (SPEC_FULL.md §4.4).
func (r *BookingRepository) ScanExpiredPendingBookings(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM bookings WHERE status = 'pending' AND created_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan expired pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ─── scan helpers ───────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *BookingRepository) scanOne(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}, query string, args ...interface{}) (*model.Booking, error) {
	row := q.QueryRow(ctx, query, args...)
	b, err := scanBookingRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func scanBookingRow(row rowScanner) (*model.Booking, error) {
	b := &model.Booking{}
	var driverID *string
	var cancelledBy *model.Actor
	err := row.Scan(
		&b.ID, &b.CustomerID, &driverID,
		&b.Pickup.Lat, &b.Pickup.Lon,
		&b.Destination.Lat, &b.Destination.Lon,
		&b.Status, &b.CreatedAt, &b.AcceptedAt, &b.StartedAt, &b.CompletedAt,
		&b.CancelledAt, &b.RejectedAt, &cancelledBy,
	)
	if err != nil {
		return nil, err
	}
	b.DriverID = driverID
	b.CancelledBy = cancelledBy
	return b, nil
}
