package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiva/ridehail/internal/model"
)

// NotificationRepository persists notifications for the notification
// dispatcher. New code with no direct teacher counterpart; follows the
// inherited repository shape (pgxpool, explicit SQL, wrapped errors).
type NotificationRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository creates a new repository backed by the given pool.
func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

// CreateNotification persists a notification record and returns it with its
// generated id and timestamp filled in.
func (r *NotificationRepository) CreateNotification(ctx context.Context, n model.Notification) (*model.Notification, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, user_id, type, content, related_booking_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, false, now())
		RETURNING id, created_at
	`, n.ID, n.UserID, n.Type, n.Content, nullableString(n.RelatedBookingID))

	if err := row.Scan(&n.ID, &n.CreatedAt); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return &n, nil
}

// ListForUser returns a user's notifications, most recent first.
func (r *NotificationRepository) ListForUser(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, content, COALESCE(related_booking_id, ''), is_read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Content, &n.RelatedBookingID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flips a notification's read flag.
func (r *NotificationRepository) MarkRead(ctx context.Context, notificationID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET is_read = true WHERE id = $1`, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
