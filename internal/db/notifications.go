package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ops-notification-service/internal/models"
)

const notificationColumns = `id::text, tenant_id, recipient_id, created_at, read, kind, title, body, link`

func scanNotification(row pgx.Row) (models.Notification, error) {
	var n models.Notification
	err := row.Scan(
		&n.ID, &n.TenantID, &n.RecipientID, &n.CreatedAt, &n.Read,
		&n.Kind, &n.Payload.Title, &n.Payload.Body, &n.Payload.Link,
	)
	return n, err
}

// CreateNotification inserts n. Re-inserting an existing id is a no-op so
// redelivered events stay idempotent.
func (d *DB) CreateNotification(ctx context.Context, n models.Notification) error {
	query := `
        INSERT INTO notifications (id, tenant_id, recipient_id, created_at, read, kind, title, body, link)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO NOTHING`
	_, err := d.Pool.Exec(ctx, query,
		n.ID, n.TenantID, n.RecipientID, n.CreatedAt, n.Read,
		string(n.Kind), n.Payload.Title, n.Payload.Body, n.Payload.Link)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// ListNotifications returns the newest limit records of one recipient.
func (d *DB) ListNotifications(ctx context.Context, tenantID, recipientID string, limit int) ([]models.Notification, error) {
	rows, err := d.Pool.Query(ctx, `
        SELECT `+notificationColumns+`
        FROM notifications
        WHERE tenant_id = $1 AND recipient_id = $2
        ORDER BY created_at DESC, id
        LIMIT $3`, tenantID, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications for %s/%s: %w", tenantID, recipientID, err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	return notifications, nil
}

// MarkNotificationRead sets read on id and returns the updated record.
func (d *DB) MarkNotificationRead(ctx context.Context, id string) (models.Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	row := d.Pool.QueryRow(ctx, `
        UPDATE notifications SET read = TRUE
        WHERE id = $1::uuid
        RETURNING `+notificationColumns, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		return models.Notification{}, fmt.Errorf("failed to mark notification %s read: %w", id, err)
	}
	return n, nil
}
