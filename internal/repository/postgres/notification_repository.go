package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/notification"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotificationAttemptRepository implements notification.AttemptLog.
type NotificationAttemptRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationAttemptRepository(pool *pgxpool.Pool) *NotificationAttemptRepository {
	return &NotificationAttemptRepository{pool: pool}
}

var _ notification.AttemptLog = (*NotificationAttemptRepository)(nil)

func (r *NotificationAttemptRepository) Record(ctx context.Context, a *notification.Attempt) error {
	_, err := ConnFromCtx(ctx, r.pool).Exec(ctx,
		`INSERT INTO notification_attempts
		 (id, order_id, attempt, url, http_status, success, error, duration_ms, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.OrderID, a.Attempt, a.URL, a.HTTPStatus, a.Success, a.Error, a.Duration.Milliseconds(), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification attempt: %w", err)
	}
	return nil
}

func (r *NotificationAttemptRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*notification.Attempt, error) {
	rows, err := ConnFromCtx(ctx, r.pool).Query(ctx,
		`SELECT id, order_id, attempt, url, http_status, success, error, duration_ms, created_at
		 FROM notification_attempts WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list notification attempts: %w", err)
	}
	defer rows.Close()

	var out []*notification.Attempt
	for rows.Next() {
		a := &notification.Attempt{}
		var ms int64
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Attempt, &a.URL, &a.HTTPStatus, &a.Success, &a.Error, &ms, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification attempt: %w", err)
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}
