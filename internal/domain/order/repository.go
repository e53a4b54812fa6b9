package order

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines order persistence. Every Mark* method is a conditional
// write: it only applies when the stored status is one of from, and reports
// whether a row changed. A false result with a nil error means a concurrent
// writer got there first.
type Repository interface {
	Create(ctx context.Context, o *Order) error

	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByOrderNo(ctx context.Context, orderNo string) (*Order, error)
	GetByMerchantOrderNo(ctx context.Context, merchantID int64, merchantOrderNo string) (*Order, error)

	// FindStalePending returns pending orders created before the cutoff with
	// no paid time, positioned strictly after the cursor.
	FindStalePending(ctx context.Context, createdBefore time.Time, after Cursor, limit int) ([]*Order, error)
	// FindProcessing returns processing orders regardless of age, positioned
	// strictly after the cursor.
	FindProcessing(ctx context.Context, after Cursor, limit int) ([]*Order, error)
	// FindUndelivered returns successful orders whose notification is not yet
	// acknowledged or abandoned and which have not changed since the cutoff.
	FindUndelivered(ctx context.Context, updatedBefore time.Time, after Cursor, limit int) ([]*Order, error)
	// RecentMerchantKeys returns MerchantKey values of orders created since the given time.
	RecentMerchantKeys(ctx context.Context, since time.Time, limit int) ([]string, error)

	MarkProcessing(ctx context.Context, id uuid.UUID, providerOrderNo *string) (bool, error)
	MarkSuccess(ctx context.Context, id uuid.UUID, from []Status, providerOrderNo *string, paidAt time.Time) (bool, error)
	MarkClosed(ctx context.Context, id uuid.UUID, from []Status, closedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, from []Status, reason string) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error)

	UpdateNotifyStatus(ctx context.Context, id uuid.UUID, from []NotifyStatus, to NotifyStatus) (bool, error)

	AddEvent(ctx context.Context, event *Event) error
}

// Cursor is a keyset position over (created_at, id). Scans return rows
// strictly after it, so paging never revisits or skips an order even when
// many share a creation time. The zero value starts at the oldest order.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorAt positions a cursor on o.
func CursorAt(o *Order) Cursor {
	return Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
}

func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == uuid.Nil
}

// Precedes reports whether o sorts strictly after the cursor.
func (c Cursor) Precedes(o *Order) bool {
	if !o.CreatedAt.Equal(c.CreatedAt) {
		return o.CreatedAt.After(c.CreatedAt)
	}
	return bytes.Compare(o.ID[:], c.ID[:]) > 0
}

// Event is an audit record of an order lifecycle change.
type Event struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	EventType string
	EventData map[string]any
	CreatedAt time.Time
}

// NewEvent builds an audit event stamped with the current time.
func NewEvent(orderID uuid.UUID, eventType string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New(),
		OrderID:   orderID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now(),
	}
}
