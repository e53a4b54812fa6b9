package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `id, order_no, merchant_id, merchant_order_no, channel_id, provider_code, product_code,
		        amount, currency, fee_amount, provider_order_no, status, notify_status,
		        notify_url, return_url, subject, client_ip, extra, created_at, updated_at, paid_at, closed_at`

// OrderRepository implements order.Repository using PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

var _ order.Repository = (*OrderRepository)(nil)

func (r *OrderRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Create inserts a new order. A second order with the same merchant order
// number fails with ErrDuplicateOrder.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	extra, err := json.Marshal(o.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO orders
		 (id, order_no, merchant_id, merchant_order_no, channel_id, provider_code, product_code,
		  amount, currency, fee_amount, provider_order_no, status, notify_status,
		  notify_url, return_url, subject, client_ip, extra, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		o.ID, o.OrderNo, o.MerchantID, o.MerchantOrderNo, o.ChannelID, o.ProviderCode, o.ProductCode,
		minorToNumericString(o.Amount), o.Currency, minorToNumericString(o.FeeAmount), o.ProviderOrderNo,
		int(o.Status), int(o.NotifyStatus),
		o.NotifyURL, o.ReturnURL, o.Subject, o.ClientIP, extra, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domainErrors.ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return r.scanOrder(r.db(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*order.Order, error) {
	return r.scanOrder(r.db(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_no = $1`, orderNo))
}

func (r *OrderRepository) GetByMerchantOrderNo(ctx context.Context, merchantID int64, merchantOrderNo string) (*order.Order, error) {
	return r.scanOrder(r.db(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE merchant_id = $1 AND merchant_order_no = $2`,
		merchantID, merchantOrderNo))
}

// FindStalePending returns pending, unpaid orders created before the cutoff,
// in (created_at, id) order after the cursor.
func (r *OrderRepository) FindStalePending(ctx context.Context, createdBefore time.Time, after order.Cursor, limit int) ([]*order.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND paid_at IS NULL AND created_at < $2
		   AND (created_at, id) > ($3, $4)
		 ORDER BY created_at ASC, id ASC LIMIT $5`,
		int(order.StatusPending), createdBefore, after.CreatedAt, after.ID, limit)
}

// FindProcessing returns processing orders regardless of age, in
// (created_at, id) order after the cursor.
func (r *OrderRepository) FindProcessing(ctx context.Context, after order.Cursor, limit int) ([]*order.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND (created_at, id) > ($2, $3)
		 ORDER BY created_at ASC, id ASC LIMIT $4`,
		int(order.StatusProcessing), after.CreatedAt, after.ID, limit)
}

// FindUndelivered returns successful orders whose notification is none,
// pending or processing and untouched since the cutoff.
func (r *OrderRepository) FindUndelivered(ctx context.Context, updatedBefore time.Time, after order.Cursor, limit int) ([]*order.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND notify_status = ANY($2) AND updated_at < $3
		   AND (created_at, id) > ($4, $5)
		 ORDER BY created_at ASC, id ASC LIMIT $6`,
		int(order.StatusSuccess), undeliveredStatuses, updatedBefore, after.CreatedAt, after.ID, limit)
}

var undeliveredStatuses = []int16{int16(order.NotifyNone), int16(order.NotifyPending), int16(order.NotifyProcessing)}

func (r *OrderRepository) RecentMerchantKeys(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT merchant_id, merchant_order_no FROM orders
		 WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent merchant keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var (
			merchantID int64
			no         string
		)
		if err := rows.Scan(&merchantID, &no); err != nil {
			return nil, fmt.Errorf("scan merchant key: %w", err)
		}
		keys = append(keys, order.MerchantKey(merchantID, no))
	}
	return keys, rows.Err()
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...any) ([]*order.Order, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// The Mark* writes below are conditional on the current status. Zero rows
// affected means another writer moved the order first; that is not an error.

func (r *OrderRepository) MarkProcessing(ctx context.Context, id uuid.UUID, providerOrderNo *string) (bool, error) {
	return r.exec(ctx, "mark processing",
		`UPDATE orders SET status = $1, provider_order_no = COALESCE($2, provider_order_no), updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		int(order.StatusProcessing), providerOrderNo, id, int(order.StatusPending))
}

func (r *OrderRepository) MarkSuccess(ctx context.Context, id uuid.UUID, from []order.Status, providerOrderNo *string, paidAt time.Time) (bool, error) {
	return r.exec(ctx, "mark success",
		`UPDATE orders SET status = $1, provider_order_no = COALESCE($2, provider_order_no),
		        paid_at = $3, closed_at = NULL, updated_at = NOW()
		 WHERE id = $4 AND status = ANY($5)`,
		int(order.StatusSuccess), providerOrderNo, paidAt, id, statusInts(from))
}

func (r *OrderRepository) MarkClosed(ctx context.Context, id uuid.UUID, from []order.Status, closedAt time.Time) (bool, error) {
	return r.exec(ctx, "mark closed",
		`UPDATE orders SET status = $1, closed_at = $2, updated_at = NOW()
		 WHERE id = $3 AND status = ANY($4)`,
		int(order.StatusClosed), closedAt, id, statusInts(from))
}

func (r *OrderRepository) MarkFailed(ctx context.Context, id uuid.UUID, from []order.Status, reason string) (bool, error) {
	return r.exec(ctx, "mark failed",
		`UPDATE orders SET status = $1, failure_reason = $2, closed_at = NOW(), updated_at = NOW()
		 WHERE id = $3 AND status = ANY($4)`,
		int(order.StatusFailed), reason, id, statusInts(from))
}

func (r *OrderRepository) MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exec(ctx, "mark refunded",
		`UPDATE orders SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		int(order.StatusRefunded), id, int(order.StatusSuccess))
}

func (r *OrderRepository) UpdateNotifyStatus(ctx context.Context, id uuid.UUID, from []order.NotifyStatus, to order.NotifyStatus) (bool, error) {
	ints := make([]int16, len(from))
	for i, s := range from {
		ints[i] = int16(s)
	}
	return r.exec(ctx, "update notify status",
		`UPDATE orders SET notify_status = $1, updated_at = NOW()
		 WHERE id = $2 AND notify_status = ANY($3)`,
		int(to), id, ints)
}

func (r *OrderRepository) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func statusInts(from []order.Status) []int16 {
	out := make([]int16, len(from))
	for i, s := range from {
		out[i] = int16(s)
	}
	return out
}

// AddEvent inserts an order audit event.
func (r *OrderRepository) AddEvent(ctx context.Context, event *order.Event) error {
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO order_events (id, order_id, event_type, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.OrderID, event.EventType, data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

// --- scanning helpers ---

func (r *OrderRepository) scanOrder(s scanner) (*order.Order, error) {
	o := &order.Order{Extra: make(map[string]any)}
	var (
		amount, fee          string
		status, notifyStatus int16
		extra                []byte
	)
	err := s.Scan(
		&o.ID, &o.OrderNo, &o.MerchantID, &o.MerchantOrderNo, &o.ChannelID, &o.ProviderCode, &o.ProductCode,
		&amount, &o.Currency, &fee, &o.ProviderOrderNo, &status, &notifyStatus,
		&o.NotifyURL, &o.ReturnURL, &o.Subject, &o.ClientIP, &extra, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if o.Amount, err = numericStringToMinor(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if o.FeeAmount, err = numericStringToMinor(fee); err != nil {
		return nil, fmt.Errorf("parse fee: %w", err)
	}
	o.Status = order.Status(status)
	o.NotifyStatus = order.NotifyStatus(notifyStatus)
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &o.Extra); err != nil {
			return nil, fmt.Errorf("unmarshal order extra: %w", err)
		}
	}
	return o, nil
}
