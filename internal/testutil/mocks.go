package testutil

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/channel"
	domainerrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/merchant"
	"github.com/cassiomorais/paygate/internal/domain/notification"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/google/uuid"
)

// --- Order Repository Mock ---

// MockOrderRepository is an in-memory order.Repository honouring the
// status-guarded write contract. Stored orders are copied on the way in and
// out so callers cannot bypass the guards.
type MockOrderRepository struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*order.Order
	events map[uuid.UUID][]*order.Event

	CreateFunc               func(ctx context.Context, o *order.Order) error
	GetByOrderNoFunc         func(ctx context.Context, orderNo string) (*order.Order, error)
	GetByMerchantOrderNoFunc func(ctx context.Context, merchantID int64, merchantOrderNo string) (*order.Order, error)
	FindStalePendingFunc     func(ctx context.Context, createdBefore time.Time, after order.Cursor, limit int) ([]*order.Order, error)
	MarkSuccessFunc          func(ctx context.Context, id uuid.UUID, from []order.Status, providerOrderNo *string, paidAt time.Time) (bool, error)

	// Calls counts invocations per method name.
	Calls map[string]int
}

func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{
		orders: make(map[uuid.UUID]*order.Order),
		events: make(map[uuid.UUID][]*order.Event),
		Calls:  make(map[string]int),
	}
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	if o.ProviderOrderNo != nil {
		v := *o.ProviderOrderNo
		c.ProviderOrderNo = &v
	}
	if o.PaidAt != nil {
		v := *o.PaidAt
		c.PaidAt = &v
	}
	if o.ClosedAt != nil {
		v := *o.ClosedAt
		c.ClosedAt = &v
	}
	c.Extra = make(map[string]any, len(o.Extra))
	for k, v := range o.Extra {
		c.Extra[k] = v
	}
	return &c
}

func (m *MockOrderRepository) count(name string) {
	m.mu.Lock()
	m.Calls[name]++
	m.mu.Unlock()
}

// CallCount returns how many times method was called.
func (m *MockOrderRepository) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[method]
}

// AddOrder pre-populates the mock.
func (m *MockOrderRepository) AddOrder(o *order.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(o)
}

// Stored returns the current stored copy (test helper, no context needed).
func (m *MockOrderRepository) Stored(id uuid.UUID) *order.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil
	}
	return cloneOrder(o)
}

// Events returns audit events recorded for an order.
func (m *MockOrderRepository) Events(id uuid.UUID) []*order.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events[id])
}

func (m *MockOrderRepository) Create(ctx context.Context, o *order.Order) error {
	m.count("Create")
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, o)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.MerchantID == o.MerchantID && existing.MerchantOrderNo == o.MerchantOrderNo {
			return domainerrors.ErrDuplicateOrder
		}
	}
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MockOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	m.count("GetByID")
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domainerrors.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *MockOrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*order.Order, error) {
	m.count("GetByOrderNo")
	if m.GetByOrderNoFunc != nil {
		return m.GetByOrderNoFunc(ctx, orderNo)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderNo == orderNo {
			return cloneOrder(o), nil
		}
	}
	return nil, domainerrors.ErrOrderNotFound
}

func (m *MockOrderRepository) GetByMerchantOrderNo(ctx context.Context, merchantID int64, merchantOrderNo string) (*order.Order, error) {
	m.count("GetByMerchantOrderNo")
	if m.GetByMerchantOrderNoFunc != nil {
		return m.GetByMerchantOrderNoFunc(ctx, merchantID, merchantOrderNo)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.MerchantID == merchantID && o.MerchantOrderNo == merchantOrderNo {
			return cloneOrder(o), nil
		}
	}
	return nil, domainerrors.ErrOrderNotFound
}

func (m *MockOrderRepository) sorted(match func(*order.Order) bool, limit int) []*order.Order {
	var out []*order.Order
	for _, o := range m.orders {
		if match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MockOrderRepository) FindStalePending(ctx context.Context, createdBefore time.Time, after order.Cursor, limit int) ([]*order.Order, error) {
	m.count("FindStalePending")
	if m.FindStalePendingFunc != nil {
		return m.FindStalePendingFunc(ctx, createdBefore, after, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(o *order.Order) bool {
		return o.Status == order.StatusPending && o.PaidAt == nil && o.CreatedAt.Before(createdBefore) && after.Precedes(o)
	}, limit), nil
}

func (m *MockOrderRepository) FindProcessing(ctx context.Context, after order.Cursor, limit int) ([]*order.Order, error) {
	m.count("FindProcessing")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(o *order.Order) bool { return o.Status == order.StatusProcessing && after.Precedes(o) }, limit), nil
}

func (m *MockOrderRepository) FindUndelivered(ctx context.Context, updatedBefore time.Time, after order.Cursor, limit int) ([]*order.Order, error) {
	m.count("FindUndelivered")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(o *order.Order) bool {
		switch o.NotifyStatus {
		case order.NotifyNone, order.NotifyPending, order.NotifyProcessing:
		default:
			return false
		}
		return o.Status == order.StatusSuccess && o.UpdatedAt.Before(updatedBefore) && after.Precedes(o)
	}, limit), nil
}

func (m *MockOrderRepository) RecentMerchantKeys(ctx context.Context, since time.Time, limit int) ([]string, error) {
	m.count("RecentMerchantKeys")
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for _, o := range m.sorted(func(o *order.Order) bool { return !o.CreatedAt.Before(since) }, limit) {
		keys = append(keys, o.MerchantKey())
	}
	return keys, nil
}

// guarded applies fn when the stored status is in from.
func (m *MockOrderRepository) guarded(id uuid.UUID, from []order.Status, fn func(o *order.Order)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || !slices.Contains(from, o.Status) {
		return false
	}
	fn(o)
	o.UpdatedAt = time.Now()
	return true
}

func (m *MockOrderRepository) MarkProcessing(ctx context.Context, id uuid.UUID, providerOrderNo *string) (bool, error) {
	m.count("MarkProcessing")
	return m.guarded(id, []order.Status{order.StatusPending}, func(o *order.Order) {
		o.Status = order.StatusProcessing
		if providerOrderNo != nil {
			v := *providerOrderNo
			o.ProviderOrderNo = &v
		}
	}), nil
}

func (m *MockOrderRepository) MarkSuccess(ctx context.Context, id uuid.UUID, from []order.Status, providerOrderNo *string, paidAt time.Time) (bool, error) {
	m.count("MarkSuccess")
	if m.MarkSuccessFunc != nil {
		return m.MarkSuccessFunc(ctx, id, from, providerOrderNo, paidAt)
	}
	return m.guarded(id, from, func(o *order.Order) {
		o.Status = order.StatusSuccess
		o.PaidAt = &paidAt
		o.ClosedAt = nil
		if providerOrderNo != nil {
			v := *providerOrderNo
			o.ProviderOrderNo = &v
		}
	}), nil
}

func (m *MockOrderRepository) MarkClosed(ctx context.Context, id uuid.UUID, from []order.Status, closedAt time.Time) (bool, error) {
	m.count("MarkClosed")
	return m.guarded(id, from, func(o *order.Order) {
		o.Status = order.StatusClosed
		o.ClosedAt = &closedAt
	}), nil
}

func (m *MockOrderRepository) MarkFailed(ctx context.Context, id uuid.UUID, from []order.Status, reason string) (bool, error) {
	m.count("MarkFailed")
	return m.guarded(id, from, func(o *order.Order) {
		now := time.Now()
		o.Status = order.StatusFailed
		o.ClosedAt = &now
		o.Extra["failure_reason"] = reason
	}), nil
}

func (m *MockOrderRepository) MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error) {
	m.count("MarkRefunded")
	return m.guarded(id, []order.Status{order.StatusSuccess}, func(o *order.Order) {
		o.Status = order.StatusRefunded
	}), nil
}

func (m *MockOrderRepository) UpdateNotifyStatus(ctx context.Context, id uuid.UUID, from []order.NotifyStatus, to order.NotifyStatus) (bool, error) {
	m.count("UpdateNotifyStatus")
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || !slices.Contains(from, o.NotifyStatus) {
		return false, nil
	}
	o.NotifyStatus = to
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockOrderRepository) AddEvent(ctx context.Context, event *order.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.OrderID] = append(m.events[event.OrderID], event)
	return nil
}

// --- Merchant Repository Mock ---

type MockMerchantRepository struct {
	mu        sync.Mutex
	merchants map[int64]*merchant.Merchant
	calls     int

	GetByIDFunc func(ctx context.Context, id int64) (*merchant.Merchant, error)
}

func NewMockMerchantRepository(ms ...*merchant.Merchant) *MockMerchantRepository {
	m := &MockMerchantRepository{merchants: make(map[int64]*merchant.Merchant)}
	for _, mc := range ms {
		m.merchants[mc.ID] = mc
	}
	return m
}

func (m *MockMerchantRepository) GetByID(ctx context.Context, id int64) (*merchant.Merchant, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.merchants[id]
	if !ok {
		return nil, domainerrors.ErrMerchantNotFound
	}
	c := *mc
	return &c, nil
}

// Get satisfies the cached merchant lookup interface.
func (m *MockMerchantRepository) Get(ctx context.Context, id int64) (*merchant.Merchant, error) {
	return m.GetByID(ctx, id)
}

// Calls returns how many loads reached the repository.
func (m *MockMerchantRepository) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- Channel Repository Mock ---

type MockChannelRepository struct {
	mu       sync.Mutex
	channels map[int64]*channel.Channel

	GetByIDFunc       func(ctx context.Context, id int64) (*channel.Channel, error)
	ListByProductFunc func(ctx context.Context, productCode string) ([]*channel.Channel, error)
}

func NewMockChannelRepository(chs ...*channel.Channel) *MockChannelRepository {
	m := &MockChannelRepository{channels: make(map[int64]*channel.Channel)}
	for _, ch := range chs {
		m.channels[ch.ID] = ch
	}
	return m
}

// Put adds or replaces a channel.
func (m *MockChannelRepository) Put(ch *channel.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
}

func (m *MockChannelRepository) GetByID(ctx context.Context, id int64) (*channel.Channel, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, domainerrors.ErrChannelNotFound
	}
	c := *ch
	return &c, nil
}

func (m *MockChannelRepository) ListByProduct(ctx context.Context, productCode string) ([]*channel.Channel, error) {
	if m.ListByProductFunc != nil {
		return m.ListByProductFunc(ctx, productCode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*channel.Channel
	for _, ch := range m.channels {
		if ch.ProductCode == productCode {
			c := *ch
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Notification Attempt Log Mock ---

type MockAttemptLog struct {
	mu       sync.Mutex
	attempts []*notification.Attempt

	RecordFunc func(ctx context.Context, a *notification.Attempt) error
}

func NewMockAttemptLog() *MockAttemptLog {
	return &MockAttemptLog{}
}

func (m *MockAttemptLog) Record(ctx context.Context, a *notification.Attempt) error {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *MockAttemptLog) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*notification.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notification.Attempt
	for _, a := range m.attempts {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out, nil
}

// All returns every recorded attempt.
func (m *MockAttemptLog) All() []*notification.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.attempts)
}

// --- Transaction Manager Mock ---

// MockTransactionManager runs fn inline.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}
