package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/rs/zerolog"
)

// EventType names an adapter lifecycle event.
type EventType string

const (
	EventPaymentSuccess    EventType = "payment_success"
	EventPaymentFailed     EventType = "payment_failed"
	EventPaymentProcessing EventType = "payment_processing"
	EventRefundSuccess     EventType = "refund_success"
	EventRefundFailed      EventType = "refund_failed"
)

// Event is published after an adapter call completes.
type Event struct {
	Type     EventType
	Provider string
	Op       string
	OrderNo  string
	Result   *PaymentResult
	Err      error
	At       time.Time
}

// Observer receives adapter events. Observers must not block for long;
// their errors and panics never reach the publisher.
type Observer interface {
	OnEvent(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) OnEvent(ctx context.Context, e Event) { f(ctx, e) }

// Bus fans events out to every subscribed observer, recovering each one
// individually.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	logger    zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "provider-events").Logger()}
}

func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for i, o := range observers {
		b.notify(ctx, i, o, e)
	}
}

func (b *Bus) notify(ctx context.Context, idx int, o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", string(e.Type)).
				Str("order_no", e.OrderNo).
				Int("observer", idx).
				Str("panic", fmt.Sprint(r)).
				Msg("Provider event observer panicked")
		}
	}()
	o.OnEvent(ctx, e)
}

// eventFor maps an adapter outcome to the event it publishes, if any.
// Transport failures have an unknown outcome and publish nothing.
func eventFor(op string, result *PaymentResult, err error) (EventType, bool) {
	rejected := err != nil && errors.Is(err, domainErrors.ErrBusiness)
	if err != nil && !rejected {
		return "", false
	}
	if op == OpRefund {
		if rejected || !result.IsSuccess() {
			return EventRefundFailed, true
		}
		return EventRefundSuccess, true
	}
	switch {
	case rejected || result.IsFailed():
		return EventPaymentFailed, true
	case result.IsConfirmedPaid():
		return EventPaymentSuccess, true
	case op == OpQuery:
		return "", false
	default:
		return EventPaymentProcessing, true
	}
}
