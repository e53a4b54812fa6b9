package service

import (
	"context"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/rs/zerolog"
)

// Order event types recorded in the audit log.
const (
	EventOrderCreated    = "order.created"
	EventOrderProcessing = "order.processing"
	EventOrderPaid       = "order.paid"
	EventOrderClosed     = "order.closed"
	EventOrderFailed     = "order.failed"
	EventOrderRefunded   = "order.refunded"
)

// settler applies provider outcomes to stored orders. Every write is
// status-guarded; a write that finds the order already moved is a no-op.
// It is shared by the callback path and the reconciler so both follow the
// same rules.
type settler struct {
	orders   order.Repository
	cache    OrderCache
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// confirmPaid moves o to success from pending, processing or closed. The
// caller whose write applied enqueues the merchant notification; concurrent
// confirmations of the same order enqueue nothing. A confirmation for a
// different amount than the order's is refused with ErrAmountMismatch and
// leaves the order untouched, whichever path reported it.
func (s *settler) confirmPaid(ctx context.Context, o *order.Order, result *providers.PaymentResult, source string) (bool, error) {
	if amt := result.Amount(); amt != 0 && amt != o.Amount {
		s.logger.Error().Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Str("provider", o.ProviderCode).
			Str("source", source).Int64("expected", o.Amount).Int64("got", amt).Msg("Paid amount mismatch")
		return false, domainErrors.AmountMismatch(o.ProviderCode, source, o.Amount, amt)
	}

	paidAt, ok := result.PaidAt()
	if !ok {
		paidAt = s.now()
	}
	var ref *string
	if r := result.ProviderOrderNo(); r != "" {
		ref = &r
	}

	applied, err := s.orders.MarkSuccess(ctx, o.ID, order.SourcesOf(order.StatusSuccess), ref, paidAt)
	if err != nil {
		return false, err
	}
	s.cache.Invalidate(ctx, o.OrderNo)
	if !applied {
		return false, nil
	}

	corrective := order.IsCorrective(o.Status, order.StatusSuccess)
	s.addEvent(ctx, o, EventOrderPaid, map[string]any{
		"source":            source,
		"provider_order_no": result.ProviderOrderNo(),
		"previous_status":   o.Status.String(),
		"corrective":        corrective,
	})

	logEvt := s.logger.Info()
	if corrective {
		logEvt = s.logger.Warn()
	}
	logEvt.Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Str("provider", o.ProviderCode).
		Str("source", source).Bool("corrective", corrective).Msg("Order paid")

	paid := *o
	paid.Status = order.StatusSuccess
	paid.PaidAt = &paidAt
	paid.ClosedAt = nil
	if ref != nil {
		paid.ProviderOrderNo = ref
	}
	if err := s.notifier.EnqueueNotification(ctx, &paid); err != nil {
		// The order stays success with notify_status none; ops requeue picks it up.
		s.logger.Error().Err(err).Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Msg("Failed to enqueue merchant notification")
	}
	return true, nil
}

// close moves a pending or processing order to closed. Closing never notifies.
func (s *settler) close(ctx context.Context, o *order.Order, reason string) (bool, error) {
	applied, err := s.orders.MarkClosed(ctx, o.ID, order.SourcesOf(order.StatusClosed), s.now())
	if err != nil {
		return false, err
	}
	s.cache.Invalidate(ctx, o.OrderNo)
	if applied {
		s.addEvent(ctx, o, EventOrderClosed, map[string]any{"reason": reason})
		s.logger.Info().Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Str("provider", o.ProviderCode).
			Str("reason", reason).Msg("Order closed")
	}
	return applied, nil
}

// fail moves a pending or processing order to failed.
func (s *settler) fail(ctx context.Context, o *order.Order, reason string) (bool, error) {
	applied, err := s.orders.MarkFailed(ctx, o.ID, order.SourcesOf(order.StatusFailed), reason)
	if err != nil {
		return false, err
	}
	s.cache.Invalidate(ctx, o.OrderNo)
	if applied {
		s.addEvent(ctx, o, EventOrderFailed, map[string]any{"reason": reason})
	}
	return applied, nil
}

func (s *settler) addEvent(ctx context.Context, o *order.Order, eventType string, data map[string]any) {
	if err := s.orders.AddEvent(ctx, order.NewEvent(o.ID, eventType, data)); err != nil {
		s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Str("event", eventType).Msg("Failed to record order event")
	}
}
