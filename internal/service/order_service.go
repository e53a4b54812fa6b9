package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/channel"
	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/pkg/expr"
	"github.com/cassiomorais/paygate/pkg/saga"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// CreatePaymentRequest is a merchant's order submission. ChannelID pins a
// channel; when zero the channel is selected by ProductCode and Amount.
type CreatePaymentRequest struct {
	MerchantID      int64  `validate:"gt=0"`
	MerchantOrderNo string `validate:"required,max=64"`
	ChannelID       int64  `validate:"gte=0"`
	ProductCode     string `validate:"required_without=ChannelID,max=32"`
	Amount          int64  `validate:"gt=0"`
	Currency        string `validate:"omitempty,len=3"`
	Subject         string `validate:"max=128"`
	NotifyURL       string `validate:"omitempty,url"`
	ReturnURL       string `validate:"omitempty,url"`
	ClientIP        string `validate:"omitempty,ip"`
	Extra           map[string]any
}

// CreatePaymentResponse carries the stored order and, when the provider was
// reached, its answer. Duplicate is set when the merchant order number was
// already submitted; Order is then the original order and Result is nil.
type CreatePaymentResponse struct {
	Order     *order.Order
	Result    *providers.PaymentResult
	Duplicate bool
}

// QueryResponse is the provider's view of an order and the order after any
// confirmation the answer triggered.
type QueryResponse struct {
	Order  *order.Order
	Result *providers.PaymentResult
}

// CallbackResponse carries the acknowledgement the provider expects.
type CallbackResponse struct {
	OrderNo     string
	Result      *providers.PaymentResult
	Applied     bool
	ContentType string
	Ack         []byte
}

type OrderServiceConfig struct {
	// PublicURL is the externally reachable base URL providers call back on.
	PublicURL string
}

type OrderServiceDeps struct {
	Orders     order.Repository
	OrderCache OrderCache
	Merchants  MerchantSource
	Channels   ChannelSource
	Selector   channel.Selector
	Providers  ProviderResolver
	Notifier   Notifier
	Locker     Locker
	Duplicates *DuplicateFilter
	Numbers    *OrderNumbers
	TxManager  TransactionManager
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// OrderService is the merchant- and provider-facing side of the order
// lifecycle: submission, status queries, callbacks and refunds.
type OrderService struct {
	cfg        OrderServiceConfig
	orders     order.Repository
	orderCache OrderCache
	merchants  MerchantSource
	channels   ChannelSource
	selector   channel.Selector
	providers  ProviderResolver
	locker     Locker
	dups       *DuplicateFilter
	numbers    *OrderNumbers
	tx         TransactionManager
	metrics    *observability.Metrics
	logger     zerolog.Logger
	settle     *settler
}

func NewOrderService(cfg OrderServiceConfig, d OrderServiceDeps) *OrderService {
	logger := observability.Component(d.Logger, "order-service")
	return &OrderService{
		cfg:        cfg,
		orders:     d.Orders,
		orderCache: d.OrderCache,
		merchants:  d.Merchants,
		channels:   d.Channels,
		selector:   d.Selector,
		providers:  d.Providers,
		locker:     d.Locker,
		dups:       d.Duplicates,
		numbers:    d.Numbers,
		tx:         d.TxManager,
		metrics:    d.Metrics,
		logger:     logger,
		settle: &settler{
			orders:   d.Orders,
			cache:    d.OrderCache,
			notifier: d.Notifier,
			logger:   logger,
			now:      time.Now,
		},
	}
}

// CreatePayment stores a new order and submits it to the provider.
//
// A provider rejection marks the order failed and returns the BusinessError.
// A network error leaves the order pending for reconciliation and returns
// the NetworkError alongside the stored order.
func (s *OrderService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResponse, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	m, err := s.merchants.Get(ctx, req.MerchantID)
	if err != nil {
		return nil, err
	}
	if !m.IsActive() {
		return nil, domainErrors.ErrMerchantInactive
	}

	key := order.MerchantKey(req.MerchantID, req.MerchantOrderNo)
	release, err := s.placeholder(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	if s.dups.MayContain(key) {
		existing, err := s.orders.GetByMerchantOrderNo(ctx, req.MerchantID, req.MerchantOrderNo)
		if err == nil {
			return &CreatePaymentResponse{Order: existing, Duplicate: true}, nil
		}
		if !errors.Is(err, domainErrors.ErrOrderNotFound) {
			return nil, err
		}
	}

	ch, err := s.resolveChannel(ctx, req)
	if err != nil {
		return nil, err
	}
	fee, err := computeFee(ch.FeeExpression, req.Amount)
	if err != nil {
		return nil, domainErrors.NewDomainError("fee_expression",
			fmt.Sprintf("channel %d fee expression", ch.ID), errors.Join(domainErrors.ErrConfig, err))
	}
	provider, err := s.providers.ForChannel(ch)
	if err != nil {
		return nil, err
	}

	notifyURL := req.NotifyURL
	if notifyURL == "" {
		notifyURL = m.DefaultNotifyURL
	}
	if notifyURL == "" {
		return nil, domainErrors.NewValidationError("notify_url", "required when the merchant has no default")
	}

	o, err := order.NewOrder(order.NewOrderParams{
		OrderNo:         s.numbers.Next(),
		MerchantID:      req.MerchantID,
		MerchantOrderNo: req.MerchantOrderNo,
		ChannelID:       ch.ID,
		ProviderCode:    ch.ProviderCode,
		ProductCode:     ch.ProductCode,
		Amount:          req.Amount,
		Currency:        req.Currency,
		FeeAmount:       fee,
		NotifyURL:       notifyURL,
		ReturnURL:       req.ReturnURL,
		Subject:         req.Subject,
		ClientIP:        req.ClientIP,
		Extra:           req.Extra,
	})
	if err != nil {
		return nil, err
	}

	preq := &providers.PaymentRequest{
		OrderNo:     o.OrderNo,
		Amount:      o.Amount,
		Currency:    o.Currency,
		Subject:     o.Subject,
		ProductCode: o.ProductCode,
		ClientIP:    o.ClientIP,
		CallbackURL: s.callbackURL(ch.ProviderCode),
		ReturnURL:   o.ReturnURL,
		Extra:       o.Extra,
	}
	if err := provider.ValidateParams(preq); err != nil {
		return nil, err
	}

	var result *providers.PaymentResult
	sg := saga.New("create-payment").
		AddStep(saga.Step{
			Name: "persist-order",
			Execute: func(ctx context.Context) error {
				return s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
					if err := s.orders.Create(txCtx, o); err != nil {
						return err
					}
					return s.orders.AddEvent(txCtx, order.NewEvent(o.ID, EventOrderCreated, map[string]any{
						"merchant_order_no": o.MerchantOrderNo,
						"channel_id":        o.ChannelID,
						"provider":          o.ProviderCode,
						"amount":            o.Amount,
						"fee_amount":        o.FeeAmount,
					}))
				})
			},
			Compensate: func(ctx context.Context, cause error) error {
				_, err := s.settle.fail(ctx, o, failureReason(cause))
				return err
			},
		}).
		AddStep(saga.Step{
			Name: "submit-to-provider",
			Execute: func(ctx context.Context) error {
				r, err := provider.ProcessPayment(ctx, preq)
				if err != nil {
					return err
				}
				if r.IsFailed() {
					return domainErrors.BusinessError(provider.ServiceName(), providers.OpProcess, r.Message(), r.RawResponse())
				}
				result = r
				return nil
			},
		}).
		// Only a definitive answer undoes the order; an unknown outcome is
		// left for the reconciler.
		CompensateIf(func(err error) bool { return !domainErrors.IsRetryable(err) })

	if err := sg.Execute(ctx); err != nil {
		var stepErr *saga.StepError
		if errors.As(err, &stepErr) && stepErr.Index == 0 {
			if errors.Is(err, domainErrors.ErrDuplicateOrder) {
				s.dups.Add(key)
				existing, gerr := s.orders.GetByMerchantOrderNo(ctx, req.MerchantID, req.MerchantOrderNo)
				if gerr != nil {
					return nil, gerr
				}
				return &CreatePaymentResponse{Order: existing, Duplicate: true}, nil
			}
			return nil, fmt.Errorf("persist order: %w", err)
		}
		s.dups.Add(key)
		return s.submitFailed(ctx, o, stepErr, err)
	}
	s.dups.Add(key)

	if result.IsConfirmedPaid() {
		if _, err := s.settle.confirmPaid(ctx, o, result, "submit"); err != nil {
			return nil, err
		}
	} else {
		var ref *string
		if r := result.ProviderOrderNo(); r != "" {
			ref = &r
		}
		applied, err := s.orders.MarkProcessing(ctx, o.ID, ref)
		if err != nil {
			return nil, err
		}
		s.orderCache.Invalidate(ctx, o.OrderNo)
		if applied {
			s.settle.addEvent(ctx, o, EventOrderProcessing, map[string]any{"provider_order_no": result.ProviderOrderNo()})
		}
	}
	s.metrics.OrderCreated(o.ProviderCode, "submitted")

	stored, err := s.orders.GetByID(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Str("provider", o.ProviderCode).
		Int64("amount", o.Amount).Str("status", stored.Status.String()).Msg("Order submitted")
	return &CreatePaymentResponse{Order: stored, Result: result}, nil
}

func (s *OrderService) submitFailed(ctx context.Context, o *order.Order, stepErr *saga.StepError, err error) (*CreatePaymentResponse, error) {
	log := s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Str("provider", o.ProviderCode)
	if raw := domainErrors.RawBody(err); raw != "" {
		s.logger.Debug().Str("order_no", o.OrderNo).Str("raw", raw).Msg("Provider raw response")
	}

	if domainErrors.IsRetryable(err) {
		s.metrics.OrderCreated(o.ProviderCode, "unknown")
		log.Msg("Submission outcome unknown, leaving order pending")
		return &CreatePaymentResponse{Order: o}, err
	}

	s.metrics.OrderCreated(o.ProviderCode, "rejected")
	if stepErr != nil && stepErr.CompErr != nil {
		s.logger.Error().Err(stepErr.CompErr).Str("order_no", o.OrderNo).Msg("Failed to mark rejected order failed")
	}
	log.Msg("Submission rejected")
	stored, gerr := s.orders.GetByID(ctx, o.ID)
	if gerr != nil {
		stored = o
	}
	return &CreatePaymentResponse{Order: stored}, err
}

// placeholder takes the merchant order number's placeholder key. A second
// submission while it is held fails with ErrOrderLocked. When the lock
// backend is down creation proceeds, guarded by the store's unique constraint.
func (s *OrderService) placeholder(ctx context.Context, key string) (func(), error) {
	name := "order:" + key
	token, ok, err := s.locker.Acquire(ctx, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Placeholder lock unavailable")
		return func() {}, nil
	}
	if !ok {
		return nil, domainErrors.ErrOrderLocked
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), name, token); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to release placeholder lock")
		}
	}, nil
}

func (s *OrderService) resolveChannel(ctx context.Context, req CreatePaymentRequest) (*channel.Channel, error) {
	var (
		ch  *channel.Channel
		err error
	)
	if req.ChannelID > 0 {
		ch, err = s.channels.GetByID(ctx, req.ChannelID)
	} else {
		ch, err = s.selector.Select(ctx, req.ProductCode, req.Amount)
	}
	if err != nil {
		return nil, err
	}
	if !ch.IsEnabled() {
		return nil, domainErrors.ErrChannelInactive
	}
	if !ch.Accepts(req.Amount) {
		return nil, domainErrors.ErrAmountOutOfRange
	}
	return ch, nil
}

func (s *OrderService) callbackURL(providerCode string) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/callbacks/" + providerCode
}

// GetOrder reads an order through the cache.
func (s *OrderService) GetOrder(ctx context.Context, orderNo string) (*order.Order, error) {
	return s.orderCache.ByOrderNo(ctx, orderNo)
}

// QueryProviderStatus asks the order's provider for its status. A confirmed
// payment is applied to the order as if a callback had arrived.
func (s *OrderService) QueryProviderStatus(ctx context.Context, orderNo string) (*QueryResponse, error) {
	o, err := s.orderCache.ByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	provider, err := s.providerFor(ctx, o)
	if err != nil {
		return nil, err
	}

	result, err := provider.QueryPayment(ctx, &providers.QueryRequest{OrderNo: o.OrderNo, ProviderOrderNo: o.ProviderRef()})
	if err != nil {
		return nil, err
	}
	if result.IsConfirmedPaid() && !o.IsPaid() {
		if _, err := s.settle.confirmPaid(ctx, o, result, "query"); err != nil {
			return nil, err
		}
		if o, err = s.orders.GetByID(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return &QueryResponse{Order: o, Result: result}, nil
}

// HandleProviderCallback verifies a provider callback with the credentials of
// the order's channel, then applies it. Verification failures are returned
// before any state is touched. The response always carries the provider's
// acknowledgement body once the provider is known.
func (s *OrderService) HandleProviderCallback(ctx context.Context, providerCode string, cb *providers.CallbackRequest) (*CallbackResponse, error) {
	orderNo, err := s.providers.CallbackOrderNo(providerCode, cb)
	if err != nil {
		return nil, err
	}
	o, err := s.orderCache.ByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if o.ProviderCode != providerCode {
		return nil, domainErrors.CallbackRejected(providerCode, domainErrors.ErrCallbackSource, "order routed to "+o.ProviderCode)
	}
	provider, err := s.providerFor(ctx, o)
	if err != nil {
		return nil, err
	}

	resp := &CallbackResponse{OrderNo: o.OrderNo}
	nack := func(err error) (*CallbackResponse, error) {
		resp.ContentType, resp.Ack = provider.CallbackAck(false)
		return resp, err
	}

	result, err := provider.HandleCallback(ctx, cb)
	if err != nil {
		s.logger.Warn().Err(err).Str("order_no", o.OrderNo).Str("provider", providerCode).Str("remote_ip", cb.RemoteIP).
			Msg("Callback rejected")
		return nack(err)
	}
	resp.Result = result

	switch {
	case result.IsConfirmedPaid():
		resp.Applied, err = s.settle.confirmPaid(ctx, o, result, "callback")
	case result.IsFailed():
		resp.Applied, err = s.settle.fail(ctx, o, "provider reported failure: "+result.Message())
	}
	if err != nil {
		return nack(err)
	}

	resp.ContentType, resp.Ack = provider.CallbackAck(true)
	return resp, nil
}

// Refund refunds a paid order in full.
func (s *OrderService) Refund(ctx context.Context, orderNo, reason string) (*order.Order, error) {
	o, err := s.orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if !o.CanTransitionTo(order.StatusRefunded) {
		return nil, domainErrors.NewDomainError("refund_not_allowed",
			"order is "+o.Status.String(), domainErrors.ErrInvalidStateTransition)
	}
	provider, err := s.providerFor(ctx, o)
	if err != nil {
		return nil, err
	}

	result, err := provider.Refund(ctx, &providers.RefundRequest{
		OrderNo:         o.OrderNo,
		ProviderOrderNo: o.ProviderRef(),
		RefundNo:        "R" + o.OrderNo,
		Amount:          o.Amount,
		TotalAmount:     o.Amount,
		Currency:        o.Currency,
		Reason:          reason,
	})
	if err != nil {
		return nil, err
	}
	if !result.IsSuccess() {
		return nil, domainErrors.BusinessError(provider.ServiceName(), providers.OpRefund, result.Message(), result.RawResponse())
	}

	applied, err := s.orders.MarkRefunded(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	s.orderCache.Invalidate(ctx, o.OrderNo)
	if !applied {
		return nil, domainErrors.ErrStatusConflict
	}
	s.settle.addEvent(ctx, o, EventOrderRefunded, map[string]any{
		"reason":        reason,
		"refund_txn_id": result.TransactionID(),
	})
	return s.orders.GetByID(ctx, o.ID)
}

func (s *OrderService) providerFor(ctx context.Context, o *order.Order) (providers.Provider, error) {
	ch, err := s.channels.GetByID(ctx, o.ChannelID)
	if err != nil {
		return nil, err
	}
	return s.providers.ForChannel(ch)
}

// computeFee evaluates the channel fee expression over the amount in minor
// units, rounded and clamped to [0, amount].
func computeFee(expression string, amount int64) (int64, error) {
	if strings.TrimSpace(expression) == "" {
		return 0, nil
	}
	v, err := expr.Eval(expression, map[string]decimal.Decimal{"amount": decimal.NewFromInt(amount)})
	if err != nil {
		return 0, err
	}
	fee := v.Round(0).IntPart()
	if fee < 0 {
		fee = 0
	}
	if fee > amount {
		fee = amount
	}
	return fee, nil
}

func failureReason(err error) string {
	var pe *domainErrors.ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return "rejected by provider"
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return domainErrors.NewValidationError(toSnake(verrs[0].Field()), "failed "+verrs[0].Tag())
	}
	return domainErrors.NewValidationError("request", err.Error())
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
