package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/channel"
	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/cassiomorais/paygate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest(merchantOrderNo string) service.CreatePaymentRequest {
	return service.CreatePaymentRequest{
		MerchantID:      testutil.TestMerchantID,
		MerchantOrderNo: merchantOrderNo,
		ProductCode:     testutil.TestProduct,
		Amount:          10000,
		Subject:         "Premium plan",
	}
}

func TestCreatePayment_SubmitsAndMarksProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)

	resp, err := h.svc.CreatePayment(ctx, validRequest("M-1"))
	require.NoError(t, err)
	require.NotNil(t, resp.Result)

	o := resp.Order
	assert.Equal(t, order.StatusProcessing, o.Status)
	assert.Equal(t, int64(10000), o.Amount)
	assert.Equal(t, int64(60), o.FeeAmount)
	assert.Equal(t, "CNY", o.Currency)
	assert.Equal(t, testutil.TestChannelID, o.ChannelID)
	assert.True(t, strings.HasPrefix(o.OrderNo, time.Now().Format("20060102")))
	assert.NotEmpty(t, o.ProviderRef())
	assert.Equal(t, "https://mock.local/pay/"+o.OrderNo, resp.Result.Data().PayURL)
	// The merchant's default notify URL is used when none is given.
	assert.Contains(t, o.NotifyURL, "/notify")

	assert.Equal(t, []string{service.EventOrderCreated, service.EventOrderProcessing}, eventTypes(h.orders.Events(o.ID)))
}

func TestCreatePayment_DuplicateReturnsOriginalOrder(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)

	first, err := h.svc.CreatePayment(ctx, validRequest("M-2"))
	require.NoError(t, err)
	second, err := h.svc.CreatePayment(ctx, validRequest("M-2"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Result)
	assert.Equal(t, first.Order.OrderNo, second.Order.OrderNo)
	assert.Equal(t, 1, h.orders.CallCount("Create"))
}

func TestCreatePayment_DuplicateMissedByFilterIsCaughtByStore(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)

	// Created by another instance: this filter has never seen the key.
	existing := testutil.NewTestOrder("20260101OTHER", order.StatusProcessing, time.Now())
	existing.MerchantOrderNo = "M-3"
	h.orders.AddOrder(existing)

	resp, err := h.svc.CreatePayment(ctx, validRequest("M-3"))
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, existing.OrderNo, resp.Order.OrderNo)
}

func TestCreatePayment_PlaceholderHeldRejectsConcurrentSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)

	_, ok, err := h.lock.Acquire(ctx, "order:"+order.MerchantKey(testutil.TestMerchantID, "M-4"))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.CreatePayment(ctx, validRequest("M-4"))
	assert.ErrorIs(t, err, domainErrors.ErrOrderLocked)
	assert.Zero(t, h.orders.CallCount("Create"))
}

func TestCreatePayment_ReleasesPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)

	_, err := h.svc.CreatePayment(ctx, validRequest("M-5"))
	require.NoError(t, err)

	_, ok, err := h.lock.Acquire(ctx, "order:"+order.MerchantKey(testutil.TestMerchantID, "M-5"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreatePayment_BusinessRejectionMarksFailed(t *testing.T) {
	h := newHarness(t, providers.WithFailureRate(1), providers.WithSeed(1))
	ctx := testutil.Ctx(t)

	resp, err := h.svc.CreatePayment(ctx, validRequest("M-6"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrBusiness)
	require.NotNil(t, resp)

	stored := h.stored(resp.Order)
	assert.Equal(t, order.StatusFailed, stored.Status)
	assert.Equal(t, "simulated rejection", stored.Extra["failure_reason"])
	assert.Equal(t, order.NotifyNone, stored.NotifyStatus)
}

func TestCreatePayment_NetworkErrorLeavesOrderPending(t *testing.T) {
	h := newHarness(t, providers.WithTimeoutRate(1), providers.WithSeed(1))
	ctx := testutil.Ctx(t)

	resp, err := h.svc.CreatePayment(ctx, validRequest("M-7"))
	require.Error(t, err)
	assert.True(t, domainErrors.IsRetryable(err))
	require.NotNil(t, resp)
	assert.Equal(t, order.StatusPending, h.stored(resp.Order).Status)
}

func TestCreatePayment_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *service.CreatePaymentRequest)
		channel func(ch *channel.Channel)
		wantErr error
	}{
		{
			name:    "zero amount",
			mutate:  func(r *service.CreatePaymentRequest) { r.Amount = 0 },
			wantErr: domainErrors.ErrInvalidParams,
		},
		{
			name:    "no channel or product",
			mutate:  func(r *service.CreatePaymentRequest) { r.ProductCode = "" },
			wantErr: domainErrors.ErrInvalidParams,
		},
		{
			name:    "bad notify url",
			mutate:  func(r *service.CreatePaymentRequest) { r.NotifyURL = "not-a-url" },
			wantErr: domainErrors.ErrInvalidParams,
		},
		{
			name:    "unknown merchant",
			mutate:  func(r *service.CreatePaymentRequest) { r.MerchantID = 42 },
			wantErr: domainErrors.ErrMerchantNotFound,
		},
		{
			name:    "amount below channel minimum",
			channel: func(ch *channel.Channel) { ch.MinAmount = 50000 },
			wantErr: domainErrors.ErrAmountOutOfRange,
		},
		{
			name:    "disabled channel",
			channel: func(ch *channel.Channel) { ch.Status = channel.StatusDisabled },
			wantErr: domainErrors.ErrChannelNotFound,
		},
		{
			name:    "unknown product",
			mutate:  func(r *service.CreatePaymentRequest) { r.ProductCode = "card" },
			wantErr: domainErrors.ErrChannelNotFound,
		},
		{
			name:    "pinned disabled channel",
			mutate:  func(r *service.CreatePaymentRequest) { r.ChannelID = testutil.TestChannelID },
			channel: func(ch *channel.Channel) { ch.Status = channel.StatusDisabled },
			wantErr: domainErrors.ErrChannelInactive,
		},
		{
			name:    "broken fee expression",
			channel: func(ch *channel.Channel) { ch.FeeExpression = "amount * (" },
			wantErr: domainErrors.ErrConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.channel != nil {
				h.setChannel(tt.channel)
			}
			req := validRequest("M-REJ")
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			_, err := h.svc.CreatePayment(testutil.Ctx(t), req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, h.orders.CallCount("Create"))
		})
	}
}

func TestHandleProviderCallback_ConfirmsOnceAndNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)
	o := h.create(t, "M-8", 10000)

	first, err := h.svc.HandleProviderCallback(ctx, providers.CodeMock, h.callback(o, "paid", 10000))
	require.NoError(t, err)
	assert.True(t, first.Applied)

	// Providers resend callbacks until acknowledged.
	second, err := h.svc.HandleProviderCallback(ctx, providers.CodeMock, h.callback(o, "paid", 10000))
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, "success", string(second.Ack))

	stats, err := h.dispatcher.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, int64(1), stats.PendingDepth)

	stored := h.stored(o)
	assert.Equal(t, order.StatusSuccess, stored.Status)
	assert.Equal(t, "mock_txn_cb", stored.ProviderRef())
}

func TestHandleProviderCallback_BadSignatureChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)
	o := h.create(t, "M-9", 10000)

	cb := h.callback(o, "paid", 10000)
	cb.Form.Set("sign", "forged")

	resp, err := h.svc.HandleProviderCallback(ctx, providers.CodeMock, cb)
	assert.ErrorIs(t, err, domainErrors.ErrInvalidSignature)
	require.NotNil(t, resp)
	assert.Equal(t, "fail", string(resp.Ack))
	assert.Equal(t, order.StatusProcessing, h.stored(o).Status)
}

func TestHandleProviderCallback_AmountMismatchIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)
	o := h.create(t, "M-10", 10000)

	resp, err := h.svc.HandleProviderCallback(ctx, providers.CodeMock, h.callback(o, "paid", 1))
	assert.ErrorIs(t, err, domainErrors.ErrBusiness)
	assert.ErrorIs(t, err, domainErrors.ErrAmountMismatch)
	require.NotNil(t, resp)
	assert.Equal(t, "fail", string(resp.Ack))
	assert.Equal(t, order.StatusProcessing, h.stored(o).Status)
	assert.Nil(t, h.stored(o).PaidAt)
}

func TestHandleProviderCallback_FailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)
	o := h.create(t, "M-11", 10000)

	resp, err := h.svc.HandleProviderCallback(ctx, providers.CodeMock, h.callback(o, "failed", 10000))
	require.NoError(t, err)
	assert.True(t, resp.Applied)
	assert.Equal(t, order.StatusFailed, h.stored(o).Status)
	assert.Equal(t, order.NotifyNone, h.stored(o).NotifyStatus)
}

func TestHandleProviderCallback_WrongProviderIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)
	o := h.create(t, "M-12", 10000)
	h.registry.Register("mock2", providers.Shared(h.provider))

	_, err := h.svc.HandleProviderCallback(ctx, "mock2", h.callback(o, "paid", 10000))
	assert.ErrorIs(t, err, domainErrors.ErrCallbackSource)

	_, err = h.svc.HandleProviderCallback(ctx, "unknown", h.callback(o, "paid", 10000))
	assert.ErrorIs(t, err, domainErrors.ErrServiceNotFound)
	assert.Equal(t, order.StatusProcessing, h.stored(o).Status)
}

func TestHandleProviderCallback_SuccessNeverRegresses(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)
	o := h.create(t, "M-13", 10000)

	_, err := h.svc.HandleProviderCallback(ctx, providers.CodeMock, h.callback(o, "paid", 10000))
	require.NoError(t, err)
	resp, err := h.svc.HandleProviderCallback(ctx, providers.CodeMock, h.callback(o, "failed", 10000))
	require.NoError(t, err)
	assert.False(t, resp.Applied)

	h.provider.MarkFailed(o.OrderNo)
	h.skew = 2 * time.Hour
	h.reconciler.Tick(ctx)
	assert.Equal(t, order.StatusSuccess, h.stored(o).Status)
}

func TestQueryProviderStatus_AppliesConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)
	o := h.create(t, "M-14", 10000)

	resp, err := h.svc.QueryProviderStatus(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, providers.ResultProcessing, resp.Result.Status())
	assert.Equal(t, order.StatusProcessing, resp.Order.Status)

	h.provider.MarkPaid(o.OrderNo, time.Now())
	resp, err = h.svc.QueryProviderStatus(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSuccess, resp.Order.Status)
	assert.Equal(t, order.NotifyPending, resp.Order.NotifyStatus)
}

func TestGetOrder_ReadsThroughCache(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)
	o := h.create(t, "M-15", 10000)

	before := h.orders.CallCount("GetByOrderNo")
	for i := 0; i < 3; i++ {
		got, err := h.svc.GetOrder(ctx, o.OrderNo)
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)
	}
	assert.Equal(t, before+1, h.orders.CallCount("GetByOrderNo"))

	_, err := h.svc.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, domainErrors.ErrOrderNotFound)
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.Ctx(t)
	o := h.create(t, "M-16", 10000)

	_, err := h.svc.Refund(ctx, o.OrderNo, "customer request")
	assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)

	_, err = h.svc.HandleProviderCallback(ctx, providers.CodeMock, h.callback(o, "paid", 10000))
	require.NoError(t, err)

	refunded, err := h.svc.Refund(ctx, o.OrderNo, "customer request")
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, refunded.Status)
	assert.Contains(t, eventTypes(h.orders.Events(o.ID)), service.EventOrderRefunded)

	_, err = h.svc.Refund(ctx, o.OrderNo, "again")
	assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)
}

func TestCreatePayment_StoreFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.orders.CreateFunc = func(ctx context.Context, o *order.Order) error {
		return context.DeadlineExceeded
	}

	_, err := h.svc.CreatePayment(testutil.Ctx(t), validRequest("M-17"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.orders.CallCount("MarkProcessing"))
}
