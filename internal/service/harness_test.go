package service_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cassiomorais/paygate/internal/cache"
	"github.com/cassiomorais/paygate/internal/domain/channel"
	"github.com/cassiomorais/paygate/internal/domain/notification"
	"github.com/cassiomorais/paygate/internal/domain/order"
	infraRedis "github.com/cassiomorais/paygate/internal/infrastructure/redis"
	"github.com/cassiomorais/paygate/internal/notify"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/cassiomorais/paygate/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// harness wires the order service, reconciler and dispatcher against
// in-memory repositories, miniredis and the mock provider.
type harness struct {
	orders     *testutil.MockOrderRepository
	channels   *testutil.MockChannelRepository
	attempts   *testutil.MockAttemptLog
	provider   *providers.MockProvider
	registry   *providers.Registry
	redis      *redis.Client
	lock       *infraRedis.PlaceholderLock
	dispatcher *notify.Dispatcher
	svc        *service.OrderService
	reconciler *service.Reconciler

	orderCache    *cache.OrderLookup
	channelLookup *cache.ChannelLookup

	merchantHits atomic.Int32
	// skew moves the reconciler and dispatcher clocks forward.
	skew time.Duration
}

func newHarness(t *testing.T, opts ...providers.MockProviderOption) *harness {
	t.Helper()
	_, client := testutil.NewRedis(t)
	logger := zerolog.Nop()

	h := &harness{
		orders:   testutil.NewMockOrderRepository(),
		channels: testutil.NewMockChannelRepository(testutil.NewTestChannel(providers.CodeMock)),
		attempts: testutil.NewMockAttemptLog(),
		provider: providers.NewMockProvider(providers.CodeMock, opts...),
		redis:    client,
		lock:     infraRedis.NewPlaceholderLock(client, "test:", 10*time.Second),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.merchantHits.Add(1)
		_, _ = w.Write([]byte("success"))
	}))
	t.Cleanup(srv.Close)

	m := testutil.NewTestMerchant()
	m.DefaultNotifyURL = srv.URL + "/notify"
	merchants := testutil.NewMockMerchantRepository(m)

	ml := cache.New(client, cache.Config{Prefix: "test:"}, nil, logger)
	orderCache := cache.NewOrderLookup(ml, h.orders, time.Minute)
	merchantLookup := cache.NewMerchantLookup(ml, merchants)
	channelLookup := cache.NewChannelLookup(ml, h.channels)

	registry := providers.NewRegistry(nil, nil, nil, logger, providers.BreakerConfig{})
	registry.Register(providers.CodeMock, providers.Shared(h.provider))
	h.registry = registry

	h.dispatcher = notify.NewDispatcher(notify.Config{BatchSize: 10},
		infraRedis.NewQueue(client, "test:"), h.orders, merchantLookup,
		notify.NewSenderWithClient(srv.Client(), notify.SenderConfig{}), h.attempts, nil, logger,
	).WithCache(orderCache).WithLocker(h.lock).WithClock(h.now)

	numbers, err := service.NewOrderNumbers(1)
	require.NoError(t, err)

	h.svc = service.NewOrderService(service.OrderServiceConfig{PublicURL: "https://pay.example.com/"}, service.OrderServiceDeps{
		Orders:     h.orders,
		OrderCache: orderCache,
		Merchants:  merchantLookup,
		Channels:   channelLookup,
		Selector:   cache.NewFirstActiveSelector(channelLookup),
		Providers:  registry,
		Notifier:   h.dispatcher,
		Locker:     h.lock,
		Duplicates: service.NewDuplicateFilter(1000, 0.01, logger),
		Numbers:    numbers,
		TxManager:  testutil.NewMockTransactionManager(),
		Logger:     logger,
	})

	h.orderCache = orderCache
	h.channelLookup = channelLookup
	h.reconciler = h.newReconciler(100)
	return h
}

// newReconciler builds a reconciler on the harness clock scanning batchSize
// orders per candidate class and tick.
func (h *harness) newReconciler(batchSize int) *service.Reconciler {
	return service.NewReconciler(service.ReconcilerConfig{
		Interval:       time.Second,
		ValidityWindow: 10 * time.Minute,
		ForceTimeout:   30 * time.Minute,
		BatchSize:      batchSize,
		Concurrency:    4,
	}, h.orders, h.orderCache, h.channelLookup, h.registry, h.dispatcher, nil, zerolog.Nop()).
		WithClock(h.now)
}

// now is the harness clock, shifted by skew.
func (h *harness) now() time.Time {
	return time.Now().Add(h.skew)
}

func (h *harness) create(t *testing.T, merchantOrderNo string, amount int64) *order.Order {
	t.Helper()
	resp, err := h.svc.CreatePayment(testutil.Ctx(t), service.CreatePaymentRequest{
		MerchantID:      testutil.TestMerchantID,
		MerchantOrderNo: merchantOrderNo,
		ProductCode:     testutil.TestProduct,
		Amount:          amount,
		Subject:         "test",
	})
	require.NoError(t, err)
	require.False(t, resp.Duplicate)
	return resp.Order
}

func (h *harness) stored(o *order.Order) *order.Order {
	return h.orders.Stored(o.ID)
}

// callback builds a signed mock provider callback for o.
func (h *harness) callback(o *order.Order, status string, amount int64) *providers.CallbackRequest {
	form := url.Values{}
	form.Set("order_no", o.OrderNo)
	form.Set("trade_no", "mock_txn_cb")
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("status", status)
	return &providers.CallbackRequest{Form: h.provider.SignCallback(form), Received: time.Now()}
}

func (h *harness) drainNotifications(t *testing.T) {
	t.Helper()
	_, err := h.dispatcher.DrainPending(testutil.Ctx(t))
	require.NoError(t, err)
}

// queued returns the items waiting in the pending lane, oldest last.
func (h *harness) queued(t *testing.T) []*notification.Item {
	t.Helper()
	members, err := h.redis.LRange(testutil.Ctx(t), "test:notify:pending", 0, -1).Result()
	require.NoError(t, err)
	items := make([]*notification.Item, 0, len(members))
	for _, m := range members {
		item, err := notification.DecodeItem(m)
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

func (h *harness) setChannel(mutate func(ch *channel.Channel)) {
	ch := testutil.NewTestChannel(providers.CodeMock)
	mutate(ch)
	h.channels.Put(ch)
}

func eventTypes(events []*order.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}
