package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/notification"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/cassiomorais/paygate/internal/notify"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/cassiomorais/paygate/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrders struct {
	createFn   func(ctx context.Context, req service.CreatePaymentRequest) (*service.CreatePaymentResponse, error)
	getFn      func(ctx context.Context, orderNo string) (*order.Order, error)
	queryFn    func(ctx context.Context, orderNo string) (*service.QueryResponse, error)
	callbackFn func(ctx context.Context, code string, cb *providers.CallbackRequest) (*service.CallbackResponse, error)
	refundFn   func(ctx context.Context, orderNo, reason string) (*order.Order, error)

	created   []service.CreatePaymentRequest
	callbacks []*providers.CallbackRequest
}

func (f *fakeOrders) CreatePayment(ctx context.Context, req service.CreatePaymentRequest) (*service.CreatePaymentResponse, error) {
	f.created = append(f.created, req)
	return f.createFn(ctx, req)
}

func (f *fakeOrders) GetOrder(ctx context.Context, orderNo string) (*order.Order, error) {
	return f.getFn(ctx, orderNo)
}

func (f *fakeOrders) QueryProviderStatus(ctx context.Context, orderNo string) (*service.QueryResponse, error) {
	return f.queryFn(ctx, orderNo)
}

func (f *fakeOrders) HandleProviderCallback(ctx context.Context, code string, cb *providers.CallbackRequest) (*service.CallbackResponse, error) {
	f.callbacks = append(f.callbacks, cb)
	return f.callbackFn(ctx, code, cb)
}

func (f *fakeOrders) Refund(ctx context.Context, orderNo, reason string) (*order.Order, error) {
	return f.refundFn(ctx, orderNo, reason)
}

type fakeOps struct {
	stats    notification.Stats
	requeued []string
	deferred map[string]time.Duration
	err      error
}

func (f *fakeOps) Stats(ctx context.Context) (notification.Stats, error) { return f.stats, f.err }

func (f *fakeOps) Requeue(ctx context.Context, orderNo string) error {
	if f.err != nil {
		return f.err
	}
	f.requeued = append(f.requeued, orderNo)
	return nil
}

func (f *fakeOps) Defer(ctx context.Context, orderNo string, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	if f.deferred == nil {
		f.deferred = make(map[string]time.Duration)
	}
	f.deferred[orderNo] = delay
	return nil
}

type fakeDB struct{ err error }

func (f fakeDB) Ping(ctx context.Context) error { return f.err }

func newTestRouter(t *testing.T, orders *fakeOrders, ops *fakeOps, db DBPinger) *chi.Mux {
	t.Helper()
	return newTestRouterWithServer(t, orders, ops, db, config.ServerConfig{CORS: config.CORSConfig{AllowedOrigins: []string{"*"}}})
}

func newTestRouterWithServer(t *testing.T, orders *fakeOrders, ops *fakeOps, db DBPinger, server config.ServerConfig) *chi.Mux {
	t.Helper()
	_, client := testutil.NewRedis(t)
	return NewRouter(RouterDeps{
		DB:            db,
		RedisClient:   client,
		Orders:        orders,
		Notifications: ops,
		Gatherer:      prometheus.NewRegistry(),
		Server:        server,
		Logger:        zerolog.Nop(),
	})
}

func serve(r http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.RemoteAddr = "203.0.113.9:51000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func processingResult(payURL string) *providers.PaymentResult {
	return providers.NewPaymentResult(providers.ResultParams{
		Status:  providers.ResultProcessing,
		Success: true,
		Data:    providers.ResultData{PayURL: payURL},
	})
}

const createBody = `{"merchant_id":1001,"merchant_order_no":"M-1","product_code":"qr","amount":1050}`

func TestOrderController_Create(t *testing.T) {
	o := testutil.NewTestOrder("20260301000001", order.StatusProcessing, time.Now())
	orders := &fakeOrders{createFn: func(ctx context.Context, req service.CreatePaymentRequest) (*service.CreatePaymentResponse, error) {
		return &service.CreatePaymentResponse{Order: o, Result: processingResult("https://pay.example/x")}, nil
	}}
	r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})

	w := serve(r, http.MethodPost, "/api/v1/orders", "application/json", createBody)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp PaymentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "https://pay.example/x", resp.PayURL)
	assert.Equal(t, "processing", resp.Order.Status)
	assert.Equal(t, int64(1050), resp.Order.Amount)

	require.Len(t, orders.created, 1)
	assert.Equal(t, "203.0.113.9", orders.created[0].ClientIP)
	assert.Equal(t, "qr", orders.created[0].ProductCode)
}

func TestOrderController_CreateOutcomes(t *testing.T) {
	o := testutil.NewTestOrder("20260301000002", order.StatusPending, time.Now())

	tests := []struct {
		name       string
		resp       *service.CreatePaymentResponse
		err        error
		wantStatus int
		check      func(t *testing.T, body []byte)
	}{
		{
			name:       "duplicate returns original",
			resp:       &service.CreatePaymentResponse{Order: o, Duplicate: true},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp PaymentResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.True(t, resp.Duplicate)
			},
		},
		{
			name:       "unknown outcome stays pending",
			resp:       &service.CreatePaymentResponse{Order: o},
			err:        domainErrors.NetworkError("mock", "process", context.DeadlineExceeded, ""),
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, body []byte) {
				var resp PaymentResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.True(t, resp.Pending)
				assert.Equal(t, "pending", resp.Order.Status)
			},
		},
		{
			name:       "provider rejection",
			resp:       &service.CreatePaymentResponse{Order: o},
			err:        domainErrors.BusinessError("mock", "process", "simulated rejection", "<raw/>"),
			wantStatus: http.StatusUnprocessableEntity,
			check: func(t *testing.T, body []byte) {
				assert.NotContains(t, string(body), "<raw/>")
			},
		},
		{
			name:       "placeholder held",
			err:        domainErrors.ErrOrderLocked,
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := &fakeOrders{createFn: func(ctx context.Context, req service.CreatePaymentRequest) (*service.CreatePaymentResponse, error) {
				return tt.resp, tt.err
			}}
			r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})

			w := serve(r, http.MethodPost, "/api/v1/orders", "application/json", createBody)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.check != nil {
				tt.check(t, w.Body.Bytes())
			}
		})
	}
}

func TestOrderController_CreateRejectsInvalidBody(t *testing.T) {
	orders := &fakeOrders{}
	r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})

	w := serve(r, http.MethodPost, "/api/v1/orders", "application/json", `{"merchant_id":1001,"amount":-5}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, orders.created)
}

func TestOrderController_Get(t *testing.T) {
	o := testutil.NewTestOrder("20260301000003", order.StatusSuccess, time.Now())
	orders := &fakeOrders{getFn: func(ctx context.Context, orderNo string) (*order.Order, error) {
		if orderNo == o.OrderNo {
			return o, nil
		}
		return nil, domainErrors.ErrOrderNotFound
	}}
	r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})

	w := serve(r, http.MethodGet, "/api/v1/orders/"+o.OrderNo, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp OrderResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "none", resp.NotifyStatus)

	w = serve(r, http.MethodGet, "/api/v1/orders/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrderController_ProviderStatus(t *testing.T) {
	o := testutil.NewTestOrder("20260301000004", order.StatusProcessing, time.Now())
	orders := &fakeOrders{queryFn: func(ctx context.Context, orderNo string) (*service.QueryResponse, error) {
		return &service.QueryResponse{Order: o, Result: providers.NewPaymentResult(providers.ResultParams{
			Status:        providers.ResultPending,
			Success:       true,
			Message:       "waiting for payer",
			TransactionID: "T-9",
		})}, nil
	}}
	r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})

	w := serve(r, http.MethodGet, "/api/v1/orders/"+o.OrderNo+"/provider-status", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp ProviderStatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "pending", resp.ProviderStatus)
	assert.Equal(t, "T-9", resp.TransactionID)
	assert.Equal(t, "processing", resp.Order.Status)
}

func TestOrderController_Refund(t *testing.T) {
	o := testutil.NewTestOrder("20260301000005", order.StatusRefunded, time.Now())
	var gotReason string
	orders := &fakeOrders{refundFn: func(ctx context.Context, orderNo, reason string) (*order.Order, error) {
		if orderNo != o.OrderNo {
			return nil, domainErrors.NewDomainError("not_refundable", "order is pending", domainErrors.ErrInvalidStateTransition)
		}
		gotReason = reason
		return o, nil
	}}
	r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})

	w := serve(r, http.MethodPost, "/api/v1/orders/"+o.OrderNo+"/refund", "application/json", `{"reason":"customer request"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "customer request", gotReason)

	w = serve(r, http.MethodPost, "/api/v1/orders/other/refund", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCallbackController_AcksInProviderFormat(t *testing.T) {
	orders := &fakeOrders{callbackFn: func(ctx context.Context, code string, cb *providers.CallbackRequest) (*service.CallbackResponse, error) {
		return &service.CallbackResponse{OrderNo: cb.Form.Get("order_no"), Applied: true, ContentType: "text/plain", Ack: []byte("success")}, nil
	}}
	r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})

	w := serve(r, http.MethodPost, "/callbacks/mock?trade_no=T-1", "application/x-www-form-urlencoded",
		"order_no=20260301000006&status=paid&amount=1050")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))

	require.Len(t, orders.callbacks, 1)
	cb := orders.callbacks[0]
	assert.Equal(t, "20260301000006", cb.Form.Get("order_no"))
	assert.Equal(t, "T-1", cb.Form.Get("trade_no"))
	assert.Equal(t, "203.0.113.9", cb.RemoteIP)
	assert.Equal(t, "order_no=20260301000006&status=paid&amount=1050", string(cb.Body))
	assert.False(t, cb.Received.IsZero())
}

func TestCallbackController_SourceAddressFromTrustedProxiesOnly(t *testing.T) {
	// The provider only accepts callbacks from 198.51.100.7.
	orders := &fakeOrders{callbackFn: func(ctx context.Context, code string, cb *providers.CallbackRequest) (*service.CallbackResponse, error) {
		if cb.RemoteIP != "198.51.100.7" {
			return &service.CallbackResponse{ContentType: "text/plain", Ack: []byte("fail")},
				domainErrors.CallbackRejected(code, domainErrors.ErrCallbackSource, "source "+cb.RemoteIP)
		}
		return &service.CallbackResponse{Applied: true, ContentType: "text/plain", Ack: []byte("success")}, nil
	}}
	send := func(r http.Handler, peer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/callbacks/epay", strings.NewReader("out_trade_no=1"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Real-IP", "198.51.100.7")
		req.Header.Set("X-Forwarded-For", "198.51.100.7")
		req.RemoteAddr = peer
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	// Without trusted proxies a spoofed header does not pass the allow-list.
	r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})
	w := send(r, "203.0.113.9:51000")
	assert.NotEqual(t, http.StatusOK, w.Code)
	assert.Equal(t, "fail", w.Body.String())
	require.Len(t, orders.callbacks, 1)
	assert.Equal(t, "203.0.113.9", orders.callbacks[0].RemoteIP)

	// Behind a configured proxy the forwarded address is used.
	r = newTestRouterWithServer(t, orders, &fakeOps{}, fakeDB{}, config.ServerConfig{TrustedProxies: []string{"10.0.0.0/8"}})
	w = send(r, "203.0.113.9:51000")
	assert.NotEqual(t, http.StatusOK, w.Code, "peer outside the trusted range")
	w = send(r, "10.0.0.5:51000")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "198.51.100.7", orders.callbacks[len(orders.callbacks)-1].RemoteIP)
}

func TestCallbackController_GetCallbackUsesQuery(t *testing.T) {
	orders := &fakeOrders{callbackFn: func(ctx context.Context, code string, cb *providers.CallbackRequest) (*service.CallbackResponse, error) {
		return &service.CallbackResponse{ContentType: "text/plain", Ack: []byte("success")}, nil
	}}
	r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})

	w := serve(r, http.MethodGet, "/callbacks/epay?out_trade_no=20260301000007&trade_status=TRADE_SUCCESS", "", "")

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, orders.callbacks, 1)
	assert.Equal(t, "20260301000007", orders.callbacks[0].Form.Get("out_trade_no"))
}

func TestCallbackController_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		resp        *service.CallbackResponse
		err         error
		wantStatus  int
		wantBody    string
		wantContent string
	}{
		{
			name:        "bad signature nacked in provider format",
			resp:        &service.CallbackResponse{ContentType: "text/xml", Ack: []byte("<xml><return_code>FAIL</return_code></xml>")},
			err:         domainErrors.CallbackRejected("wxpay", domainErrors.ErrInvalidSignature, "sign mismatch"),
			wantStatus:  http.StatusUnauthorized,
			wantBody:    "<xml><return_code>FAIL</return_code></xml>",
			wantContent: "text/xml",
		},
		{
			name:        "unknown provider",
			err:         domainErrors.ErrServiceNotFound,
			wantStatus:  http.StatusNotFound,
			wantBody:    "fail",
			wantContent: "text/plain",
		},
		{
			name:        "unknown order",
			err:         domainErrors.ErrOrderNotFound,
			wantStatus:  http.StatusNotFound,
			wantBody:    "fail",
			wantContent: "text/plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := &fakeOrders{callbackFn: func(ctx context.Context, code string, cb *providers.CallbackRequest) (*service.CallbackResponse, error) {
				return tt.resp, tt.err
			}}
			r := newTestRouter(t, orders, &fakeOps{}, fakeDB{})

			w := serve(r, http.MethodPost, "/callbacks/wxpay", "text/xml", "<xml/>")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
			assert.Equal(t, tt.wantContent, w.Header().Get("Content-Type"))
		})
	}
}

func TestOpsController(t *testing.T) {
	ops := &fakeOps{stats: notification.Stats{Enqueued: 4, Completed: 3, RetryDepth: 1}}
	r := newTestRouter(t, &fakeOrders{}, ops, fakeDB{})

	w := serve(r, http.MethodGet, "/ops/notifications/stats", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats notification.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, int64(4), stats.Enqueued)
	assert.Equal(t, int64(1), stats.RetryDepth)

	w = serve(r, http.MethodPost, "/ops/notifications/20260301000008/requeue", "", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"20260301000008"}, ops.requeued)

	w = serve(r, http.MethodPost, "/ops/notifications/20260301000008/defer?delay=30m", "", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 30*time.Minute, ops.deferred["20260301000008"])

	w = serve(r, http.MethodPost, "/ops/notifications/20260301000008/defer?delay=soon", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ops.err = notify.ErrAlreadyDelivered
	w = serve(r, http.MethodPost, "/ops/notifications/20260301000008/requeue", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	w = serve(r, http.MethodPost, "/ops/notifications/20260301000008/defer?delay=1m", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOpsController_AllowList(t *testing.T) {
	ops := &fakeOps{}
	r := newTestRouterWithServer(t, &fakeOrders{}, ops, fakeDB{}, config.ServerConfig{OpsAllowedIPs: []string{"127.0.0.1"}})

	req := httptest.NewRequest(http.MethodPost, "/ops/notifications/20260301000008/requeue", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	req.Header.Set("X-Real-IP", "127.0.0.1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, ops.requeued)

	req = httptest.NewRequest(http.MethodPost, "/ops/notifications/20260301000008/requeue", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"20260301000008"}, ops.requeued)
}

func TestHealthController_Readiness(t *testing.T) {
	r := newTestRouter(t, &fakeOrders{}, &fakeOps{}, fakeDB{})
	w := serve(r, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var ready readinessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ready))
	assert.Equal(t, map[string]string{"database": "up", "redis": "up"}, ready.Checks)

	r = newTestRouter(t, &fakeOrders{}, &fakeOps{}, fakeDB{err: errors.New("down")})
	w = serve(r, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ready))
	assert.Equal(t, "database unavailable", ready.Reason)
	assert.Equal(t, "down", ready.Checks["database"])
	assert.Equal(t, "up", ready.Checks["redis"])
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, &fakeOrders{}, &fakeOps{}, fakeDB{})

	w := serve(r, http.MethodGet, "/metrics", "", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestRouter_UnknownRoute(t *testing.T) {
	r := newTestRouter(t, &fakeOrders{}, &fakeOps{}, fakeDB{})
	w := serve(r, http.MethodDelete, "/api/v1/orders/1", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
