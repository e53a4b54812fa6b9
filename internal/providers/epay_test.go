package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport() *Transport {
	return NewTransport(TransportConfig{ConnectTimeout: time.Second, RequestTimeout: 2 * time.Second})
}

func newEpay(t *testing.T, gateway string, extra map[string]string) *Epay {
	t.Helper()
	cfg := map[string]string{"gateway": gateway, "pid": "1001", "key": "epay-key"}
	for k, v := range extra {
		cfg[k] = v
	}
	p, err := NewEpay(Settings{Code: CodeEpay, ServiceType: "alipay", Config: cfg, Transport: newTestTransport()})
	require.NoError(t, err)
	return p.(*Epay)
}

func paymentRequest() *PaymentRequest {
	return &PaymentRequest{
		OrderNo:     "P20240101001",
		Amount:      1050,
		Currency:    "CNY",
		Subject:     "VIP",
		ClientIP:    "10.0.0.1",
		CallbackURL: "https://pay.example.com/callbacks/epay",
	}
}

func TestNewEpay_MissingConfig(t *testing.T) {
	_, err := NewEpay(Settings{Config: map[string]string{"gateway": "http://x"}})
	assert.ErrorIs(t, err, domainErrors.ErrConfig)
}

func TestEpay_ProcessPayment_SignsFormAndParsesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mapi.php", r.URL.Path)
		require.NoError(t, r.ParseForm())
		params := flatten(r.PostForm)
		assert.Equal(t, "10.50", params["money"])
		assert.Equal(t, "alipay", params["type"])
		assert.True(t, MD5Signer{Key: "epay-key"}.Verify(params, params["sign"]))
		w.Write([]byte(`{"code":1,"msg":"ok","trade_no":"T900","payurl":"https://gw/pay/T900"}`))
	}))
	defer srv.Close()

	result, err := newEpay(t, srv.URL, nil).ProcessPayment(context.Background(), paymentRequest())
	require.NoError(t, err)
	assert.Equal(t, ResultProcessing, result.Status())
	assert.True(t, result.IsSuccess())
	assert.False(t, result.IsConfirmedPaid())
	assert.Equal(t, "T900", result.ProviderOrderNo())
	assert.Equal(t, "https://gw/pay/T900", result.Data().PayURL)
}

func TestEpay_ProcessPayment_RejectionIsBusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-1,"msg":"channel closed"}`))
	}))
	defer srv.Close()

	_, err := newEpay(t, srv.URL, nil).ProcessPayment(context.Background(), paymentRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrBusiness)
	assert.Contains(t, domainErrors.RawBody(err), "channel closed")
}

func TestEpay_ProcessPayment_MalformedBodyIsNetworkErrorWithRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>502</html>`))
	}))
	defer srv.Close()

	_, err := newEpay(t, srv.URL, nil).ProcessPayment(context.Background(), paymentRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrNetwork)
	assert.Equal(t, "<html>502</html>", domainErrors.RawBody(err))
}

func TestEpay_ProcessPayment_TimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"code":1}`))
	}))
	defer srv.Close()

	p := newEpay(t, srv.URL, nil)
	p.transport = NewTransport(TransportConfig{ConnectTimeout: time.Second, RequestTimeout: 50 * time.Millisecond})

	_, err := p.ProcessPayment(context.Background(), paymentRequest())
	assert.ErrorIs(t, err, domainErrors.ErrNetwork)
}

func TestEpay_QueryPayment(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus ResultStatus
		wantPaid   bool
	}{
		{"paid", `{"code":1,"status":1,"trade_no":"T1","money":"10.50","endtime":"2024-01-01 12:00:00"}`, ResultSuccess, true},
		{"unpaid", `{"code":1,"status":0,"trade_no":"T1","money":"10.50"}`, ResultPending, false},
		{"unknown order", `{"code":-1,"msg":"order not found"}`, ResultPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "order", r.PostForm.Get("act"))
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			result, err := newEpay(t, srv.URL, nil).QueryPayment(context.Background(), &QueryRequest{OrderNo: "P1"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, result.Status())
			assert.Equal(t, tt.wantPaid, result.IsConfirmedPaid())
			if tt.wantPaid {
				paidAt, ok := result.PaidAt()
				require.True(t, ok)
				assert.Equal(t, 4, paidAt.UTC().Hour())
				assert.Equal(t, int64(1050), result.Amount())
			}
		})
	}
}

func signedEpayCallback(key string, mutate func(url.Values)) url.Values {
	form := url.Values{
		"pid":          {"1001"},
		"trade_no":     {"T900"},
		"out_trade_no": {"P20240101001"},
		"type":         {"alipay"},
		"money":        {"10.50"},
		"trade_status": {"TRADE_SUCCESS"},
		"sign_type":    {"MD5"},
	}
	form.Set("sign", MD5Signer{Key: key}.Sign(flatten(form)))
	if mutate != nil {
		mutate(form)
	}
	return form
}

func TestEpay_HandleCallback(t *testing.T) {
	p := newEpay(t, "http://unused", map[string]string{"allowed_ips": "1.2.3.4, 5.6.7.8"})

	t.Run("valid", func(t *testing.T) {
		cb := &CallbackRequest{Form: signedEpayCallback("epay-key", nil), RemoteIP: "5.6.7.8"}
		no, err := p.CallbackOrderNo(cb)
		require.NoError(t, err)
		assert.Equal(t, "P20240101001", no)

		result, err := p.HandleCallback(context.Background(), cb)
		require.NoError(t, err)
		assert.True(t, result.IsConfirmedPaid())
		assert.Equal(t, int64(1050), result.Amount())
		assert.Equal(t, "P20240101001", result.Data().Extra[ExtraOrderNo])
	})

	t.Run("tampered amount", func(t *testing.T) {
		cb := &CallbackRequest{Form: signedEpayCallback("epay-key", func(f url.Values) { f.Set("money", "0.01") }), RemoteIP: "1.2.3.4"}
		_, err := p.HandleCallback(context.Background(), cb)
		assert.ErrorIs(t, err, domainErrors.ErrInvalidSignature)
	})

	t.Run("wrong key", func(t *testing.T) {
		cb := &CallbackRequest{Form: signedEpayCallback("other", nil), RemoteIP: "1.2.3.4"}
		_, err := p.HandleCallback(context.Background(), cb)
		assert.ErrorIs(t, err, domainErrors.ErrInvalidSignature)
	})

	t.Run("source not allowed", func(t *testing.T) {
		cb := &CallbackRequest{Form: signedEpayCallback("epay-key", nil), RemoteIP: "9.9.9.9"}
		_, err := p.HandleCallback(context.Background(), cb)
		assert.ErrorIs(t, err, domainErrors.ErrCallbackSource)
	})

	ct, body := p.CallbackAck(true)
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, "success", string(body))
}

func TestEpay_ValidateParams(t *testing.T) {
	p := newEpay(t, "http://unused", nil)

	req := paymentRequest()
	req.Amount = 0
	assert.ErrorIs(t, p.ValidateParams(req), domainErrors.ErrInvalidParams)

	req = paymentRequest()
	req.CallbackURL = ""
	assert.ErrorIs(t, p.ValidateParams(req), domainErrors.ErrInvalidParams)

	assert.NoError(t, p.ValidateParams(paymentRequest()))
}
