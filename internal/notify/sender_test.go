package notify

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_AcknowledgementRules(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"empty 2xx", http.StatusOK, "", false},
		{"success", http.StatusOK, "success", false},
		{"ok with whitespace", http.StatusAccepted, "  OK\n", false},
		{"unexpected body", http.StatusOK, "fail", true},
		{"server error", http.StatusInternalServerError, "success", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSig string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotSig = r.Header.Get("X-Test-Sign")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s := NewSenderWithClient(srv.Client(), SenderConfig{SignHeader: "X-Test-Sign"})
			status, err := s.Send(testutil.Ctx(t), srv.URL, "secret", []byte(`{"a":1}`))

			assert.Equal(t, tt.status, status)
			if tt.wantErr {
				var de *DeliveryError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, tt.status, de.StatusCode)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, Sign("secret", []byte(`{"a":1}`)), gotSig)
		})
	}
}

func TestSender_RetryAfterOnThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSenderWithClient(srv.Client(), SenderConfig{})
	_, err := s.Send(testutil.Ctx(t), srv.URL, "secret", []byte(`{}`))
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2*time.Minute, de.RetryAfter)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, retryAfter("30", now))
	assert.Equal(t, 90*time.Second, retryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, retryAfter("", now))
	assert.Zero(t, retryAfter("soon", now))
	assert.Zero(t, retryAfter("-5", now))
	assert.Zero(t, retryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now))
}

func TestSender_RejectsBadURL(t *testing.T) {
	s := NewSender(SenderConfig{Timeout: time.Second})
	status, err := s.Send(testutil.Ctx(t), "not a url", "secret", nil)
	assert.Zero(t, status)
	assert.Error(t, err)
}

func TestSender_LimiterIsPerHost(t *testing.T) {
	s := NewSender(SenderConfig{RatePerHost: 1, Burst: 1})
	a := s.limiter("a.example.com")
	assert.Same(t, a, s.limiter("a.example.com"))
	assert.NotSame(t, a, s.limiter("b.example.com"))
}

func TestSignAndVerify(t *testing.T) {
	sig := Sign("k", []byte("payload"))
	assert.Len(t, sig, 64)
	assert.True(t, Verify("k", []byte("payload"), sig))
	assert.False(t, Verify("other", []byte("payload"), sig))
	assert.False(t, Verify("k", []byte("payload2"), sig))
}

func TestBuildPayload_DependsOnlyOnStoredFields(t *testing.T) {
	paid := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := testutil.NewTestOrder("B1", order.StatusSuccess, paid.Add(-time.Minute))
	o.PaidAt = &paid

	first, err := BuildPayload(o)
	require.NoError(t, err)
	o.UpdatedAt = time.Now()
	o.NotifyStatus = order.NotifyProcessing
	second, err := BuildPayload(o)
	require.NoError(t, err)
	// A refund between attempts leaves the notified outcome unchanged.
	o.Status = order.StatusRefunded
	third, err := BuildPayload(o)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, third)
	assert.JSONEq(t, `{"merchant_id":1001,"order_no":"B1","merchant_order_no":"M-B1","amount":1050,
		"currency":"CNY","status":"success","paid_at":1772366400}`, string(first))
}
