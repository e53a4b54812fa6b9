package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/notification"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const maxAckBytes = 4 << 10

type SenderConfig struct {
	Timeout time.Duration
	// RatePerHost caps requests per second to one merchant host; 0 disables the cap.
	RatePerHost float64
	Burst       int
	SignHeader  string
}

// Sender posts signed order notifications to merchant endpoints.
type Sender struct {
	client *http.Client
	header string
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewSender(cfg SenderConfig) *Sender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewSenderWithClient(&http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, cfg)
}

// NewSenderWithClient uses client as is; tests pass an httptest client.
func NewSenderWithClient(client *http.Client, cfg SenderConfig) *Sender {
	header := cfg.SignHeader
	if header == "" {
		header = "X-Paygate-Signature"
	}
	limit := rate.Inf
	if cfg.RatePerHost > 0 {
		limit = rate.Limit(cfg.RatePerHost)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Sender{
		client:   client,
		header:   header,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// DeliveryError is a failed delivery. StatusCode is 0 when no response
// arrived. RetryAfter is set when a 429 or 503 answer asked for a pause.
type DeliveryError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("merchant answered %d: %v", e.StatusCode, e.Err)
	}
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Send posts body to target signed with secret. It returns the HTTP status
// code and a *DeliveryError unless the merchant acknowledged: a 2xx answer
// whose body is empty, "success" or "ok".
func (s *Sender) Send(ctx context.Context, target, secret string, body []byte) (int, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return 0, &DeliveryError{Err: fmt.Errorf("bad notify url %q", target)}
	}
	if err := s.limiter(u.Host).Wait(ctx); err != nil {
		return 0, &DeliveryError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "paygate-notify/1.0")
	req.Header.Set(s.header, Sign(secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	ack, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		de := &DeliveryError{StatusCode: resp.StatusCode, Err: fmt.Errorf("non-2xx status")}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			de.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return resp.StatusCode, de
	}
	if !acknowledged(ack) {
		return resp.StatusCode, &DeliveryError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected ack %q", truncate(string(ack), 64))}
	}
	return resp.StatusCode, nil
}

func (s *Sender) limiter(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(s.limit, s.burst)
	s.limiters[host] = l
	return l
}

// retryAfter parses a Retry-After value given in seconds or as an HTTP date.
// Missing, malformed or past values yield zero.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

func acknowledged(body []byte) bool {
	switch strings.ToLower(strings.TrimSpace(string(body))) {
	case "", "success", "ok":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.ToLower(signature)))
}

// BuildPayload renders the notification body for o. Only paid orders are
// notified, so the status is always success: a refund after the first
// attempt must not change the bytes later retries post.
func BuildPayload(o *order.Order) ([]byte, error) {
	p := notification.Payload{
		MerchantID:      o.MerchantID,
		OrderNo:         o.OrderNo,
		MerchantOrderNo: o.MerchantOrderNo,
		Amount:          o.Amount,
		Currency:        o.Currency,
		Status:          order.StatusSuccess.String(),
	}
	if o.PaidAt != nil {
		p.PaidAt = o.PaidAt.Unix()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal notification payload: %w", err)
	}
	return b, nil
}
