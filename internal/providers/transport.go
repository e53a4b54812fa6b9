package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/pkg/retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 1 << 20

// TransportConfig bounds every outbound provider call.
type TransportConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// QueryRetries is the number of extra attempts for idempotent reads.
	QueryRetries uint
}

// Transport is the shared HTTP client for provider adapters. Connection,
// TLS and non-2xx failures surface as NetworkError with any body attached.
type Transport struct {
	client  *http.Client
	retries uint
}

func NewTransport(cfg TransportConfig) *Transport {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = 3 * time.Second
	}
	total := cfg.RequestTimeout
	if total <= 0 {
		total = 10 * time.Second
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: total,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Transport{
		client: &http.Client{
			Timeout:   total,
			Transport: otelhttp.NewTransport(base),
		},
		retries: cfg.QueryRetries,
	}
}

// NewTransportWithClient wraps an existing client; tests use it with httptest.
func NewTransportWithClient(client *http.Client, retries uint) *Transport {
	return &Transport{client: client, retries: retries}
}

// HTTPClient exposes the underlying client for SDK-based adapters.
func (t *Transport) HTTPClient() *http.Client {
	return t.client
}

// PostForm sends an application/x-www-form-urlencoded body.
func (t *Transport) PostForm(ctx context.Context, provider, op, endpoint string, form url.Values) ([]byte, error) {
	return t.do(ctx, provider, op, http.MethodPost, endpoint, "application/x-www-form-urlencoded", []byte(form.Encode()))
}

// PostXML sends an XML body.
func (t *Transport) PostXML(ctx context.Context, provider, op, endpoint string, body []byte) ([]byte, error) {
	return t.do(ctx, provider, op, http.MethodPost, endpoint, "text/xml; charset=utf-8", body)
}

// Query runs an idempotent read with retries on network errors only.
func (t *Transport) Query(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = t.retries + 1
	cfg.RetryIf = domainErrors.IsRetryable
	return retry.DoWithResult(ctx, cfg, func() ([]byte, error) {
		return fn(ctx)
	})
}

func (t *Transport) do(ctx context.Context, provider, op, method, endpoint, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domainErrors.ConfigError(provider, fmt.Sprintf("bad endpoint %q", endpoint))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "paygate/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, domainErrors.NetworkError(provider, op, err, "")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domainErrors.NetworkError(provider, op, fmt.Errorf("read body: %w", err), "")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domainErrors.NetworkError(provider, op, fmt.Errorf("http status %d", resp.StatusCode), string(raw))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, domainErrors.NetworkError(provider, op, fmt.Errorf("empty response"), "")
	}
	return raw, nil
}

// joinURL appends path to a configured gateway base URL.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
