package providers

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Provider codes known to the registry.
const (
	CodeEpay   = "epay"
	CodeWxpay  = "wxpay"
	CodeStripe = "stripe"
	CodeMock   = "mock"
)

// Provider is one external payment provider bound to a channel's credentials.
type Provider interface {
	// ServiceName returns the provider code, e.g. "epay".
	ServiceName() string
	// ServiceType returns the payment method the channel exposes, e.g. "alipay".
	ServiceType() string

	// ValidateParams rejects requests missing fields this provider requires.
	ValidateParams(req *PaymentRequest) error
	// ProcessPayment submits a new payment.
	ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error)
	// QueryPayment asks the provider for the current status of an order.
	QueryPayment(ctx context.Context, req *QueryRequest) (*PaymentResult, error)
	// HandleCallback verifies an asynchronous notification and decodes it.
	// Verification failures are returned before anything else is looked at.
	HandleCallback(ctx context.Context, cb *CallbackRequest) (*PaymentResult, error)
	// Refund refunds a confirmed payment.
	Refund(ctx context.Context, req *RefundRequest) (*PaymentResult, error)

	// IsResponseSuccess is the single rule deciding whether a decoded
	// provider response reports success.
	IsResponseSuccess(raw map[string]any) bool
	// CallbackOrderNo extracts the platform order number from an unverified
	// callback so the caller can load the channel credentials to verify it.
	CallbackOrderNo(cb *CallbackRequest) (string, error)
	// CallbackAck returns the acknowledgement body the provider expects.
	CallbackAck(ok bool) (contentType string, body []byte)
}

// PaymentRequest is the provider-neutral submission.
type PaymentRequest struct {
	OrderNo     string `validate:"required,max=64"`
	Amount      int64  `validate:"gt=0"`
	Currency    string `validate:"required,len=3"`
	Subject     string `validate:"max=128"`
	ProductCode string
	ClientIP    string `validate:"omitempty,ip"`
	// CallbackURL is where the provider posts asynchronous results.
	CallbackURL string `validate:"required,url"`
	ReturnURL   string `validate:"omitempty,url"`
	Extra       map[string]any
}

// QueryRequest identifies an order at the provider. ProviderOrderNo may be
// empty when submission never returned.
type QueryRequest struct {
	OrderNo         string
	ProviderOrderNo string
}

type RefundRequest struct {
	OrderNo         string
	ProviderOrderNo string
	RefundNo        string
	Amount          int64
	TotalAmount     int64
	Currency        string
	Reason          string
}

// CallbackRequest is an inbound provider notification as received over HTTP.
type CallbackRequest struct {
	Body     []byte
	Header   http.Header
	Form     url.Values
	RemoteIP string
	Received time.Time
}
