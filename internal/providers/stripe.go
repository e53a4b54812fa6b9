package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
)

// Stripe drives PaymentIntents through stripe-go.
//
// Channel config: secret_key, webhook_secret, and optionally api_base.
type Stripe struct {
	api           *client.API
	webhookSecret string
	serviceType   string
}

func NewStripe(s Settings) (Provider, error) {
	if err := requireConfig(CodeStripe, s.Config, "secret_key", "webhook_secret"); err != nil {
		return nil, err
	}

	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if s.Transport != nil {
		cfg.HTTPClient = s.Transport.HTTPClient()
	}
	if base := s.Config["api_base"]; base != "" {
		cfg.URL = stripe.String(base)
	}
	api := &client.API{}
	api.Init(s.Config["secret_key"], stripe.NewBackendsWithConfig(cfg))

	return &Stripe{api: api, webhookSecret: s.Config["webhook_secret"], serviceType: s.ServiceType}, nil
}

func (p *Stripe) ServiceName() string { return CodeStripe }
func (p *Stripe) ServiceType() string { return p.serviceType }

func (p *Stripe) ValidateParams(req *PaymentRequest) error {
	return validateRequest(CodeStripe, req)
}

func (p *Stripe) IsResponseSuccess(raw map[string]any) bool {
	return str(raw["status"]) == string(stripe.PaymentIntentStatusSucceeded)
}

func (p *Stripe) ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Subject),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_no", req.OrderNo)
	params.SetIdempotencyKey("pi-" + req.OrderNo)

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, stripeError(OpProcess, err)
	}
	if pi.Status == stripe.PaymentIntentStatusCanceled {
		return nil, domainErrors.BusinessError(CodeStripe, OpProcess, "payment intent canceled", rawJSON(pi.LastResponse))
	}
	return p.intentResult(pi), nil
}

func (p *Stripe) QueryPayment(ctx context.Context, req *QueryRequest) (*PaymentResult, error) {
	var pi *stripe.PaymentIntent
	if req.ProviderOrderNo != "" {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		got, err := p.api.PaymentIntents.Get(req.ProviderOrderNo, params)
		if err != nil {
			return nil, stripeError(OpQuery, err)
		}
		pi = got
	} else {
		params := &stripe.PaymentIntentSearchParams{}
		params.Context = ctx
		params.Query = fmt.Sprintf("metadata['order_no']:'%s'", req.OrderNo)
		iter := p.api.PaymentIntents.Search(params)
		for iter.Next() {
			pi = iter.PaymentIntent()
			break
		}
		if err := iter.Err(); err != nil {
			return nil, stripeError(OpQuery, err)
		}
	}
	if pi == nil {
		return NewPaymentResult(ResultParams{Status: ResultPending, Message: "no payment intent"}), nil
	}
	return p.intentResult(pi), nil
}

func (p *Stripe) Refund(ctx context.Context, req *RefundRequest) (*PaymentResult, error) {
	if req.ProviderOrderNo == "" {
		return nil, domainErrors.InvalidParams(CodeStripe, OpRefund, "payment intent id is required")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProviderOrderNo),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.AddMetadata("refund_no", req.RefundNo)
	params.SetIdempotencyKey("re-" + req.RefundNo)

	re, err := p.api.Refunds.New(params)
	if err != nil {
		return nil, stripeError(OpRefund, err)
	}
	raw := rawJSON(re.LastResponse)
	if re.Status == stripe.RefundStatusFailed || re.Status == stripe.RefundStatusCanceled {
		return nil, domainErrors.BusinessError(CodeStripe, OpRefund, "refund "+string(re.Status), raw)
	}
	return NewPaymentResult(ResultParams{
		Status:        ResultSuccess,
		Success:       true,
		Message:       string(re.Status),
		TransactionID: re.ID,
		Amount:        re.Amount,
		Currency:      strings.ToUpper(string(re.Currency)),
		Raw:           raw,
	}), nil
}

func (p *Stripe) CallbackOrderNo(cb *CallbackRequest) (string, error) {
	var peek struct {
		Data struct {
			Object struct {
				Metadata map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(cb.Body, &peek); err != nil || peek.Data.Object.Metadata["order_no"] == "" {
		return "", domainErrors.InvalidParams(CodeStripe, OpCallback, "order_no metadata missing")
	}
	return peek.Data.Object.Metadata["order_no"], nil
}

func (p *Stripe) HandleCallback(ctx context.Context, cb *CallbackRequest) (*PaymentResult, error) {
	event, err := webhook.ConstructEventWithOptions(cb.Body, cb.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, domainErrors.CallbackRejected(CodeStripe, domainErrors.ErrInvalidSignature, err.Error())
	}

	var pi stripe.PaymentIntent
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &pi) != nil {
		return nil, domainErrors.InvalidParams(CodeStripe, OpCallback, "event is not a payment intent")
	}

	result := p.intentResultWithRaw(&pi, string(cb.Body))
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled", "payment_intent.processing":
		return result, nil
	default:
		return NewPaymentResult(ResultParams{
			Status:  ResultProcessing,
			Message: "ignored event " + string(event.Type),
			Data:    result.Data(),
			Raw:     string(cb.Body),
		}), nil
	}
}

func (p *Stripe) CallbackAck(ok bool) (string, []byte) {
	if ok {
		return "application/json", []byte(`{"received":true}`)
	}
	return "application/json", []byte(`{"received":false}`)
}

func (p *Stripe) intentResult(pi *stripe.PaymentIntent) *PaymentResult {
	return p.intentResultWithRaw(pi, rawJSON(pi.LastResponse))
}

func (p *Stripe) intentResultWithRaw(pi *stripe.PaymentIntent, raw string) *PaymentResult {
	status := ResultProcessing
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = ResultSuccess
	case stripe.PaymentIntentStatusCanceled:
		status = ResultFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			status = ResultFailed
		} else {
			status = ResultPending
		}
	}
	var msg string
	if pi.LastPaymentError != nil {
		msg = pi.LastPaymentError.Msg
	}
	return NewPaymentResult(ResultParams{
		Status:        status,
		Success:       p.IsResponseSuccess(map[string]any{"status": string(pi.Status)}),
		Message:       msg,
		TransactionID: pi.ID,
		Data: ResultData{
			ProviderOrderNo: pi.ID,
			Extra: map[string]string{
				ExtraOrderNo:    pi.Metadata["order_no"],
				"client_secret": pi.ClientSecret,
			},
		},
		Amount:   pi.Amount,
		Currency: strings.ToUpper(string(pi.Currency)),
		Raw:      raw,
	})
}

// stripeError splits stripe-go failures into rejections (4xx) and
// transport or server trouble (everything else).
func stripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
			return domainErrors.BusinessError(CodeStripe, op, se.Msg, rawJSON(se.LastResponse))
		}
		return domainErrors.NetworkError(CodeStripe, op, err, rawJSON(se.LastResponse))
	}
	return domainErrors.NetworkError(CodeStripe, op, err, "")
}

func rawJSON(resp *stripe.APIResponse) string {
	if resp == nil {
		return ""
	}
	return string(resp.RawJSON)
}
