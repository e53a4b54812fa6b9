package controller

import (
	"time"

	"github.com/cassiomorais/paygate/internal/domain/notification"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/service"
)

// --- Request DTOs ---
// Amounts travel as integer minor units. Controllers convert these to
// service layer requests before calling business logic.

// CreateOrderRequest holds the input for submitting a payment order.
type CreateOrderRequest struct {
	MerchantID      int64          `json:"merchant_id" validate:"required,gt=0"`
	MerchantOrderNo string         `json:"merchant_order_no" validate:"required,max=64"`
	ChannelID       int64          `json:"channel_id,omitempty" validate:"gte=0"`
	ProductCode     string         `json:"product_code,omitempty" validate:"required_without=ChannelID,max=32"`
	Amount          int64          `json:"amount" validate:"required,gt=0"`
	Currency        string         `json:"currency,omitempty" validate:"omitempty,len=3"`
	Subject         string         `json:"subject,omitempty" validate:"max=128"`
	NotifyURL       string         `json:"notify_url,omitempty" validate:"omitempty,url"`
	ReturnURL       string         `json:"return_url,omitempty" validate:"omitempty,url"`
	ClientIP        string         `json:"client_ip,omitempty" validate:"omitempty,ip"`
	Extra           map[string]any `json:"extra,omitempty"`
}

func (r CreateOrderRequest) toService(remoteIP string) service.CreatePaymentRequest {
	clientIP := r.ClientIP
	if clientIP == "" {
		clientIP = remoteIP
	}
	return service.CreatePaymentRequest{
		MerchantID:      r.MerchantID,
		MerchantOrderNo: r.MerchantOrderNo,
		ChannelID:       r.ChannelID,
		ProductCode:     r.ProductCode,
		Amount:          r.Amount,
		Currency:        r.Currency,
		Subject:         r.Subject,
		NotifyURL:       r.NotifyURL,
		ReturnURL:       r.ReturnURL,
		ClientIP:        clientIP,
		Extra:           r.Extra,
	}
}

// RefundRequest holds the input for refunding a paid order.
type RefundRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// --- Response DTOs ---

// OrderResponse represents an order in API responses.
type OrderResponse struct {
	OrderNo         string     `json:"order_no"`
	MerchantID      int64      `json:"merchant_id"`
	MerchantOrderNo string     `json:"merchant_order_no"`
	ChannelID       int64      `json:"channel_id"`
	Provider        string     `json:"provider"`
	ProductCode     string     `json:"product_code,omitempty"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	FeeAmount       int64      `json:"fee_amount"`
	ProviderOrderNo *string    `json:"provider_order_no,omitempty"`
	Status          string     `json:"status"`
	NotifyStatus    string     `json:"notify_status"`
	Subject         string     `json:"subject,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

// PaymentResponse wraps an order with what the payer needs to complete it.
type PaymentResponse struct {
	Order     *OrderResponse `json:"order"`
	PayURL    string         `json:"pay_url,omitempty"`
	QRCode    string         `json:"qr_code,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Pending   bool           `json:"pending,omitempty"`
}

// ProviderStatusResponse reports the provider's view of an order.
type ProviderStatusResponse struct {
	Order          *OrderResponse `json:"order"`
	ProviderStatus string         `json:"provider_status"`
	Message        string         `json:"message,omitempty"`
	TransactionID  string         `json:"transaction_id,omitempty"`
}

// StatsResponse exposes notification counters and lane depths.
type StatsResponse = notification.Stats

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

// FromOrder converts a domain order to API response.
func FromOrder(o *order.Order) *OrderResponse {
	if o == nil {
		return nil
	}
	return &OrderResponse{
		OrderNo:         o.OrderNo,
		MerchantID:      o.MerchantID,
		MerchantOrderNo: o.MerchantOrderNo,
		ChannelID:       o.ChannelID,
		Provider:        o.ProviderCode,
		ProductCode:     o.ProductCode,
		Amount:          o.Amount,
		Currency:        o.Currency,
		FeeAmount:       o.FeeAmount,
		ProviderOrderNo: o.ProviderOrderNo,
		Status:          o.Status.String(),
		NotifyStatus:    o.NotifyStatus.String(),
		Subject:         o.Subject,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		PaidAt:          o.PaidAt,
		ClosedAt:        o.ClosedAt,
	}
}

// FromPayment converts a create-payment outcome to API response.
func FromPayment(o *order.Order, result *providers.PaymentResult, duplicate bool) *PaymentResponse {
	resp := &PaymentResponse{Order: FromOrder(o), Duplicate: duplicate}
	if result != nil {
		data := result.Data()
		resp.PayURL = data.PayURL
		resp.QRCode = data.QRCode
		resp.ExpiresAt = data.ExpiresAt
	}
	return resp
}
