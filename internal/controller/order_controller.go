package controller

import (
	"context"
	"errors"
	"net/http"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/go-chi/chi/v5"
)

// OrderAPI is the order service surface the HTTP layer drives.
type OrderAPI interface {
	CreatePayment(ctx context.Context, req service.CreatePaymentRequest) (*service.CreatePaymentResponse, error)
	GetOrder(ctx context.Context, orderNo string) (*order.Order, error)
	QueryProviderStatus(ctx context.Context, orderNo string) (*service.QueryResponse, error)
	HandleProviderCallback(ctx context.Context, providerCode string, cb *providers.CallbackRequest) (*service.CallbackResponse, error)
	Refund(ctx context.Context, orderNo, reason string) (*order.Order, error)
}

// OrderController handles order-related HTTP requests.
type OrderController struct {
	orders OrderAPI
}

// NewOrderController creates a new OrderController.
func NewOrderController(orders OrderAPI) *OrderController {
	return &OrderController{orders: orders}
}

// Create handles POST /api/v1/orders
func (h *OrderController) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.orders.CreatePayment(r.Context(), req.toService(remoteIP(r)))
	if err != nil {
		// The provider could not be reached: the order exists and stays
		// pending until reconciliation learns the outcome.
		if resp != nil && resp.Order != nil && errors.Is(err, domainErrors.ErrNetwork) {
			out := FromPayment(resp.Order, nil, false)
			out.Pending = true
			writeJSON(w, http.StatusAccepted, out)
			return
		}
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, FromPayment(resp.Order, resp.Result, resp.Duplicate))
}

// Get handles GET /api/v1/orders/{orderNo}
func (h *OrderController) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderNo"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromOrder(o))
}

// ProviderStatus handles GET /api/v1/orders/{orderNo}/provider-status
func (h *OrderController) ProviderStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.orders.QueryProviderStatus(r.Context(), chi.URLParam(r, "orderNo"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := ProviderStatusResponse{Order: FromOrder(resp.Order)}
	if resp.Result != nil {
		out.ProviderStatus = string(resp.Result.Status())
		out.Message = resp.Result.Message()
		out.TransactionID = resp.Result.TransactionID()
	}
	writeJSON(w, http.StatusOK, out)
}

// Refund handles POST /api/v1/orders/{orderNo}/refund
func (h *OrderController) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	o, err := h.orders.Refund(r.Context(), chi.URLParam(r, "orderNo"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromOrder(o))
}
