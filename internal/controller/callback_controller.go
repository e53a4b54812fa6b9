package controller

import (
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxCallbackBody = 64 << 10

// CallbackController receives asynchronous provider notifications. Providers
// only understand their own acknowledgement bodies, so responses here are
// never JSON envelopes.
type CallbackController struct {
	orders OrderAPI
	logger zerolog.Logger
	now    func() time.Time
}

// NewCallbackController creates a new CallbackController.
func NewCallbackController(orders OrderAPI, logger zerolog.Logger) *CallbackController {
	return &CallbackController{orders: orders, logger: logger, now: time.Now}
}

// Handle handles POST|GET /callbacks/{provider}
func (h *CallbackController) Handle(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		writeAck(w, http.StatusBadRequest, "text/plain", []byte("fail"))
		return
	}

	cb := callbackRequest(r, body)
	cb.Received = h.now()

	resp, err := h.orders.HandleProviderCallback(r.Context(), code, cb)
	if err != nil {
		status, _ := errorResponse(err)
		h.logger.Warn().Err(err).Str("provider", code).Str("remote_ip", cb.RemoteIP).Int("status", status).
			Msg("Callback not applied")
		if resp == nil || resp.Ack == nil {
			writeAck(w, status, "text/plain", []byte("fail"))
			return
		}
		writeAck(w, status, resp.ContentType, resp.Ack)
		return
	}

	h.logger.Info().Str("provider", code).Str("order_no", resp.OrderNo).Bool("applied", resp.Applied).
		Msg("Callback accepted")
	writeAck(w, http.StatusOK, resp.ContentType, resp.Ack)
}

func writeAck(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType == "" {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
}

// callbackRequest merges query parameters with a urlencoded body; body
// values win on conflict.
func callbackRequest(r *http.Request, body []byte) *providers.CallbackRequest {
	form := url.Values{}
	for k, v := range r.URL.Query() {
		form[k] = v
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mt == "application/x-www-form-urlencoded" {
		if values, err := url.ParseQuery(string(body)); err == nil {
			for k, v := range values {
				form[k] = v
			}
		}
	}
	return &providers.CallbackRequest{
		Body:     body,
		Header:   r.Header.Clone(),
		Form:     form,
		RemoteIP: remoteIP(r),
	}
}

// remoteIP strips the port TrustedRealIP may leave in RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
