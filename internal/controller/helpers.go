package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/notify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

type errorMapping struct {
	err     error
	status  int
	code    string
	message string // replaces err.Error() when set
}

// errorMappings is matched in order; provider kinds come last so a more
// specific sentinel wrapped in a ProviderError wins.
var errorMappings = []errorMapping{
	{domainErrors.ErrOrderNotFound, http.StatusNotFound, "order_not_found", ""},
	{domainErrors.ErrMerchantNotFound, http.StatusNotFound, "merchant_not_found", ""},
	{domainErrors.ErrServiceNotFound, http.StatusNotFound, "unknown_provider", ""},
	{domainErrors.ErrMerchantInactive, http.StatusForbidden, "merchant_inactive", ""},
	{domainErrors.ErrChannelNotFound, http.StatusUnprocessableEntity, "channel_unavailable", "no channel available for this payment"},
	{domainErrors.ErrChannelInactive, http.StatusUnprocessableEntity, "channel_unavailable", "no channel available for this payment"},
	{domainErrors.ErrAmountOutOfRange, http.StatusUnprocessableEntity, "amount_out_of_range", ""},
	{domainErrors.ErrDuplicateOrder, http.StatusConflict, "duplicate_order", ""},
	{domainErrors.ErrOrderLocked, http.StatusConflict, "order_locked", "order submission in progress, retry shortly"},
	{domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition", ""},
	{domainErrors.ErrStatusConflict, http.StatusConflict, "conflict", "order changed concurrently, please retry"},
	{notify.ErrAlreadyDelivered, http.StatusConflict, "already_delivered", ""},
	{domainErrors.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature", "callback signature rejected"},
	{domainErrors.ErrCallbackSource, http.StatusForbidden, "callback_rejected", "callback source not allowed"},
	{domainErrors.ErrInvalidParams, http.StatusBadRequest, "invalid_params", ""},
	{domainErrors.ErrConfig, http.StatusInternalServerError, "configuration_error", "payment channel misconfigured"},
	{domainErrors.ErrNetwork, http.StatusBadGateway, "provider_unavailable", "payment provider unavailable, outcome unknown"},
	{domainErrors.ErrBusiness, http.StatusUnprocessableEntity, "provider_rejected", ""},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

// errorResponse maps err to a status and a client-safe body. Provider raw
// bodies never reach the client: provider errors are reported by their
// decoded message only.
func errorResponse(err error) (int, ErrorResponse) {
	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, ErrorResponse{Error: validationErr.Error(), Code: "validation_error"}
	}

	for _, m := range errorMappings {
		if !errors.Is(err, m.err) {
			continue
		}
		msg := m.message
		if msg == "" {
			msg = clientMessage(err, m.err)
		}
		return m.status, ErrorResponse{Error: msg, Code: m.code}
	}

	var domainErr *domainErrors.DomainError
	if errors.As(err, &domainErr) {
		return http.StatusUnprocessableEntity, ErrorResponse{Error: domainErr.Message, Code: domainErr.Code}
	}

	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal_error"}
}

func clientMessage(err, sentinel error) string {
	var pe *domainErrors.ProviderError
	if errors.As(err, &pe) {
		if pe.Message != "" {
			return pe.Kind.Error() + ": " + pe.Message
		}
		return pe.Kind.Error()
	}
	var de *domainErrors.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return sentinel.Error()
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}
