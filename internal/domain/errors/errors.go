package errors

import (
	"errors"
	"fmt"
)

var (
	// Adapter taxonomy
	ErrInvalidParams    = errors.New("invalid params")
	ErrServiceNotFound  = errors.New("payment service not found")
	ErrConfig           = errors.New("configuration error")
	ErrNetwork          = errors.New("provider network error")
	ErrBusiness         = errors.New("rejected by provider")
	ErrInvalidSignature = errors.New("invalid callback signature")
	ErrCallbackSource   = errors.New("callback source not allowed")

	// Order errors
	ErrOrderNotFound          = errors.New("order not found")
	ErrDuplicateOrder         = errors.New("duplicate merchant order number")
	ErrOrderLocked            = errors.New("order submission in progress")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrStatusConflict         = errors.New("order status changed concurrently")
	ErrAmountMismatch         = errors.New("paid amount differs from order amount")

	// Merchant / channel errors
	ErrMerchantNotFound = errors.New("merchant not found")
	ErrMerchantInactive = errors.New("merchant is inactive")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrChannelInactive  = errors.New("channel is inactive")
	ErrAmountOutOfRange = errors.New("amount outside channel limits")

	// Lock errors
	ErrLockNotHeld = errors.New("lock not held")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with errors.Is(err, ErrInvalidParams).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidParams
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// ProviderError is returned by provider adapters. Kind is one of the adapter
// taxonomy sentinels (ErrNetwork, ErrBusiness, ErrInvalidParams, ErrConfig,
// ErrInvalidSignature, ErrCallbackSource). RawBody holds the undecoded
// provider response when one was received; it is for logs only.
type ProviderError struct {
	Kind     error
	Provider string
	Op       string
	Message  string
	RawBody  string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NetworkError wraps a transport failure (timeout, TLS, non-2xx, undecodable body).
func NetworkError(provider, op string, err error, rawBody string) *ProviderError {
	return &ProviderError{Kind: ErrNetwork, Provider: provider, Op: op, RawBody: rawBody, Err: err}
}

// BusinessError reports an explicit rejection by the provider.
func BusinessError(provider, op, message, rawBody string) *ProviderError {
	return &ProviderError{Kind: ErrBusiness, Provider: provider, Op: op, Message: message, RawBody: rawBody}
}

// InvalidParams reports missing or malformed caller input.
func InvalidParams(provider, op, message string) *ProviderError {
	return &ProviderError{Kind: ErrInvalidParams, Provider: provider, Op: op, Message: message}
}

// ConfigError reports a deployment problem such as a missing merchant key.
func ConfigError(provider, message string) *ProviderError {
	return &ProviderError{Kind: ErrConfig, Provider: provider, Op: "configure", Message: message}
}

// AmountMismatch reports a provider confirming a payment for a different
// amount than the order was created with. It matches both ErrBusiness and
// ErrAmountMismatch.
func AmountMismatch(provider, op string, expected, got int64) *ProviderError {
	return &ProviderError{
		Kind:     ErrBusiness,
		Provider: provider,
		Op:       op,
		Message:  fmt.Sprintf("amount mismatch: expected %d, got %d", expected, got),
		Err:      ErrAmountMismatch,
	}
}

// IsRetryable reports whether err is transient and the operation may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// RawBody extracts the provider raw body from err, if any.
func RawBody(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RawBody
	}
	return ""
}

// CallbackRejected reports a callback that failed signature or source checks.
func CallbackRejected(provider string, kind error, message string) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Op: "callback", Message: message}
}
