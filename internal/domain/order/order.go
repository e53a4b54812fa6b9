package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/google/uuid"
)

// Status is the payment status of an order. The numeric values are persisted.
type Status int

const (
	StatusPending    Status = 1
	StatusProcessing Status = 2
	StatusSuccess    Status = 3
	StatusFailed     Status = 4
	StatusRefunded   Status = 5
	StatusClosed     Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusRefunded:
		return "refunded"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusClosed
}

// NotifyStatus tracks merchant notification delivery independently of Status.
type NotifyStatus int

const (
	NotifyNone       NotifyStatus = 0
	NotifyPending    NotifyStatus = 1
	NotifyProcessing NotifyStatus = 2
	NotifySuccess    NotifyStatus = 3
	NotifyAbandoned  NotifyStatus = 4
)

func (s NotifyStatus) String() string {
	switch s {
	case NotifyNone:
		return "none"
	case NotifyPending:
		return "pending"
	case NotifyProcessing:
		return "processing"
	case NotifySuccess:
		return "success"
	case NotifyAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("notify_status(%d)", int(s))
	}
}

// transitions is the forward-only lifecycle plus the corrective closed -> success edge.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusSuccess, StatusFailed, StatusClosed},
	StatusProcessing: {StatusSuccess, StatusFailed, StatusClosed},
	StatusSuccess:    {StatusRefunded},
	StatusClosed:     {StatusSuccess},
	StatusFailed:     {},
	StatusRefunded:   {},
}

// notifyTransitions: success is final; abandoned only leaves via manual requeue.
// processing may be re-entered by a worker taking over a delivery whose
// previous holder died mid-attempt.
var notifyTransitions = map[NotifyStatus][]NotifyStatus{
	NotifyNone:       {NotifyPending, NotifyProcessing, NotifySuccess},
	NotifyPending:    {NotifyProcessing, NotifySuccess, NotifyAbandoned},
	NotifyProcessing: {NotifyPending, NotifyProcessing, NotifySuccess, NotifyAbandoned},
	NotifyAbandoned:  {NotifyPending},
	NotifySuccess:    {},
}

// Order is a merchant's request to collect a payment.
type Order struct {
	ID              uuid.UUID
	OrderNo         string
	MerchantID      int64
	MerchantOrderNo string
	ChannelID       int64
	ProviderCode    string
	ProductCode     string
	Amount          int64 // minor units, immutable
	Currency        string
	FeeAmount       int64
	ProviderOrderNo *string
	Status          Status
	NotifyStatus    NotifyStatus
	NotifyURL       string
	ReturnURL       string
	Subject         string
	ClientIP        string
	Extra           map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ClosedAt        *time.Time
}

// NewOrderParams holds the merchant-supplied fields of a new order.
type NewOrderParams struct {
	OrderNo         string
	MerchantID      int64
	MerchantOrderNo string
	ChannelID       int64
	ProviderCode    string
	ProductCode     string
	Amount          int64
	Currency        string
	FeeAmount       int64
	NotifyURL       string
	ReturnURL       string
	Subject         string
	ClientIP        string
	Extra           map[string]any
}

// NewOrder creates a pending order.
func NewOrder(p NewOrderParams) (*Order, error) {
	if p.Amount <= 0 {
		return nil, errors.NewValidationError("amount", "must be greater than 0")
	}
	if strings.TrimSpace(p.MerchantOrderNo) == "" {
		return nil, errors.NewValidationError("merchant_order_no", "cannot be empty")
	}
	if p.MerchantID <= 0 {
		return nil, errors.NewValidationError("merchant_id", "must be positive")
	}
	if p.OrderNo == "" {
		return nil, errors.ErrInvalidInput
	}
	if p.FeeAmount < 0 || p.FeeAmount > p.Amount {
		return nil, errors.NewValidationError("fee_amount", "must be between 0 and amount")
	}
	currency := strings.ToUpper(p.Currency)
	if currency == "" {
		currency = "CNY"
	}
	if len(currency) != 3 {
		return nil, errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	extra := p.Extra
	if extra == nil {
		extra = make(map[string]any)
	}

	now := time.Now()
	return &Order{
		ID:              uuid.New(),
		OrderNo:         p.OrderNo,
		MerchantID:      p.MerchantID,
		MerchantOrderNo: p.MerchantOrderNo,
		ChannelID:       p.ChannelID,
		ProviderCode:    p.ProviderCode,
		ProductCode:     p.ProductCode,
		Amount:          p.Amount,
		Currency:        currency,
		FeeAmount:       p.FeeAmount,
		Status:          StatusPending,
		NotifyStatus:    NotifyNone,
		NotifyURL:       p.NotifyURL,
		ReturnURL:       p.ReturnURL,
		Subject:         p.Subject,
		ClientIP:        p.ClientIP,
		Extra:           extra,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// CanTransitionTo checks if the order can move to the given status.
func (o *Order) CanTransitionTo(next Status) bool {
	return CanTransition(o.Status, next)
}

// CanTransition checks a single edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsCorrective reports whether from -> to is the late-confirmation edge
// that revives a closed order.
func IsCorrective(from, to Status) bool {
	return from == StatusClosed && to == StatusSuccess
}

// SourcesOf returns every status from which target is reachable in one step.
// Repositories use it as the WHERE status IN (...) guard of conditional writes.
func SourcesOf(target Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusProcessing, StatusSuccess, StatusFailed, StatusRefunded, StatusClosed} {
		if CanTransition(from, target) {
			out = append(out, from)
		}
	}
	return out
}

// CanNotifyTransition checks a single edge of the notify lifecycle.
func CanNotifyTransition(from, to NotifyStatus) bool {
	for _, allowed := range notifyTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// NotifySourcesOf returns every notify status from which target is reachable.
func NotifySourcesOf(target NotifyStatus) []NotifyStatus {
	var out []NotifyStatus
	for _, from := range []NotifyStatus{NotifyNone, NotifyPending, NotifyProcessing, NotifySuccess, NotifyAbandoned} {
		if CanNotifyTransition(from, target) {
			out = append(out, from)
		}
	}
	return out
}

// Transition applies next in memory, returning ErrInvalidStateTransition for
// edges the lifecycle forbids. Persisted changes go through the repository's
// guarded writes, not through this method.
func (o *Order) Transition(next Status, at time.Time) error {
	if !o.CanTransitionTo(next) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+o.Status.String()+" to "+next.String(),
			errors.ErrInvalidStateTransition,
		)
	}
	o.Status = next
	o.UpdatedAt = at
	switch next {
	case StatusSuccess:
		o.PaidAt = &at
		o.ClosedAt = nil
	case StatusClosed, StatusFailed:
		o.ClosedAt = &at
	}
	return nil
}

// IsTerminal reports whether no further forward transition is expected.
// Closed is not terminal because of the corrective edge.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusFailed || o.Status == StatusRefunded
}

// IsPaid reports whether the provider confirmed the payment.
func (o *Order) IsPaid() bool {
	return o.Status == StatusSuccess || o.Status == StatusRefunded
}

// MerchantKey identifies an order by merchant and merchant order number.
func (o *Order) MerchantKey() string {
	return MerchantKey(o.MerchantID, o.MerchantOrderNo)
}

// MerchantKey builds the merchant+merchant-order-number identity.
func MerchantKey(merchantID int64, merchantOrderNo string) string {
	return fmt.Sprintf("%d:%s", merchantID, merchantOrderNo)
}

// ProviderRef returns the provider transaction reference, or "".
func (o *Order) ProviderRef() string {
	if o.ProviderOrderNo == nil {
		return ""
	}
	return *o.ProviderOrderNo
}
