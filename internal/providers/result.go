package providers

import (
	"maps"
	"time"
)

// ResultStatus is the provider-neutral outcome of an adapter call.
type ResultStatus string

const (
	ResultSuccess    ResultStatus = "success"
	ResultFailed     ResultStatus = "failed"
	ResultProcessing ResultStatus = "processing"
	ResultPending    ResultStatus = "pending"
)

// ExtraOrderNo is the ResultData.Extra key holding the platform order number
// a callback refers to.
const ExtraOrderNo = "order_no"

// ResultData carries what the merchant needs to complete the payment.
type ResultData struct {
	PayURL          string
	QRCode          string
	ProviderOrderNo string
	ExpiresAt       *time.Time
	Extra           map[string]string
}

// PaymentResult is an immutable adapter outcome. Construct it with
// NewPaymentResult; the getters return copies.
type PaymentResult struct {
	status        ResultStatus
	success       bool
	message       string
	data          ResultData
	transactionID string
	amount        int64
	currency      string
	paidAt        *time.Time
	raw           string
}

// ResultParams are the inputs to NewPaymentResult. Success must be computed
// by the adapter's IsResponseSuccess rule, never inferred from Status.
type ResultParams struct {
	Status        ResultStatus
	Success       bool
	Message       string
	Data          ResultData
	TransactionID string
	Amount        int64
	Currency      string
	PaidAt        *time.Time
	Raw           string
}

func NewPaymentResult(p ResultParams) *PaymentResult {
	r := &PaymentResult{
		status:        p.Status,
		success:       p.Success,
		message:       p.Message,
		data:          copyData(p.Data),
		transactionID: p.TransactionID,
		amount:        p.Amount,
		currency:      p.Currency,
		raw:           p.Raw,
	}
	if p.PaidAt != nil {
		t := *p.PaidAt
		r.paidAt = &t
	}
	return r
}

func (r *PaymentResult) Status() ResultStatus  { return r.status }
func (r *PaymentResult) IsSuccess() bool       { return r.success }
func (r *PaymentResult) Message() string       { return r.message }
func (r *PaymentResult) TransactionID() string { return r.transactionID }
func (r *PaymentResult) Amount() int64         { return r.amount }
func (r *PaymentResult) Currency() string      { return r.currency }
func (r *PaymentResult) RawResponse() string   { return r.raw }
func (r *PaymentResult) Data() ResultData      { return copyData(r.data) }
func (r *PaymentResult) IsFailed() bool        { return r.status == ResultFailed }
func (r *PaymentResult) IsConfirmedPaid() bool { return r.success && r.status == ResultSuccess }

// ProviderOrderNo prefers the provider's order id, then its transaction id.
func (r *PaymentResult) ProviderOrderNo() string {
	if r.data.ProviderOrderNo != "" {
		return r.data.ProviderOrderNo
	}
	return r.transactionID
}

// PaidAt returns the provider's paid time, if it reported one.
func (r *PaymentResult) PaidAt() (time.Time, bool) {
	if r.paidAt == nil {
		return time.Time{}, false
	}
	return *r.paidAt, true
}

func copyData(d ResultData) ResultData {
	out := d
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		out.ExpiresAt = &t
	}
	out.Extra = maps.Clone(d.Extra)
	return out
}
