package providers

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/google/uuid"
)

// MockProvider is an in-process provider for local runs and tests. It keeps
// the orders it has seen and answers queries from that state.
type MockProvider struct {
	name        string
	failureRate float64 // 0.0 to 1.0
	latency     time.Duration
	timeoutRate float64 // 0.0 to 1.0
	signer      MD5Signer

	mu       sync.Mutex
	rnd      *rand.Rand
	orders   map[string]*mockOrder
	queryErr error
	queries  int
}

type mockOrder struct {
	amount   int64
	currency string
	status   ResultStatus
	txnID    string
	paidAt   *time.Time
	queryErr error
}

type MockProviderOption func(*MockProvider)

func WithFailureRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.failureRate = rate }
}

func WithLatency(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.latency = d }
}

func WithTimeoutRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.timeoutRate = rate }
}

// WithSeed makes simulated failures reproducible.
func WithSeed(seed int64) MockProviderOption {
	return func(p *MockProvider) { p.rnd = rand.New(rand.NewSource(seed)) }
}

// WithCallbackKey sets the MD5 key callbacks are signed with.
func WithCallbackKey(key string) MockProviderOption {
	return func(p *MockProvider) { p.signer = MD5Signer{Key: key} }
}

func NewMockProvider(name string, opts ...MockProviderOption) *MockProvider {
	p := &MockProvider{
		name:   name,
		signer: MD5Signer{Key: "mock-key"},
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		orders: make(map[string]*mockOrder),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Shared returns a constructor that always hands out p, so state survives
// across registry lookups.
func Shared(p *MockProvider) Constructor {
	return func(Settings) (Provider, error) { return p, nil }
}

func (p *MockProvider) ServiceName() string { return p.name }
func (p *MockProvider) ServiceType() string { return "mock" }

func (p *MockProvider) ValidateParams(req *PaymentRequest) error {
	return validateRequest(p.name, req)
}

func (p *MockProvider) IsResponseSuccess(raw map[string]any) bool {
	return str(raw["result"]) == "ok"
}

func (p *MockProvider) simulate(ctx context.Context, op string) error {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return domainErrors.NetworkError(p.name, op, ctx.Err(), "")
		}
	}
	p.mu.Lock()
	timeout := p.rnd.Float64() < p.timeoutRate
	fail := p.rnd.Float64() < p.failureRate
	p.mu.Unlock()

	if timeout {
		return domainErrors.NetworkError(p.name, op, context.DeadlineExceeded, "")
	}
	if fail {
		return domainErrors.BusinessError(p.name, op, "simulated rejection", `{"result":"fail"}`)
	}
	return nil
}

func (p *MockProvider) ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	if err := p.simulate(ctx, OpProcess); err != nil {
		return nil, err
	}

	txn := fmt.Sprintf("%s_txn_%s", p.name, uuid.New().String()[:8])
	p.mu.Lock()
	p.orders[req.OrderNo] = &mockOrder{amount: req.Amount, currency: req.Currency, status: ResultProcessing, txnID: txn}
	p.mu.Unlock()

	return NewPaymentResult(ResultParams{
		Status:  ResultProcessing,
		Success: p.IsResponseSuccess(map[string]any{"result": "ok"}),
		Data: ResultData{
			PayURL:          "https://mock.local/pay/" + req.OrderNo,
			ProviderOrderNo: txn,
		},
		TransactionID: txn,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Raw:           `{"result":"ok"}`,
	}), nil
}

func (p *MockProvider) QueryPayment(ctx context.Context, req *QueryRequest) (*PaymentResult, error) {
	p.mu.Lock()
	p.queries++
	qerr := p.queryErr
	o, ok := p.orders[req.OrderNo]
	var snapshot mockOrder
	if ok {
		snapshot = *o
	}
	p.mu.Unlock()

	if qerr != nil {
		return nil, qerr
	}
	if ok && snapshot.queryErr != nil {
		return nil, snapshot.queryErr
	}
	if !ok {
		return NewPaymentResult(ResultParams{Status: ResultPending, Message: "unknown order"}), nil
	}
	return NewPaymentResult(ResultParams{
		Status:        snapshot.status,
		Success:       snapshot.status == ResultSuccess,
		TransactionID: snapshot.txnID,
		Data:          ResultData{ProviderOrderNo: snapshot.txnID},
		Amount:        snapshot.amount,
		Currency:      snapshot.currency,
		PaidAt:        snapshot.paidAt,
	}), nil
}

func (p *MockProvider) Refund(ctx context.Context, req *RefundRequest) (*PaymentResult, error) {
	if err := p.simulate(ctx, OpRefund); err != nil {
		return nil, err
	}
	return NewPaymentResult(ResultParams{
		Status:        ResultSuccess,
		Success:       true,
		TransactionID: fmt.Sprintf("%s_refund_%s", p.name, uuid.New().String()[:8]),
		Amount:        req.Amount,
		Currency:      req.Currency,
	}), nil
}

func (p *MockProvider) CallbackOrderNo(cb *CallbackRequest) (string, error) {
	no := cb.Form.Get("order_no")
	if no == "" {
		return "", domainErrors.InvalidParams(p.name, OpCallback, "order_no missing")
	}
	return no, nil
}

func (p *MockProvider) HandleCallback(ctx context.Context, cb *CallbackRequest) (*PaymentResult, error) {
	params := flatten(cb.Form)
	if !p.signer.Verify(params, params["sign"]) {
		return nil, domainErrors.CallbackRejected(p.name, domainErrors.ErrInvalidSignature, "md5 mismatch")
	}
	amount, _ := strconv.ParseInt(params["amount"], 10, 64)
	paid := params["status"] == "paid"
	status := ResultFailed
	if paid {
		status = ResultSuccess
	}
	return NewPaymentResult(ResultParams{
		Status:        status,
		Success:       paid,
		TransactionID: params["trade_no"],
		Data: ResultData{
			ProviderOrderNo: params["trade_no"],
			Extra:           map[string]string{ExtraOrderNo: params["order_no"]},
		},
		Amount: amount,
		Raw:    cb.Form.Encode(),
	}), nil
}

func (p *MockProvider) CallbackAck(ok bool) (string, []byte) {
	if ok {
		return "text/plain", []byte("success")
	}
	return "text/plain", []byte("fail")
}

// SignCallback signs a callback form the way HandleCallback verifies it.
func (p *MockProvider) SignCallback(form url.Values) url.Values {
	form.Del("sign")
	form.Set("sign", p.signer.Sign(flatten(form)))
	return form
}

// MarkPaid makes subsequent queries report the order as paid.
func (p *MockProvider) MarkPaid(orderNo string, paidAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.order(orderNo)
	o.status = ResultSuccess
	o.paidAt = &paidAt
	if o.txnID == "" {
		o.txnID = fmt.Sprintf("%s_txn_%s", p.name, uuid.New().String()[:8])
	}
}

// MarkPaidAmount makes subsequent queries report the order as paid for amount.
func (p *MockProvider) MarkPaidAmount(orderNo string, amount int64, paidAt time.Time) {
	p.MarkPaid(orderNo, paidAt)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order(orderNo).amount = amount
}

// MarkFailed makes subsequent queries report a terminal failure.
func (p *MockProvider) MarkFailed(orderNo string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order(orderNo).status = ResultFailed
}

// FailQueries makes every query return err until called with nil.
func (p *MockProvider) FailQueries(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryErr = err
}

// FailQueriesFor makes queries for one order return err until called with nil.
func (p *MockProvider) FailQueriesFor(orderNo string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order(orderNo).queryErr = err
}

// Queries returns how many queries were answered.
func (p *MockProvider) Queries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries
}

func (p *MockProvider) order(orderNo string) *mockOrder {
	o, ok := p.orders[orderNo]
	if !ok {
		o = &mockOrder{status: ResultPending}
		p.orders[orderNo] = o
	}
	return o
}
