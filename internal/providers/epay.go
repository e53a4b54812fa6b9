package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
)

// Epay talks to an epay-compatible aggregator: MD5-signed form posts and
// JSON answers where code == 1 means success.
//
// Channel config: gateway, pid, key, and optionally allowed_ips (comma
// separated callback source addresses) and type (overrides the product code).
type Epay struct {
	gateway     string
	pid         string
	payType     string
	signer      MD5Signer
	key         string
	allowedIPs  map[string]struct{}
	transport   *Transport
	serviceType string
}

func NewEpay(s Settings) (Provider, error) {
	if err := requireConfig(CodeEpay, s.Config, "gateway", "pid", "key"); err != nil {
		return nil, err
	}
	payType := s.Config["type"]
	if payType == "" {
		payType = s.ServiceType
	}
	e := &Epay{
		gateway:     s.Config["gateway"],
		pid:         s.Config["pid"],
		payType:     payType,
		signer:      MD5Signer{Key: s.Config["key"]},
		key:         s.Config["key"],
		transport:   s.Transport,
		serviceType: s.ServiceType,
	}
	if ips := strings.TrimSpace(s.Config["allowed_ips"]); ips != "" {
		e.allowedIPs = make(map[string]struct{})
		for _, ip := range strings.Split(ips, ",") {
			e.allowedIPs[strings.TrimSpace(ip)] = struct{}{}
		}
	}
	return e, nil
}

func (e *Epay) ServiceName() string { return CodeEpay }
func (e *Epay) ServiceType() string { return e.serviceType }

func (e *Epay) ValidateParams(req *PaymentRequest) error {
	if err := validateRequest(CodeEpay, req); err != nil {
		return err
	}
	if e.payType == "" {
		return domainErrors.InvalidParams(CodeEpay, OpProcess, "payment type is required")
	}
	return nil
}

func (e *Epay) IsResponseSuccess(raw map[string]any) bool {
	return str(raw["code"]) == "1"
}

func (e *Epay) ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	params := map[string]string{
		"pid":          e.pid,
		"type":         e.payType,
		"out_trade_no": req.OrderNo,
		"notify_url":   req.CallbackURL,
		"return_url":   req.ReturnURL,
		"name":         req.Subject,
		"money":        formatMajor(req.Amount),
		"clientip":     req.ClientIP,
	}
	if params["name"] == "" {
		params["name"] = req.OrderNo
	}
	params["sign"] = e.signer.Sign(params)
	params["sign_type"] = "MD5"

	body, err := e.transport.PostForm(ctx, CodeEpay, OpProcess, joinURL(e.gateway, "mapi.php"), formOf(params))
	if err != nil {
		return nil, err
	}
	raw, err := decodeJSON(CodeEpay, OpProcess, body)
	if err != nil {
		return nil, err
	}
	if !e.IsResponseSuccess(raw) {
		return nil, domainErrors.BusinessError(CodeEpay, OpProcess, str(raw["msg"]), string(body))
	}

	return NewPaymentResult(ResultParams{
		Status:  ResultProcessing,
		Success: true,
		Message: str(raw["msg"]),
		Data: ResultData{
			PayURL:          str(raw["payurl"]),
			QRCode:          str(raw["qrcode"]),
			ProviderOrderNo: str(raw["trade_no"]),
		},
		TransactionID: str(raw["trade_no"]),
		Amount:        req.Amount,
		Currency:      req.Currency,
		Raw:           string(body),
	}), nil
}

func (e *Epay) QueryPayment(ctx context.Context, req *QueryRequest) (*PaymentResult, error) {
	form := url.Values{
		"act":          {"order"},
		"pid":          {e.pid},
		"key":          {e.key},
		"out_trade_no": {req.OrderNo},
	}
	body, err := e.transport.Query(ctx, func(ctx context.Context) ([]byte, error) {
		return e.transport.PostForm(ctx, CodeEpay, OpQuery, joinURL(e.gateway, "api.php"), form)
	})
	if err != nil {
		return nil, err
	}
	raw, err := decodeJSON(CodeEpay, OpQuery, body)
	if err != nil {
		return nil, err
	}
	if !e.IsResponseSuccess(raw) {
		// Unknown to the provider: nothing was paid.
		return NewPaymentResult(ResultParams{Status: ResultPending, Message: str(raw["msg"]), Raw: string(body)}), nil
	}

	amount, _ := parseMajor(str(raw["money"]))
	params := ResultParams{
		Status:        ResultPending,
		Message:       str(raw["msg"]),
		TransactionID: str(raw["trade_no"]),
		Data:          ResultData{ProviderOrderNo: str(raw["trade_no"])},
		Amount:        amount,
		Raw:           string(body),
	}
	if str(raw["status"]) == "1" {
		params.Status = ResultSuccess
		params.Success = true
		params.PaidAt = parseProviderTime("2006-01-02 15:04:05", str(raw["endtime"]))
	}
	return NewPaymentResult(params), nil
}

func (e *Epay) Refund(ctx context.Context, req *RefundRequest) (*PaymentResult, error) {
	form := url.Values{
		"act":          {"refund"},
		"pid":          {e.pid},
		"key":          {e.key},
		"out_trade_no": {req.OrderNo},
		"money":        {formatMajor(req.Amount)},
	}
	if req.ProviderOrderNo != "" {
		form.Set("trade_no", req.ProviderOrderNo)
	}
	body, err := e.transport.PostForm(ctx, CodeEpay, OpRefund, joinURL(e.gateway, "api.php"), form)
	if err != nil {
		return nil, err
	}
	raw, err := decodeJSON(CodeEpay, OpRefund, body)
	if err != nil {
		return nil, err
	}
	if !e.IsResponseSuccess(raw) {
		return nil, domainErrors.BusinessError(CodeEpay, OpRefund, str(raw["msg"]), string(body))
	}
	return NewPaymentResult(ResultParams{
		Status:        ResultSuccess,
		Success:       true,
		Message:       str(raw["msg"]),
		TransactionID: req.ProviderOrderNo,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Raw:           string(body),
	}), nil
}

func (e *Epay) CallbackOrderNo(cb *CallbackRequest) (string, error) {
	no := cb.Form.Get("out_trade_no")
	if no == "" {
		return "", domainErrors.InvalidParams(CodeEpay, OpCallback, "out_trade_no missing")
	}
	return no, nil
}

func (e *Epay) HandleCallback(ctx context.Context, cb *CallbackRequest) (*PaymentResult, error) {
	if e.allowedIPs != nil {
		if _, ok := e.allowedIPs[cb.RemoteIP]; !ok {
			return nil, domainErrors.CallbackRejected(CodeEpay, domainErrors.ErrCallbackSource, "source "+cb.RemoteIP)
		}
	}
	params := flatten(cb.Form)
	if !e.signer.Verify(params, params["sign"]) {
		return nil, domainErrors.CallbackRejected(CodeEpay, domainErrors.ErrInvalidSignature, "md5 mismatch")
	}
	if params["pid"] != e.pid {
		return nil, domainErrors.CallbackRejected(CodeEpay, domainErrors.ErrInvalidSignature, "pid mismatch")
	}

	amount, err := parseMajor(params["money"])
	if err != nil {
		return nil, domainErrors.InvalidParams(CodeEpay, OpCallback, "bad money")
	}
	status := ResultProcessing
	paid := params["trade_status"] == "TRADE_SUCCESS"
	if paid {
		status = ResultSuccess
	}
	return NewPaymentResult(ResultParams{
		Status:        status,
		Success:       paid,
		TransactionID: params["trade_no"],
		Data: ResultData{
			ProviderOrderNo: params["trade_no"],
			Extra:           map[string]string{ExtraOrderNo: params["out_trade_no"]},
		},
		Amount: amount,
		Raw:    cb.Form.Encode(),
	}), nil
}

func (e *Epay) CallbackAck(ok bool) (string, []byte) {
	if ok {
		return "text/plain", []byte("success")
	}
	return "text/plain", []byte("fail")
}

func formOf(params map[string]string) url.Values {
	form := make(url.Values, len(params))
	for k, v := range params {
		if v != "" {
			form.Set(k, v)
		}
	}
	return form
}

func flatten(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}
	return out
}

// decodeJSON decodes a provider JSON object; undecodable bodies are network
// errors carrying the raw body.
func decodeJSON(provider, op string, body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, domainErrors.NetworkError(provider, op, fmt.Errorf("malformed response: %w", err), string(body))
	}
	return raw, nil
}
