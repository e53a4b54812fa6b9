package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
)

const wxpayDefaultGateway = "https://api.mch.weixin.qq.com"

// Wxpay speaks the WeChat Pay v2 XML protocol signed with HMAC-SHA256.
//
// Channel config: appid, mch_id, key, and optionally gateway and
// trade_type (defaults to the product code upper-cased, then NATIVE).
type Wxpay struct {
	gateway     string
	appID       string
	mchID       string
	tradeType   string
	signer      HMACSHA256Signer
	transport   *Transport
	serviceType string
}

func NewWxpay(s Settings) (Provider, error) {
	if err := requireConfig(CodeWxpay, s.Config, "appid", "mch_id", "key"); err != nil {
		return nil, err
	}
	gateway := s.Config["gateway"]
	if gateway == "" {
		gateway = wxpayDefaultGateway
	}
	tradeType := strings.ToUpper(s.Config["trade_type"])
	if tradeType == "" {
		tradeType = strings.ToUpper(s.ServiceType)
	}
	switch tradeType {
	case "NATIVE", "JSAPI", "APP", "MWEB":
	default:
		tradeType = "NATIVE"
	}
	return &Wxpay{
		gateway:     gateway,
		appID:       s.Config["appid"],
		mchID:       s.Config["mch_id"],
		tradeType:   tradeType,
		signer:      HMACSHA256Signer{Key: s.Config["key"]},
		transport:   s.Transport,
		serviceType: s.ServiceType,
	}, nil
}

func (w *Wxpay) ServiceName() string { return CodeWxpay }
func (w *Wxpay) ServiceType() string { return w.serviceType }

func (w *Wxpay) ValidateParams(req *PaymentRequest) error {
	if err := validateRequest(CodeWxpay, req); err != nil {
		return err
	}
	if w.tradeType == "JSAPI" && str(req.Extra["openid"]) == "" {
		return domainErrors.InvalidParams(CodeWxpay, OpProcess, "openid is required for JSAPI")
	}
	return nil
}

func (w *Wxpay) IsResponseSuccess(raw map[string]any) bool {
	return str(raw["return_code"]) == "SUCCESS" && str(raw["result_code"]) == "SUCCESS"
}

func (w *Wxpay) base() map[string]string {
	return map[string]string{
		"appid":     w.appID,
		"mch_id":    w.mchID,
		"nonce_str": nonce(),
		"sign_type": "HMAC-SHA256",
	}
}

// call posts a signed request and returns the decoded, signature-checked answer.
func (w *Wxpay) call(ctx context.Context, op, path string, params map[string]string) (map[string]string, string, error) {
	params["sign"] = w.signer.Sign(params)
	body, err := w.transport.PostXML(ctx, CodeWxpay, op, joinURL(w.gateway, path), encodeXML(params))
	if err != nil {
		return nil, "", err
	}
	resp, err := decodeXML(body)
	if err != nil {
		return nil, string(body), domainErrors.NetworkError(CodeWxpay, op, fmt.Errorf("malformed response: %w", err), string(body))
	}
	if sig := resp["sign"]; sig != "" && !w.signer.Verify(resp, sig) {
		return nil, string(body), domainErrors.NetworkError(CodeWxpay, op, fmt.Errorf("response signature mismatch"), string(body))
	}
	return resp, string(body), nil
}

func (w *Wxpay) ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	params := w.base()
	params["body"] = req.Subject
	if params["body"] == "" {
		params["body"] = req.OrderNo
	}
	params["out_trade_no"] = req.OrderNo
	params["total_fee"] = strconv.FormatInt(req.Amount, 10)
	params["fee_type"] = req.Currency
	params["spbill_create_ip"] = req.ClientIP
	params["notify_url"] = req.CallbackURL
	params["trade_type"] = w.tradeType
	if w.tradeType == "JSAPI" {
		params["openid"] = str(req.Extra["openid"])
	}

	resp, raw, err := w.call(ctx, OpProcess, "pay/unifiedorder", params)
	if err != nil {
		return nil, err
	}
	if !w.IsResponseSuccess(toAny(resp)) {
		return nil, domainErrors.BusinessError(CodeWxpay, OpProcess, rejectMessage(resp), raw)
	}

	return NewPaymentResult(ResultParams{
		Status:  ResultProcessing,
		Success: true,
		Message: resp["return_msg"],
		Data: ResultData{
			PayURL: resp["mweb_url"],
			QRCode: resp["code_url"],
			Extra:  map[string]string{"prepay_id": resp["prepay_id"]},
		},
		Amount:   req.Amount,
		Currency: req.Currency,
		Raw:      raw,
	}), nil
}

func (w *Wxpay) QueryPayment(ctx context.Context, req *QueryRequest) (*PaymentResult, error) {
	var (
		resp map[string]string
		raw  string
	)
	_, err := w.transport.Query(ctx, func(ctx context.Context) ([]byte, error) {
		params := w.base()
		params["out_trade_no"] = req.OrderNo
		var err error
		resp, raw, err = w.call(ctx, OpQuery, "pay/orderquery", params)
		return []byte(raw), err
	})
	if err != nil {
		return nil, err
	}

	if !w.IsResponseSuccess(toAny(resp)) {
		if resp["err_code"] == "ORDERNOTEXIST" {
			return NewPaymentResult(ResultParams{Status: ResultPending, Message: resp["err_code_des"], Raw: raw}), nil
		}
		return nil, domainErrors.BusinessError(CodeWxpay, OpQuery, rejectMessage(resp), raw)
	}

	amount, _ := strconv.ParseInt(resp["total_fee"], 10, 64)
	params := ResultParams{
		Status:        ResultPending,
		Message:       resp["trade_state_desc"],
		TransactionID: resp["transaction_id"],
		Data:          ResultData{ProviderOrderNo: resp["transaction_id"]},
		Amount:        amount,
		Currency:      resp["fee_type"],
		Raw:           raw,
	}
	switch resp["trade_state"] {
	case "SUCCESS", "REFUND":
		params.Status = ResultSuccess
		params.Success = true
		params.PaidAt = parseProviderTime("20060102150405", resp["time_end"])
	case "CLOSED", "REVOKED", "PAYERROR":
		params.Status = ResultFailed
	case "USERPAYING":
		params.Status = ResultProcessing
	}
	return NewPaymentResult(params), nil
}

func (w *Wxpay) Refund(ctx context.Context, req *RefundRequest) (*PaymentResult, error) {
	params := w.base()
	params["out_trade_no"] = req.OrderNo
	params["transaction_id"] = req.ProviderOrderNo
	params["out_refund_no"] = req.RefundNo
	params["total_fee"] = strconv.FormatInt(req.TotalAmount, 10)
	params["refund_fee"] = strconv.FormatInt(req.Amount, 10)
	params["refund_desc"] = req.Reason

	resp, raw, err := w.call(ctx, OpRefund, "secapi/pay/refund", params)
	if err != nil {
		return nil, err
	}
	if !w.IsResponseSuccess(toAny(resp)) {
		return nil, domainErrors.BusinessError(CodeWxpay, OpRefund, rejectMessage(resp), raw)
	}
	return NewPaymentResult(ResultParams{
		Status:        ResultSuccess,
		Success:       true,
		TransactionID: resp["refund_id"],
		Amount:        req.Amount,
		Currency:      req.Currency,
		Raw:           raw,
	}), nil
}

func (w *Wxpay) CallbackOrderNo(cb *CallbackRequest) (string, error) {
	params, err := decodeXML(cb.Body)
	if err != nil || params["out_trade_no"] == "" {
		return "", domainErrors.InvalidParams(CodeWxpay, OpCallback, "out_trade_no missing")
	}
	return params["out_trade_no"], nil
}

func (w *Wxpay) HandleCallback(ctx context.Context, cb *CallbackRequest) (*PaymentResult, error) {
	params, err := decodeXML(cb.Body)
	if err != nil {
		return nil, domainErrors.InvalidParams(CodeWxpay, OpCallback, "malformed xml")
	}
	if !w.signer.Verify(params, params["sign"]) {
		return nil, domainErrors.CallbackRejected(CodeWxpay, domainErrors.ErrInvalidSignature, "hmac mismatch")
	}
	if params["appid"] != w.appID || params["mch_id"] != w.mchID {
		return nil, domainErrors.CallbackRejected(CodeWxpay, domainErrors.ErrCallbackSource, "merchant mismatch")
	}

	amount, _ := strconv.ParseInt(params["total_fee"], 10, 64)
	paid := w.IsResponseSuccess(toAny(params))
	status := ResultFailed
	if paid {
		status = ResultSuccess
	}
	return NewPaymentResult(ResultParams{
		Status:        status,
		Success:       paid,
		Message:       params["err_code_des"],
		TransactionID: params["transaction_id"],
		Data: ResultData{
			ProviderOrderNo: params["transaction_id"],
			Extra:           map[string]string{ExtraOrderNo: params["out_trade_no"]},
		},
		Amount:   amount,
		Currency: params["fee_type"],
		PaidAt:   parseProviderTime("20060102150405", params["time_end"]),
		Raw:      string(cb.Body),
	}), nil
}

func (w *Wxpay) CallbackAck(ok bool) (string, []byte) {
	if ok {
		return "text/xml", encodeXML(map[string]string{"return_code": "SUCCESS", "return_msg": "OK"})
	}
	return "text/xml", encodeXML(map[string]string{"return_code": "FAIL", "return_msg": "ERROR"})
}

func rejectMessage(resp map[string]string) string {
	if resp["return_code"] != "SUCCESS" {
		return resp["return_msg"]
	}
	if resp["err_code_des"] != "" {
		return resp["err_code"] + ": " + resp["err_code_des"]
	}
	return resp["err_code"]
}
