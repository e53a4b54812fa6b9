package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// validateRequest applies the struct tags on PaymentRequest.
func validateRequest(provider string, req *PaymentRequest) error {
	if req == nil {
		return domainErrors.InvalidParams(provider, OpProcess, "request is required")
	}
	if err := validate.Struct(req); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field())+":"+fe.Tag())
			}
		}
		return domainErrors.InvalidParams(provider, OpProcess, "invalid fields "+strings.Join(fields, ","))
	}
	return nil
}

// requireConfig returns a ConfigError naming the first missing key.
func requireConfig(provider string, cfg map[string]string, keys ...string) error {
	for _, k := range keys {
		if strings.TrimSpace(cfg[k]) == "" {
			return domainErrors.ConfigError(provider, "missing channel config "+k)
		}
	}
	return nil
}

// formatMajor renders minor units as a two-decimal major-unit string ("1.00").
func formatMajor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// parseMajor converts a major-unit string back to minor units.
func parseMajor(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// str renders a decoded JSON or XML scalar as a string.
func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return decimal.NewFromFloat(t).String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// chinaTime is the zone epay and wxpay report timestamps in.
var chinaTime = time.FixedZone("CST", 8*3600)

func parseProviderTime(layout, value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.ParseInLocation(layout, value, chinaTime)
	if err != nil {
		return nil
	}
	return &t
}
