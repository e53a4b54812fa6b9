package providers

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Signer signs and verifies flat provider parameter sets.
type Signer interface {
	Sign(params map[string]string) string
	Verify(params map[string]string, signature string) bool
}

// canonical joins non-empty params as sorted k=v pairs separated by '&',
// skipping the excluded keys.
func canonical(params map[string]string, exclude ...string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" || contains(exclude, k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MD5Signer is the epay scheme: md5(canonical + key), lowercase hex.
type MD5Signer struct {
	Key string
}

func (s MD5Signer) Sign(params map[string]string) string {
	sum := md5.Sum([]byte(canonical(params, "sign", "sign_type") + s.Key))
	return hex.EncodeToString(sum[:])
}

func (s MD5Signer) Verify(params map[string]string, signature string) bool {
	expected := s.Sign(params)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

// HMACSHA256Signer is the wxpay scheme: HMAC-SHA256(canonical + "&key=" + key)
// keyed with the API key, uppercase hex.
type HMACSHA256Signer struct {
	Key string
}

func (s HMACSHA256Signer) Sign(params map[string]string) string {
	mac := hmac.New(sha256.New, []byte(s.Key))
	mac.Write([]byte(canonical(params, "sign") + "&key=" + s.Key))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

func (s HMACSHA256Signer) Verify(params map[string]string, signature string) bool {
	expected := s.Sign(params)
	return hmac.Equal([]byte(expected), []byte(strings.ToUpper(signature)))
}
