// Package crypto provides request signing and credential management for
// the exchange REST APIs.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HMACAuth holds CoinEx v2 API credentials.
type HMACAuth struct {
	Key    string // access id
	Secret string // secret key
}

// Headers returns the authentication headers for a CoinEx v2 request.
// path must include the query string; body is the JSON payload or empty.
//
// Returned header keys:
//   - X-COINEX-KEY
//   - X-COINEX-SIGN
//   - X-COINEX-TIMESTAMP
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the millisecond
// timestamp (useful for deterministic testing).
func (h *HMACAuth) HeadersAt(method, path, body string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)
	return map[string]string{
		"X-COINEX-KEY":       h.Key,
		"X-COINEX-SIGN":      SignCoinEx(h.Secret, method, path, body, unixMilli),
		"X-COINEX-TIMESTAMP": ts,
	}
}

// SignCoinEx computes the CoinEx v2 request signature:
// HMAC-SHA256(secret, METHOD+path+body+timestamp) as lowercase hex.
func SignCoinEx(secret, method, path, body string, unixMilli int64) string {
	message := strings.ToUpper(method) + path + body + strconv.FormatInt(unixMilli, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCoinEx reports whether signature matches the request in constant
// time.
func VerifyCoinEx(secret, method, path, body string, unixMilli int64, signature string) bool {
	want := SignCoinEx(secret, method, path, body, unixMilli)
	return hmac.Equal([]byte(want), []byte(signature))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
