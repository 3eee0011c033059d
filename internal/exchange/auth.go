package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// Auth signs OKX v5 REST requests. Every private call carries four headers:
// OK-ACCESS-KEY, OK-ACCESS-SIGN, OK-ACCESS-TIMESTAMP, OK-ACCESS-PASSPHRASE.
// The signature is base64(HMAC-SHA256(timestamp + method + path + body))
// keyed with the API secret; the timestamp is ISO8601 with millisecond
// precision and must be within 30s of server time.
type Auth struct {
	apiKey     string
	secret     string
	passphrase string
	simulated  bool
}

// NewAuth creates a signer for the given API credentials.
func NewAuth(apiKey, secret, passphrase string, simulated bool) *Auth {
	return &Auth{
		apiKey:     apiKey,
		secret:     secret,
		passphrase: passphrase,
		simulated:  simulated,
	}
}

// Headers returns the signed header set for one request. path must include
// the query string when present; body is the raw JSON payload or "".
func (a *Auth) Headers(method, path, body string) map[string]string {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	return a.headersAt(ts, method, path, body)
}

func (a *Auth) headersAt(ts, method, path, body string) map[string]string {
	h := map[string]string{
		"OK-ACCESS-KEY":        a.apiKey,
		"OK-ACCESS-SIGN":       a.sign(ts, method, path, body),
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": a.passphrase,
	}
	if a.simulated {
		h["x-simulated-trading"] = "1"
	}
	return h
}

func (a *Auth) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
