package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"
)

func TestHeadersCarrySignedSet(t *testing.T) {
	t.Parallel()
	a := NewAuth("key-1", "secret-1", "pass-1", false)

	ts := "2026-08-24T12:00:00.000Z"
	h := a.headersAt(ts, "POST", "/api/v5/trade/order", `{"instId":"BTC-USDT-SWAP"}`)

	if h["OK-ACCESS-KEY"] != "key-1" {
		t.Errorf("OK-ACCESS-KEY = %q", h["OK-ACCESS-KEY"])
	}
	if h["OK-ACCESS-TIMESTAMP"] != ts {
		t.Errorf("OK-ACCESS-TIMESTAMP = %q", h["OK-ACCESS-TIMESTAMP"])
	}
	if h["OK-ACCESS-PASSPHRASE"] != "pass-1" {
		t.Errorf("OK-ACCESS-PASSPHRASE = %q", h["OK-ACCESS-PASSPHRASE"])
	}
	if _, ok := h["x-simulated-trading"]; ok {
		t.Error("live auth carried the simulated-trading header")
	}

	// base64(HMAC-SHA256(ts + method + path + body)) keyed with the secret.
	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write([]byte(ts + "POST" + "/api/v5/trade/order" + `{"instId":"BTC-USDT-SWAP"}`))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if h["OK-ACCESS-SIGN"] != want {
		t.Errorf("OK-ACCESS-SIGN = %q, want %q", h["OK-ACCESS-SIGN"], want)
	}
}

func TestSignDistinguishesRequests(t *testing.T) {
	t.Parallel()
	a := NewAuth("key-1", "secret-1", "pass-1", false)
	ts := "2026-08-24T12:00:00.000Z"

	base := a.sign(ts, "GET", "/api/v5/account/positions", "")
	if base != a.sign(ts, "GET", "/api/v5/account/positions", "") {
		t.Error("same request signed differently")
	}

	variants := []string{
		a.sign(ts, "POST", "/api/v5/account/positions", ""),
		a.sign(ts, "GET", "/api/v5/account/positions?instId=X", ""),
		a.sign(ts, "GET", "/api/v5/account/positions", "{}"),
		a.sign("2026-08-24T12:00:01.000Z", "GET", "/api/v5/account/positions", ""),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d produced the same signature", i)
		}
	}
}

func TestSimulatedTradingHeader(t *testing.T) {
	t.Parallel()
	a := NewAuth("key-1", "secret-1", "pass-1", true)

	h := a.Headers("GET", "/api/v5/public/instruments", "")
	if h["x-simulated-trading"] != "1" {
		t.Errorf("x-simulated-trading = %q, want 1", h["x-simulated-trading"])
	}

	// Live timestamps must parse as ISO8601 with millisecond precision.
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", h["OK-ACCESS-TIMESTAMP"]); err != nil {
		t.Errorf("timestamp %q: %v", h["OK-ACCESS-TIMESTAMP"], err)
	}
}
