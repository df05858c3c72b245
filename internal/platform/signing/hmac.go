package signing

import (
	"crypto/hmac"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/sha3"
)

// CashpointPrefix is prepended to every resource path before signing.
const CashpointPrefix = "/mbc/gateway/v1/api/cashpoint"

// TimestampLayout is the X-Timestamp format, always UTC.
const TimestampLayout = "2006-01-02 15:04:05"

// HMACHeaders is the signed header set of a scheme B call.
type HMACHeaders struct {
	APIKey    string
	Timestamp string
	Signature string
}

// SignHMAC returns hex(HMAC-SHA3-256(secret, apiKey + fullPath + body + ts)).
// body must be the exact bytes sent on the wire; GET calls pass an empty body.
func SignHMAC(apiKey, secret, fullPath string, body []byte, ts string) string {
	mac := hmac.New(sha3.New256, []byte(secret))
	_, _ = mac.Write([]byte(apiKey))
	_, _ = mac.Write([]byte(fullPath))
	_, _ = mac.Write(body)
	_, _ = mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// CashpointPath builds the full signed path for a resource under a cashpoint,
// e.g. CashpointPath("77", "/player/deposit").
func CashpointPath(cashpointID, resource string) string {
	return CashpointPrefix + "/" + cashpointID + resource
}

func NewHMACHeaders(apiKey, secret, fullPath string, body []byte, at time.Time) HMACHeaders {
	ts := at.UTC().Format(TimestampLayout)
	return HMACHeaders{
		APIKey:    apiKey,
		Timestamp: ts,
		Signature: SignHMAC(apiKey, secret, fullPath, body, ts),
	}
}
