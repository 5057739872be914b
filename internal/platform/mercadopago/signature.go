package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Webhook signatures arrive as `x-signature: ts=<unix>,v1=<hex hmac>`
// together with `x-request-id`. The signed manifest is
// `id:<data.id>;request-id:<request id>;ts:<ts>;` where an alphanumeric
// data.id is lowercased first.

type signatureParts struct {
	TS string
	V1 string
}

func parseSignatureHeader(header string) (signatureParts, error) {
	var parts signatureParts
	for _, kv := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			parts.TS = strings.TrimSpace(v)
		case "v1":
			parts.V1 = strings.TrimSpace(v)
		}
	}
	if parts.TS == "" || parts.V1 == "" {
		return parts, fmt.Errorf("malformed x-signature header")
	}
	return parts, nil
}

func normalizeDataID(id string) string {
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return id
		}
	}
	return strings.ToLower(id)
}

// ValidateWebhookSignature verifies the HMAC on an inbound notification.
// A zero tolerance disables the timestamp freshness check.
func ValidateWebhookSignature(secret, xSignature, xRequestID, dataID string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return fmt.Errorf("webhook secret not configured")
	}
	parts, err := parseSignatureHeader(xSignature)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		tsMillis, err := strconv.ParseInt(parts.TS, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid signature timestamp: %w", err)
		}
		signedAt := time.UnixMilli(tsMillis)
		if now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance {
			return fmt.Errorf("signature timestamp outside tolerance")
		}
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", normalizeDataID(dataID), xRequestID, parts.TS)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(parts.V1)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
