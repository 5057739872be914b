package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signManifest(secret, dataID, requestID, ts string) string {
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestValidateWebhookSignature_OK(t *testing.T) {
	now := time.Now()
	ts := fmt.Sprintf("%d", now.UnixMilli())
	v1 := signManifest("secret", "12345", "req-1", ts)
	header := fmt.Sprintf("ts=%s,v1=%s", ts, v1)

	err := ValidateWebhookSignature("secret", header, "req-1", "12345", now, 5*time.Minute)
	require.NoError(t, err)
}

func TestValidateWebhookSignature_LowercasesAlphanumericID(t *testing.T) {
	now := time.Now()
	ts := fmt.Sprintf("%d", now.UnixMilli())
	v1 := signManifest("secret", "abc123", "req-1", ts)
	header := fmt.Sprintf("ts=%s,v1=%s", ts, v1)

	err := ValidateWebhookSignature("secret", header, "req-1", "ABC123", now, 5*time.Minute)
	require.NoError(t, err)
}

func TestValidateWebhookSignature_Mismatch(t *testing.T) {
	now := time.Now()
	ts := fmt.Sprintf("%d", now.UnixMilli())
	v1 := signManifest("other-secret", "12345", "req-1", ts)
	header := fmt.Sprintf("ts=%s,v1=%s", ts, v1)

	err := ValidateWebhookSignature("secret", header, "req-1", "12345", now, 5*time.Minute)
	require.Error(t, err)
}

func TestValidateWebhookSignature_StaleTimestamp(t *testing.T) {
	now := time.Now()
	old := now.Add(-30 * time.Minute)
	ts := fmt.Sprintf("%d", old.UnixMilli())
	v1 := signManifest("secret", "12345", "req-1", ts)
	header := fmt.Sprintf("ts=%s,v1=%s", ts, v1)

	err := ValidateWebhookSignature("secret", header, "req-1", "12345", now, 5*time.Minute)
	require.Error(t, err)
}

func TestValidateWebhookSignature_MalformedHeader(t *testing.T) {
	err := ValidateWebhookSignature("secret", "garbage", "req-1", "12345", time.Now(), time.Minute)
	require.Error(t, err)
}
