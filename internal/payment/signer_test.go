package payment

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-hold-checkout/internal/config"
	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

const testSecret = "sq7HjrUOBfKmC576ILgskD5srU870gJ7"

func testMerchant() config.MerchantConfig {
	return config.MerchantConfig{
		Code:            "999008881",
		Terminal:        "1",
		SecretKey:       testSecret,
		Currency:        "978",
		TransactionType: "0",
		NotifyURL:       "https://example.com/notify",
		URLOK:           "https://example.com/ok",
		URLKO:           "https://example.com/ko",
		GatewayURL:      "https://gateway.example.com/realizarPago",
	}
}

func TestSign_KnownVector(t *testing.T) {
	s := NewSigner(testMerchant())

	req, err := s.Sign(OrderParams{OrderID: "1234ABCD5678", AmountCents: 1999})
	require.NoError(t, err)

	assert.Equal(t, "HMAC_SHA256_V1", req.SignatureVersion)
	assert.Equal(t, "eyJEU19NRVJDSEFOVF9BTU9VTlQiOjE5OTksIkRTX01FUkNIQU5UX0NVUlJFTkNZIjoiOTc4IiwiRFNfTUVSQ0hBTlRfTUVSQ0hBTlRDT0RFIjoiOTk5MDA4ODgxIiwiRFNfTUVSQ0hBTlRfTUVSQ0hBTlRVUkwiOiJodHRwczovL2V4YW1wbGUuY29tL25vdGlmeSIsIkRTX01FUkNIQU5UX09SREVSIjoiMTIzNEFCQ0Q1Njc4IiwiRFNfTUVSQ0hBTlRfVEVSTUlOQUwiOiIxIiwiRFNfTUVSQ0hBTlRfVFJBTlNBQ1RJT05UWVBFIjoiMCIsIkRTX01FUkNIQU5UX1VSTEtPIjoiaHR0cHM6Ly9leGFtcGxlLmNvbS9rbyIsIkRTX01FUkNIQU5UX1VSTE9LIjoiaHR0cHM6Ly9leGFtcGxlLmNvbS9vayJ9", req.MerchantParameters)
	assert.Equal(t, "knq4C2+fJAJi5IhN8YfEtxoUJCfgKQuWn9c9UPVcaC8=", req.Signature)

	decoded, err := base64.StdEncoding.DecodeString(req.MerchantParameters)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(decoded), `{"DS_MERCHANT_AMOUNT":1999,"DS_MERCHANT_CURRENCY":"978"`))
}

func TestSign_Deterministic(t *testing.T) {
	s := NewSigner(testMerchant())
	a, err := s.Sign(OrderParams{OrderID: "0001aa22bb33", AmountCents: 5200})
	require.NoError(t, err)
	b, err := s.Sign(OrderParams{OrderID: "0001aa22bb33", AmountCents: 5200})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := s.Sign(OrderParams{OrderID: "0001aa22bb34", AmountCents: 5200})
	require.NoError(t, err)
	assert.NotEqual(t, a.Signature, c.Signature)
}

func TestSign_DerivedKeyMatchesOpenSSL(t *testing.T) {
	s := NewSigner(testMerchant())
	key, err := s.deriveKey("1234ABCD5678")
	require.NoError(t, err)
	assert.Equal(t, "d1d2fc2dbd1183d85f10ed38f53b3236", hex.EncodeToString(key))

	m := testMerchant()
	m.SecretKey = "a2tra2tra2tra2tra2traw=="
	key, err = NewSigner(m).deriveKey("1234ABCD5678")
	require.NoError(t, err)
	assert.Equal(t, "dc2713acfb99a930efe9e3673507f0e6", hex.EncodeToString(key))
}

func TestSign_BadSecretIsSignatureError(t *testing.T) {
	for name, secret := range map[string]string{
		"not base64":   "%%%not-base64%%%",
		"wrong length": base64.StdEncoding.EncodeToString([]byte("short")),
	} {
		t.Run(name, func(t *testing.T) {
			m := testMerchant()
			m.SecretKey = secret
			_, err := NewSigner(m).Sign(OrderParams{OrderID: "1234ABCD5678", AmountCents: 100})
			var se *model.SignatureError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "decode secret key", se.Op)
		})
	}
}

func TestSign_EmptyOrderID(t *testing.T) {
	_, err := NewSigner(testMerchant()).Sign(OrderParams{AmountCents: 100})
	var se *model.SignatureError
	assert.ErrorAs(t, err, &se)
}

func TestFormFields(t *testing.T) {
	v := FormFields(model.SignedPaymentRequest{SignatureVersion: "HMAC_SHA256_V1", MerchantParameters: "cA==", Signature: "c2ln"})
	assert.Equal(t, "HMAC_SHA256_V1", v.Get("Ds_SignatureVersion"))
	assert.Equal(t, "cA==", v.Get("Ds_MerchantParameters"))
	assert.Equal(t, "c2ln", v.Get("Ds_Signature"))
}
