// Package payment builds and verifies the signed requests exchanged with
// the card payment gateway (HMAC_SHA256_V1 scheme).
package payment

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"

	"github.com/iliyamo/ticket-hold-checkout/internal/config"
	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// Merchant parameter keys.  encoding/json writes map keys sorted, which
// is the canonical order the gateway expects.
const (
	keyAmount          = "DS_MERCHANT_AMOUNT"
	keyCurrency        = "DS_MERCHANT_CURRENCY"
	keyMerchantCode    = "DS_MERCHANT_MERCHANTCODE"
	keyMerchantURL     = "DS_MERCHANT_MERCHANTURL"
	keyOrder           = "DS_MERCHANT_ORDER"
	keyTerminal        = "DS_MERCHANT_TERMINAL"
	keyTransactionType = "DS_MERCHANT_TRANSACTIONTYPE"
	keyURLKO           = "DS_MERCHANT_URLKO"
	keyURLOK           = "DS_MERCHANT_URLOK"
)

// OrderParams are the per-order inputs of a payment request.
type OrderParams struct {
	OrderID     string
	AmountCents int64
}

// Signer signs payment requests for one merchant.  It holds no mutable
// state and is safe for concurrent use.
type Signer struct {
	m config.MerchantConfig
}

// NewSigner returns a Signer for the merchant.  The secret key is not
// checked here; a malformed key surfaces as a SignatureError on first use.
func NewSigner(m config.MerchantConfig) *Signer {
	return &Signer{m: m}
}

// GatewayURL is where the signed form must be posted.
func (s *Signer) GatewayURL() string { return s.m.GatewayURL }

// Sign produces the signed request for p.  Every failure is a
// *model.SignatureError and must not be retried.
func (s *Signer) Sign(p OrderParams) (model.SignedPaymentRequest, error) {
	if p.OrderID == "" {
		return model.SignedPaymentRequest{}, &model.SignatureError{Op: "order id", Err: errors.New("empty")}
	}
	if p.AmountCents < 0 {
		return model.SignedPaymentRequest{}, &model.SignatureError{Op: "amount", Err: errors.New("negative")}
	}
	params, err := canonicalJSON(map[string]any{
		keyAmount:          p.AmountCents,
		keyCurrency:        s.m.Currency,
		keyMerchantCode:    s.m.Code,
		keyMerchantURL:     s.m.NotifyURL,
		keyOrder:           p.OrderID,
		keyTerminal:        s.m.Terminal,
		keyTransactionType: s.m.TransactionType,
		keyURLKO:           s.m.URLKO,
		keyURLOK:           s.m.URLOK,
	})
	if err != nil {
		return model.SignedPaymentRequest{}, &model.SignatureError{Op: "encode parameters", Err: err}
	}
	encoded := base64.StdEncoding.EncodeToString(params)

	mac, err := s.mac(p.OrderID, encoded)
	if err != nil {
		return model.SignedPaymentRequest{}, err
	}
	return model.SignedPaymentRequest{
		SignatureVersion:   model.SignatureVersion,
		MerchantParameters: encoded,
		Signature:          base64.StdEncoding.EncodeToString(mac),
	}, nil
}

// FormFields returns the form the client auto-posts to GatewayURL.
func FormFields(req model.SignedPaymentRequest) url.Values {
	return url.Values{
		"Ds_SignatureVersion":   {req.SignatureVersion},
		"Ds_MerchantParameters": {req.MerchantParameters},
		"Ds_Signature":          {req.Signature},
	}
}

// mac computes HMAC-SHA256 over msg keyed by the order-derived key.
func (s *Signer) mac(orderID, msg string) ([]byte, error) {
	key, err := s.deriveKey(orderID)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil), nil
}

// deriveKey encrypts the order id with the merchant key using 3DES-CBC,
// a zero IV and PKCS#7 padding.
func (s *Signer) deriveKey(orderID string) ([]byte, error) {
	key, err := s.workingKey()
	if err != nil {
		return nil, err
	}
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, &model.SignatureError{Op: "3des key", Err: err}
	}
	src := pkcs7Pad([]byte(orderID), des.BlockSize)
	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, make([]byte, des.BlockSize)).CryptBlocks(dst, src)
	return dst, nil
}

// workingKey decodes the Base64 merchant secret.  A 16 byte key is
// two-key 3DES and is expanded to K1K2K1.
func (s *Signer) workingKey() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s.m.SecretKey)
	if err != nil {
		return nil, &model.SignatureError{Op: "decode secret key", Err: err}
	}
	switch len(raw) {
	case 24:
		return raw, nil
	case 16:
		return append(raw[:16:16], raw[:8]...), nil
	}
	return nil, &model.SignatureError{Op: "decode secret key", Err: errors.New("key must be 16 or 24 bytes")}
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

// canonicalJSON encodes v without HTML escaping or a trailing newline.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
