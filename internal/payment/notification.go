package payment

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// Notification is the form the gateway posts back once the card holder
// has finished paying.
type Notification struct {
	SignatureVersion   string `form:"Ds_SignatureVersion"   json:"Ds_SignatureVersion"`
	MerchantParameters string `form:"Ds_MerchantParameters" json:"Ds_MerchantParameters"`
	Signature          string `form:"Ds_Signature"          json:"Ds_Signature"`
}

// NotificationResult is the verified content of a Notification.
type NotificationResult struct {
	OrderID     string
	Response    int
	AmountCents int64
	Authorized  bool
}

// flexString accepts both JSON strings and numbers; the gateway is not
// consistent about which one it sends.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

type notificationParams struct {
	Order    flexString `json:"Ds_Order"`
	Response flexString `json:"Ds_Response"`
	Amount   flexString `json:"Ds_Amount"`
}

// VerifyNotification checks the signature of n and decodes it.  A bad
// signature or malformed payload wraps model.ErrNotificationRejected; a
// broken merchant key is a *model.SignatureError.
func (s *Signer) VerifyNotification(n Notification) (NotificationResult, error) {
	if n.SignatureVersion != "" && n.SignatureVersion != model.SignatureVersion {
		return NotificationResult{}, fmt.Errorf("%w: signature version %q", model.ErrNotificationRejected, n.SignatureVersion)
	}
	raw, err := decodeAnyBase64(n.MerchantParameters)
	if err != nil {
		return NotificationResult{}, fmt.Errorf("%w: parameters: %v", model.ErrNotificationRejected, err)
	}
	var p notificationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return NotificationResult{}, fmt.Errorf("%w: parameters: %v", model.ErrNotificationRejected, err)
	}
	if p.Order == "" {
		return NotificationResult{}, fmt.Errorf("%w: missing Ds_Order", model.ErrNotificationRejected)
	}

	want, err := s.mac(string(p.Order), n.MerchantParameters)
	if err != nil {
		return NotificationResult{}, err
	}
	got, err := decodeAnyBase64(n.Signature)
	if err != nil || !hmac.Equal(want, got) {
		return NotificationResult{}, fmt.Errorf("%w: signature mismatch for order %s", model.ErrNotificationRejected, p.Order)
	}

	res := NotificationResult{OrderID: string(p.Order)}
	if res.Response, err = strconv.Atoi(string(p.Response)); err != nil {
		return NotificationResult{}, fmt.Errorf("%w: Ds_Response %q", model.ErrNotificationRejected, p.Response)
	}
	if p.Amount == "" {
		return NotificationResult{}, fmt.Errorf("%w: missing Ds_Amount", model.ErrNotificationRejected)
	}
	if res.AmountCents, err = strconv.ParseInt(string(p.Amount), 10, 64); err != nil {
		return NotificationResult{}, fmt.Errorf("%w: Ds_Amount %q", model.ErrNotificationRejected, p.Amount)
	}
	// 0000-0099 are authorisations; everything else is a decline or error.
	res.Authorized = res.Response >= 0 && res.Response <= 99
	return res, nil
}

// decodeAnyBase64 accepts the standard and the URL-safe alphabet.
func decodeAnyBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// SignNotification builds the callback the gateway would send for an
// order.  It backs the local gateway simulator and tests.
func (s *Signer) SignNotification(orderID string, response int, amountCents int64) (Notification, error) {
	params, err := canonicalJSON(map[string]string{
		"Ds_Order":    orderID,
		"Ds_Response": fmt.Sprintf("%04d", response),
		"Ds_Amount":   strconv.FormatInt(amountCents, 10),
	})
	if err != nil {
		return Notification{}, &model.SignatureError{Op: "encode notification", Err: err}
	}
	encoded := base64.StdEncoding.EncodeToString(params)
	mac, err := s.mac(orderID, encoded)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		SignatureVersion:   model.SignatureVersion,
		MerchantParameters: encoded,
		Signature:          base64.StdEncoding.EncodeToString(mac),
	}, nil
}
