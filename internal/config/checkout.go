package config

import (
	"time"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// CheckoutConfig tunes holds, expiry sweeps and payment reconciliation.
type CheckoutConfig struct {
	HoldTTL            time.Duration
	TickInterval       time.Duration
	Policy             model.HoldPolicy
	SweepInterval      time.Duration
	SweepBatch         int
	StoreMaxAttempts   int
	StoreRetryBackoff  time.Duration
	PendingPaymentTTL  time.Duration
	ReconcileInterval  time.Duration
	SessionRetention   time.Duration
	ManagementFeeCents int64
	IssuanceConsumer   bool
	IssuanceLogDir     string
	IssuanceRetryAfter time.Duration
}

// LoadCheckoutConfig reads the checkout settings.  Unparsable values fall
// back to their defaults like the other loaders do.
func LoadCheckoutConfig() CheckoutConfig {
	c := CheckoutConfig{
		HoldTTL:            envDur("HOLD_TTL", model.DefaultHoldTTL),
		TickInterval:       envDur("HOLD_TICK_INTERVAL", time.Second),
		SweepInterval:      envDur("SWEEP_INTERVAL", 10*time.Second),
		SweepBatch:         envInt("SWEEP_BATCH", 100),
		StoreMaxAttempts:   envInt("STORE_MAX_ATTEMPTS", 3),
		StoreRetryBackoff:  envDur("STORE_RETRY_BACKOFF", 100*time.Millisecond),
		PendingPaymentTTL:  envDur("PENDING_PAYMENT_TTL", 15*time.Minute),
		ReconcileInterval:  envDur("RECONCILE_INTERVAL", 30*time.Second),
		SessionRetention:   envDur("SESSION_RETENTION", time.Hour),
		ManagementFeeCents: int64(envInt("MANAGEMENT_FEE_CENTS", 0)),
		IssuanceConsumer:   envBool("ISSUANCE_CONSUMER", false),
		IssuanceLogDir:     envStr("ISSUANCE_LOG_DIR", "logs"),
		IssuanceRetryAfter: envDur("ISSUANCE_RETRY_AFTER", time.Minute),
	}
	if p, err := model.ParseHoldPolicy(envStr("HOLD_POLICY", "reject")); err == nil {
		c.Policy = p
	}
	if c.HoldTTL < time.Second {
		c.HoldTTL = model.DefaultHoldTTL
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.SweepBatch < 1 {
		c.SweepBatch = 100
	}
	if c.StoreMaxAttempts < 1 {
		c.StoreMaxAttempts = 1
	}
	if c.IssuanceRetryAfter <= 0 {
		c.IssuanceRetryAfter = time.Minute
	}
	if c.ManagementFeeCents < 0 {
		c.ManagementFeeCents = 0
	}
	return c
}

// MerchantConfig identifies the merchant towards the payment gateway.
type MerchantConfig struct {
	Code            string
	Terminal        string
	SecretKey       string // Base64 3DES key issued by the gateway
	Currency        string // ISO 4217 numeric, 978 = EUR
	TransactionType string
	NotifyURL       string
	URLOK           string
	URLKO           string
	GatewayURL      string
}

// LoadMerchantConfig reads MERCHANT_* and GATEWAY_URL.  The secret key is
// not validated here; signing reports a broken key per checkout.
func LoadMerchantConfig() MerchantConfig {
	return MerchantConfig{
		Code:            envStr("MERCHANT_CODE", ""),
		Terminal:        envStr("MERCHANT_TERMINAL", "1"),
		SecretKey:       envStr("MERCHANT_SECRET_KEY", ""),
		Currency:        envStr("MERCHANT_CURRENCY", "978"),
		TransactionType: envStr("MERCHANT_TRANSACTION_TYPE", "0"),
		NotifyURL:       envStr("MERCHANT_NOTIFY_URL", ""),
		URLOK:           envStr("MERCHANT_URL_OK", ""),
		URLKO:           envStr("MERCHANT_URL_KO", ""),
		GatewayURL:      envStr("GATEWAY_URL", "https://sis-t.redsys.es:25443/sis/realizarPago"),
	}
}
