package model

import "time"

// SignatureVersion is the fixed value of Ds_SignatureVersion.
const SignatureVersion = "HMAC_SHA256_V1"

// BuyerDetail holds the attendee data collected for one seat.
type BuyerDetail struct {
	Name         string `json:"name"          validate:"required"`
	Email        string `json:"email"         validate:"required"`
	ConfirmEmail string `json:"confirm_email" validate:"required,eqfield=Email"`
	BirthDate    string `json:"birth_date"    validate:"required"`
}

// SignedPaymentRequest is the signed payload posted to the payment gateway.
type SignedPaymentRequest struct {
	SignatureVersion   string `json:"Ds_SignatureVersion"`
	MerchantParameters string `json:"Ds_MerchantParameters"`
	Signature          string `json:"Ds_Signature"`
}

// ConfirmedOrder is produced once a hold has been confirmed and the
// payment request signed.  It never changes afterwards.
type ConfirmedOrder struct {
	OrderID              string               `json:"order_id"`
	TicketTypeID         string               `json:"ticket_type_id"`
	BuyerID              string               `json:"buyer_id"`
	Quantity             int                  `json:"quantity"`
	UnitPriceCents       int64                `json:"unit_price_cents"`
	ManagementFeeCents   int64                `json:"management_fee_cents"`
	TotalPriceCents      int64                `json:"total_price_cents"`
	BuyerDetails         []BuyerDetail        `json:"buyer_details"`
	SignedPaymentRequest SignedPaymentRequest `json:"signed_payment_request"`
	CreatedAt            time.Time            `json:"created_at"`
}

// PaymentStatus tracks the gateway side of a confirmed order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentTimedOut PaymentStatus = "TIMED_OUT"
)

// OrderRecord pairs an immutable order with its mutable payment state.
// IssuedAt is set once a paid order has been handed to ticket issuance.
type OrderRecord struct {
	Order           ConfirmedOrder `json:"order"`
	PaymentStatus   PaymentStatus  `json:"payment_status"`
	PaymentDeadline time.Time      `json:"payment_deadline"`
	UpdatedAt       time.Time      `json:"updated_at"`
	IssuedAt        *time.Time     `json:"issued_at,omitempty"`
}
