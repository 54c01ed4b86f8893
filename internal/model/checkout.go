package model

import "time"

// CheckoutState is a node of the buyer-facing checkout state machine.
type CheckoutState string

const (
	CheckoutIdle           CheckoutState = "IDLE"
	CheckoutReserving      CheckoutState = "RESERVING"
	CheckoutHeld           CheckoutState = "HELD"
	CheckoutConfirming     CheckoutState = "CONFIRMING"
	CheckoutPendingPayment CheckoutState = "PENDING_PAYMENT"
	CheckoutCompleted      CheckoutState = "COMPLETED"
	CheckoutExpired        CheckoutState = "EXPIRED"
	CheckoutCancelled      CheckoutState = "CANCELLED"
	CheckoutFailed         CheckoutState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s CheckoutState) Terminal() bool {
	switch s {
	case CheckoutCompleted, CheckoutExpired, CheckoutCancelled, CheckoutFailed:
		return true
	}
	return false
}

// Checkout is a snapshot of one buyer's pass through the flow.
type Checkout struct {
	ID               string           `json:"id"`
	BuyerID          string           `json:"buyer_id"`
	TicketType       TicketType       `json:"ticket_type"`
	Quantity         int              `json:"quantity"`
	State            CheckoutState    `json:"state"`
	Hold             *Hold            `json:"hold,omitempty"`
	Order            *ConfirmedOrder  `json:"order,omitempty"`
	FieldError       *ValidationError `json:"field_error,omitempty"`
	Failure          string           `json:"failure,omitempty"`
	RemainingSeconds int              `json:"remaining_seconds"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
