// Package service holds the checkout core: the reservation manager that
// guards capacity, the hold countdowns, the checkout orchestrator and the
// issuance publisher.  Storage and payment collaborators are consumed
// through the interfaces in this file.
package service

import (
	"context"
	"time"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
	"github.com/iliyamo/ticket-hold-checkout/internal/payment"
)

// CapacityStore is the transactional document store holding one capacity
// document per ticket type.  RunTx re-runs fn on write conflicts and
// returns fn's own error unchanged without writing.
type CapacityStore interface {
	Init(ctx context.Context, ticketTypeID string, capacity int) (bool, error)
	Get(ctx context.Context, ticketTypeID string) (model.CapacityDoc, error)
	RunTx(ctx context.Context, ticketTypeID string, fn func(*model.CapacityDoc) error) error
	DueHolds(ctx context.Context, now time.Time, limit int) ([]model.HoldKey, error)
	DropIndex(ctx context.Context, key model.HoldKey) error
}

// EventCatalog is the read-only source of ticket types.
type EventCatalog interface {
	GetTicketType(ctx context.Context, eventID, dateKey, name string) (model.TicketType, error)
}

// OrderStore persists confirmed orders and their payment status.
type OrderStore interface {
	Create(ctx context.Context, rec model.OrderRecord) error
	Get(ctx context.Context, orderID string) (model.OrderRecord, error)
	TransitionPayment(ctx context.Context, orderID string, from, to model.PaymentStatus, at time.Time) (bool, error)
	ListPendingDue(ctx context.Context, now time.Time, limit int) ([]model.OrderRecord, error)
	MarkIssued(ctx context.Context, orderID string, at time.Time) error
	ListUnissued(ctx context.Context, settledBefore time.Time, limit int) ([]model.OrderRecord, error)
}

// PaymentSigner signs outbound payment requests and verifies callbacks.
type PaymentSigner interface {
	Sign(p payment.OrderParams) (model.SignedPaymentRequest, error)
	VerifyNotification(n payment.Notification) (payment.NotificationResult, error)
	GatewayURL() string
}

// IDGenerator mints checkout and order identifiers.
type IDGenerator interface {
	NewCheckoutID() string
	NewOrderID() string
}
