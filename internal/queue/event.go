// Package queue defines message payloads exchanged over the message broker.
package queue

import (
	"time"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// OrderConfirmedQueue carries paid orders to ticket issuance.
const OrderConfirmedQueue = "order.confirmed"

// Attendee is one seat's holder as issuance needs it.
type Attendee struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	BirthDate string `json:"birth_date"`
}

// OrderConfirmedEvent is published once an order's payment is authorised.
// It carries everything issuance needs so consumers never query the
// checkout service.
type OrderConfirmedEvent struct {
	OrderID            string     `json:"order_id"`
	TicketTypeID       string     `json:"ticket_type_id"`
	BuyerID            string     `json:"buyer_id"`
	Quantity           int        `json:"quantity"`
	UnitPriceCents     int64      `json:"unit_price_cents"`
	ManagementFeeCents int64      `json:"management_fee_cents"`
	TotalPriceCents    int64      `json:"total_price_cents"`
	Attendees          []Attendee `json:"attendees"`
	ConfirmedAt        string     `json:"confirmed_at"`
}

// NewOrderConfirmedEvent maps an order to its event.  The confirm email
// is dropped; it only matters for validation.
func NewOrderConfirmedEvent(o model.ConfirmedOrder, paidAt time.Time) OrderConfirmedEvent {
	ev := OrderConfirmedEvent{
		OrderID:            o.OrderID,
		TicketTypeID:       o.TicketTypeID,
		BuyerID:            o.BuyerID,
		Quantity:           o.Quantity,
		UnitPriceCents:     o.UnitPriceCents,
		ManagementFeeCents: o.ManagementFeeCents,
		TotalPriceCents:    o.TotalPriceCents,
		Attendees:          make([]Attendee, 0, len(o.BuyerDetails)),
		ConfirmedAt:        paidAt.UTC().Format(time.RFC3339),
	}
	for _, b := range o.BuyerDetails {
		ev.Attendees = append(ev.Attendees, Attendee{Name: b.Name, Email: b.Email, BirthDate: b.BirthDate})
	}
	return ev
}
