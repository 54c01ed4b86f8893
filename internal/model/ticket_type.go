package model

import "strings"

// TicketType is a priced, capacity-bounded category of tickets for one
// event occurrence.  It is owned by the event catalog; the capacity
// counter it reports is read from the capacity store.
//
// Fields:
//   - EventID, DateKey, Name: identity of the ticket type.
//   - UnitPriceCents: price of one seat in minor units.
//   - TotalCapacity: seats ever sellable for this type.
//   - AvailableCapacity: seats not held and not sold (0 ≤ x ≤ TotalCapacity).
//   - Description: free text shown to buyers.
type TicketType struct {
	EventID           string `json:"event_id"`
	DateKey           string `json:"date_key"`
	Name              string `json:"name"`
	UnitPriceCents    int64  `json:"unit_price_cents"`
	TotalCapacity     int    `json:"total_capacity"`
	AvailableCapacity int    `json:"available_capacity"`
	Description       string `json:"description"`
}

// ID returns the ticket type identity used as the capacity document key.
func (t TicketType) ID() string { return TicketTypeID(t.EventID, t.DateKey, t.Name) }

// TicketTypeID joins the three identity parts with "/".
func TicketTypeID(eventID, dateKey, name string) string {
	return strings.Join([]string{eventID, dateKey, name}, "/")
}
