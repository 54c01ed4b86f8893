package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// HoldEntry is one buyer's entry in a capacity document.
type HoldEntry struct {
	Reserved  int       `json:"reserved"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CapacityDoc is the per-ticket-type document kept by the capacity store:
//
//	{"capacity": "<decimal string>", "Reservations": {"<buyerId>": {"reserved": n, ...}}}
//
// Capacity is the available counter.  Reservations is nil when no hold is
// outstanding.
type CapacityDoc struct {
	Capacity     int
	Reservations map[string]HoldEntry
}

type capacityDocJSON struct {
	Capacity     string               `json:"capacity"`
	Reservations map[string]HoldEntry `json:"Reservations,omitempty"`
}

// MarshalJSON writes capacity as a decimal string.
func (d CapacityDoc) MarshalJSON() ([]byte, error) {
	out := capacityDocJSON{Capacity: strconv.Itoa(d.Capacity)}
	if len(d.Reservations) > 0 {
		out.Reservations = d.Reservations
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses capacity from its decimal string form.
func (d *CapacityDoc) UnmarshalJSON(b []byte) error {
	var in capacityDocJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	n, err := strconv.Atoi(in.Capacity)
	if err != nil {
		return fmt.Errorf("capacity %q: %w", in.Capacity, err)
	}
	d.Capacity = n
	d.Reservations = in.Reservations
	if len(d.Reservations) == 0 {
		d.Reservations = nil
	}
	return nil
}

// Clone returns a deep copy so a transaction can mutate freely.
func (d CapacityDoc) Clone() CapacityDoc {
	out := CapacityDoc{Capacity: d.Capacity}
	if len(d.Reservations) > 0 {
		out.Reservations = make(map[string]HoldEntry, len(d.Reservations))
		for k, v := range d.Reservations {
			out.Reservations[k] = v
		}
	}
	return out
}

// Entry returns the buyer's hold entry, if any.
func (d *CapacityDoc) Entry(buyerID string) (HoldEntry, bool) {
	e, ok := d.Reservations[buyerID]
	return e, ok
}

// PutEntry upserts the buyer's hold entry.
func (d *CapacityDoc) PutEntry(buyerID string, e HoldEntry) {
	if d.Reservations == nil {
		d.Reservations = make(map[string]HoldEntry)
	}
	d.Reservations[buyerID] = e
}

// DeleteEntry removes the buyer's hold and drops the map once empty.
func (d *CapacityDoc) DeleteEntry(buyerID string) {
	delete(d.Reservations, buyerID)
	if len(d.Reservations) == 0 {
		d.Reservations = nil
	}
}

// HeldTotal sums the quantities of every outstanding hold.
func (d *CapacityDoc) HeldTotal() int {
	n := 0
	for _, e := range d.Reservations {
		n += e.Reserved
	}
	return n
}
