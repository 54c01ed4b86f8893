package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultHoldTTL is how long a hold stays valid before automatic expiry.
const DefaultHoldTTL = 300 * time.Second

// HoldKey identifies a hold: one buyer on one ticket type.
type HoldKey struct {
	TicketTypeID string `json:"ticket_type_id"`
	BuyerID      string `json:"buyer_id"`
}

func (k HoldKey) String() string { return k.TicketTypeID + "#" + k.BuyerID }

// Hold is a temporary claim on Quantity units of a ticket type.  A hold
// exists if and only if its quantity has already been subtracted from the
// ticket type's available capacity.
type Hold struct {
	Key       HoldKey   `json:"key"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the hold is past its expiry at now.
func (h Hold) Expired(now time.Time) bool { return !now.Before(h.ExpiresAt) }

// HoldPolicy decides what reserve does when the buyer already holds
// seats of the same ticket type.
type HoldPolicy int

const (
	// RejectIfActive refuses a second reserve while a hold is active.
	RejectIfActive HoldPolicy = iota
	// TopUp adds the new quantity to the existing hold and restarts its TTL.
	TopUp
	// Replace gives back the existing hold and takes the new quantity.
	Replace
)

func (p HoldPolicy) String() string {
	switch p {
	case TopUp:
		return "topup"
	case Replace:
		return "replace"
	default:
		return "reject"
	}
}

// ParseHoldPolicy accepts "reject", "topup" and "replace" (case-insensitive).
func ParseHoldPolicy(s string) (HoldPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject", "reject_if_active":
		return RejectIfActive, nil
	case "topup", "top_up":
		return TopUp, nil
	case "replace":
		return Replace, nil
	}
	return RejectIfActive, fmt.Errorf("unknown hold policy %q", s)
}
