package model

import (
	"errors"
	"fmt"
)

var (
	ErrTicketTypeNotFound = errors.New("ticket type not found")
	ErrCheckoutNotFound   = errors.New("checkout not found")
	ErrOrderNotFound      = errors.New("order not found")
)

var (
	ErrInsufficientCapacity        = errors.New("insufficient capacity")
	ErrActiveHoldExists            = errors.New("buyer already holds tickets of this type")
	ErrReservationExpiredOrMissing = errors.New("reservation expired or missing")
	ErrInvalidState                = errors.New("checkout is not in a state that allows this operation")
	ErrNotificationRejected        = errors.New("payment notification rejected")
)

// ValidationError points at the offending buyer-detail field.  Index is
// the zero-based seat record, or -1 when the error is not per record.
type ValidationError struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("buyer %d: invalid %s: %s", e.Index+1, e.Field, e.Reason)
}

// TransientStoreError is returned once the bounded retries against the
// capacity store are exhausted.
type TransientStoreError struct {
	Attempts int
	Err      error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("capacity store unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// SignatureError is fatal for the current checkout: no payment request
// may be submitted.
type SignatureError struct {
	Op  string
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("payment signature: %s: %v", e.Op, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// IsDomain reports whether err is a business outcome rather than an
// infrastructure failure.  Domain errors are never retried.
func IsDomain(err error) bool {
	var ve *ValidationError
	var se *SignatureError
	switch {
	case errors.Is(err, ErrTicketTypeNotFound),
		errors.Is(err, ErrInsufficientCapacity),
		errors.Is(err, ErrActiveHoldExists),
		errors.Is(err, ErrReservationExpiredOrMissing),
		errors.As(err, &ve),
		errors.As(err, &se):
		return true
	}
	return false
}

// UserMessage maps an error to the message shown to the buyer.
func UserMessage(err error) string {
	var ve *ValidationError
	var te *TransientStoreError
	var se *SignatureError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientCapacity):
		return "not enough tickets left; lower the quantity or choose another ticket type"
	case errors.Is(err, ErrActiveHoldExists):
		return "you already have tickets on hold for this ticket type"
	case errors.Is(err, ErrReservationExpiredOrMissing):
		return "your reservation has expired; please start again"
	case errors.Is(err, ErrTicketTypeNotFound):
		return "ticket type not found"
	case errors.Is(err, ErrCheckoutNotFound):
		return "checkout not found"
	case errors.Is(err, ErrInvalidState):
		return "this checkout can no longer be changed"
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &te):
		return "ticketing is temporarily unavailable; please try again"
	case errors.As(err, &se):
		return "payment could not be prepared; please start again"
	}
	return "unexpected error"
}
