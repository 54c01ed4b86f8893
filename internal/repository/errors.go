// Package repository holds the storage adapters behind the checkout
// services: the capacity store (Redis or in-memory), the event catalog
// and the order store (MySQL or in-memory).
package repository

import "errors"

// ErrTxConflict is returned when an optimistic transaction kept losing to
// concurrent writers and its conflict budget ran out.  Callers treat it as
// transient.
var ErrTxConflict = errors.New("capacity transaction conflict")

// maxConflictRetries bounds how often a transaction function is re-run
// after losing a write race on the same document.
const maxConflictRetries = 32
