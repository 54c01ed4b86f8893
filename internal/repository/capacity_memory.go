package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// MemoryCapacityStore keeps capacity documents in process.  Every document
// carries a version; a transaction reads a copy, runs the caller's
// function without holding the lock and commits only if the version is
// unchanged, so concurrent writers behave exactly like against Redis
// WATCH/MULTI.  The expiry index is updated in the same critical section
// as the document.
type MemoryCapacityStore struct {
	mu     sync.Mutex
	docs   map[string]*memoryDoc
	expiry map[model.HoldKey]time.Time
}

type memoryDoc struct {
	version uint64
	doc     model.CapacityDoc
}

// NewMemoryCapacityStore returns an empty store.
func NewMemoryCapacityStore() *MemoryCapacityStore {
	return &MemoryCapacityStore{
		docs:   make(map[string]*memoryDoc),
		expiry: make(map[model.HoldKey]time.Time),
	}
}

// Init creates the document with capacity if it does not exist yet.
func (s *MemoryCapacityStore) Init(_ context.Context, ticketTypeID string, capacity int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[ticketTypeID]; ok {
		return false, nil
	}
	s.docs[ticketTypeID] = &memoryDoc{doc: model.CapacityDoc{Capacity: capacity}}
	return true, nil
}

// Get returns a copy of the document.
func (s *MemoryCapacityStore) Get(_ context.Context, ticketTypeID string) (model.CapacityDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[ticketTypeID]
	if !ok {
		return model.CapacityDoc{}, model.ErrTicketTypeNotFound
	}
	return d.doc.Clone(), nil
}

// RunTx applies fn to the document atomically, re-running it when another
// writer committed in between.
func (s *MemoryCapacityStore) RunTx(ctx context.Context, ticketTypeID string, fn func(*model.CapacityDoc) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		d, ok := s.docs[ticketTypeID]
		if !ok {
			s.mu.Unlock()
			return model.ErrTicketTypeNotFound
		}
		before := d.doc.Clone()
		version := d.version
		s.mu.Unlock()

		after := before.Clone()
		if err := fn(&after); err != nil {
			return err
		}

		s.mu.Lock()
		if d.version != version {
			s.mu.Unlock()
			continue
		}
		for _, change := range diffEntries(before, after) {
			key := model.HoldKey{TicketTypeID: ticketTypeID, BuyerID: change.buyerID}
			if change.removed {
				delete(s.expiry, key)
			} else {
				s.expiry[key] = change.expiresAt
			}
		}
		d.doc = after
		d.version++
		s.mu.Unlock()
		return nil
	}
	return ErrTxConflict
}

// DueHolds lists up to limit holds whose expiry is at or before now,
// oldest first.
func (s *MemoryCapacityStore) DueHolds(_ context.Context, now time.Time, limit int) ([]model.HoldKey, error) {
	s.mu.Lock()
	type due struct {
		key model.HoldKey
		at  time.Time
	}
	var all []due
	for k, at := range s.expiry {
		if !at.After(now) {
			all = append(all, due{key: k, at: at})
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	keys := make([]model.HoldKey, 0, len(all))
	for _, d := range all {
		keys = append(keys, d.key)
	}
	return keys, nil
}

// DropIndex removes a key from the expiry index.
func (s *MemoryCapacityStore) DropIndex(_ context.Context, key model.HoldKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expiry, key)
	return nil
}

type entryChange struct {
	buyerID   string
	removed   bool
	expiresAt time.Time
}

// diffEntries lists the hold entries whose index position must change
// between two versions of a document.
func diffEntries(before, after model.CapacityDoc) []entryChange {
	var out []entryChange
	for buyer := range before.Reservations {
		if _, ok := after.Reservations[buyer]; !ok {
			out = append(out, entryChange{buyerID: buyer, removed: true})
		}
	}
	for buyer, e := range after.Reservations {
		if old, ok := before.Reservations[buyer]; ok && old.ExpiresAt.Equal(e.ExpiresAt) {
			continue
		}
		out = append(out, entryChange{buyerID: buyer, expiresAt: e.ExpiresAt})
	}
	return out
}
