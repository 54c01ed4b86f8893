package repository

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// TicketTypeRepo reads the event catalog from the ticket_types table.
// The catalog is owned by event organisers; this service only reads it
// (Upsert exists for seeding and tests).
type TicketTypeRepo struct {
	db *sql.DB
}

// NewTicketTypeRepo returns a TicketTypeRepo bound to db.
func NewTicketTypeRepo(db *sql.DB) *TicketTypeRepo { return &TicketTypeRepo{db: db} }

// GetTicketType returns the catalog entry for (eventID, dateKey, name) or
// model.ErrTicketTypeNotFound.  AvailableCapacity is left zero; it is
// filled from the capacity store by the caller.
func (r *TicketTypeRepo) GetTicketType(ctx context.Context, eventID, dateKey, name string) (model.TicketType, error) {
	const q = `SELECT event_id, date_key, name, unit_price_cents, total_capacity, description
               FROM ticket_types
               WHERE event_id = ? AND date_key = ? AND name = ?`
	var tt model.TicketType
	err := r.db.QueryRowContext(ctx, q, eventID, dateKey, name).Scan(
		&tt.EventID, &tt.DateKey, &tt.Name, &tt.UnitPriceCents, &tt.TotalCapacity, &tt.Description,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TicketType{}, model.ErrTicketTypeNotFound
	}
	if err != nil {
		return model.TicketType{}, err
	}
	return tt, nil
}

// Upsert inserts or updates a catalog entry.
func (r *TicketTypeRepo) Upsert(ctx context.Context, tt model.TicketType) error {
	const q = `INSERT INTO ticket_types (event_id, date_key, name, unit_price_cents, total_capacity, description)
               VALUES (?, ?, ?, ?, ?, ?)
               ON DUPLICATE KEY UPDATE unit_price_cents = VALUES(unit_price_cents),
                                       total_capacity = VALUES(total_capacity),
                                       description = VALUES(description)`
	_, err := r.db.ExecContext(ctx, q, tt.EventID, tt.DateKey, tt.Name, tt.UnitPriceCents, tt.TotalCapacity, tt.Description)
	return err
}

// MemoryCatalog is an in-process catalog used by tests and by the
// memory backend.
type MemoryCatalog struct {
	mu    sync.RWMutex
	types map[string]model.TicketType
}

// NewMemoryCatalog returns a catalog preloaded with types.
func NewMemoryCatalog(types ...model.TicketType) *MemoryCatalog {
	c := &MemoryCatalog{types: make(map[string]model.TicketType)}
	for _, t := range types {
		c.types[t.ID()] = t
	}
	return c
}

// Upsert stores tt.
func (c *MemoryCatalog) Upsert(_ context.Context, tt model.TicketType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[tt.ID()] = tt
	return nil
}

// GetTicketType returns the entry or model.ErrTicketTypeNotFound.
func (c *MemoryCatalog) GetTicketType(_ context.Context, eventID, dateKey, name string) (model.TicketType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tt, ok := c.types[model.TicketTypeID(eventID, dateKey, name)]
	if !ok {
		return model.TicketType{}, model.ErrTicketTypeNotFound
	}
	return tt, nil
}
