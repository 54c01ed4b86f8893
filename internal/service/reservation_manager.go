package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/ticket-hold-checkout/internal/clock"
	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// errNoChange aborts a capacity transaction that found nothing to do, so
// that nothing is written.
var errNoChange = errors.New("no change")

// ManagerConfig tunes the reservation manager.
type ManagerConfig struct {
	HoldTTL      time.Duration
	Policy       model.HoldPolicy
	MaxAttempts  int
	RetryBackoff time.Duration
}

// ReservationManager is the only writer of capacity documents.  Every
// operation is a single transaction on one document, so a hold exists if
// and only if its quantity has been taken from the available counter.
type ReservationManager struct {
	store  CapacityStore
	clock  clock.Clock
	timers *HoldTimers
	cfg    ManagerConfig
	logger echo.Logger

	mu        sync.RWMutex
	onExpired []func(model.HoldKey)
}

// NewReservationManager wires a manager.  timers may be shared with the
// caller so that it can read countdowns.
func NewReservationManager(store CapacityStore, clk clock.Clock, timers *HoldTimers, cfg ManagerConfig, logger echo.Logger) *ReservationManager {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = model.DefaultHoldTTL
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &ReservationManager{store: store, clock: clk, timers: timers, cfg: cfg, logger: logger}
}

// OnExpired registers fn to be told about every hold released because it
// expired, whether the countdown or the sweep noticed first.
func (m *ReservationManager) OnExpired(fn func(model.HoldKey)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpired = append(m.onExpired, fn)
}

// Init creates the capacity document of a ticket type if it is missing.
func (m *ReservationManager) Init(ctx context.Context, tt model.TicketType) error {
	return m.withRetry(ctx, "init", func() error {
		_, err := m.store.Init(ctx, tt.ID(), tt.TotalCapacity)
		return err
	})
}

// Reserve takes qty units for buyerID and starts the hold countdown.
func (m *ReservationManager) Reserve(ctx context.Context, ticketTypeID, buyerID string, qty int) (model.Hold, error) {
	if qty < 1 {
		return model.Hold{}, &model.ValidationError{Index: -1, Field: "quantity", Reason: "must be at least 1"}
	}
	var hold model.Hold
	err := m.withRetry(ctx, "reserve", func() error {
		return m.store.RunTx(ctx, ticketTypeID, func(doc *model.CapacityDoc) error {
			now := m.clock.Now()
			total := qty
			if e, ok := doc.Entry(buyerID); ok {
				switch {
				case !now.Before(e.ExpiresAt):
					// a stale hold the sweep has not reached yet
					doc.Capacity += e.Reserved
					doc.DeleteEntry(buyerID)
				case m.cfg.Policy == model.TopUp:
					total = e.Reserved + qty
				case m.cfg.Policy == model.Replace:
					doc.Capacity += e.Reserved
					doc.DeleteEntry(buyerID)
				default:
					return model.ErrActiveHoldExists
				}
			}
			if doc.Capacity < qty {
				return model.ErrInsufficientCapacity
			}
			doc.Capacity -= qty
			entry := model.HoldEntry{Reserved: total, CreatedAt: now, ExpiresAt: now.Add(m.cfg.HoldTTL)}
			doc.PutEntry(buyerID, entry)
			hold = holdFromEntry(model.HoldKey{TicketTypeID: ticketTypeID, BuyerID: buyerID}, entry)
			return nil
		})
	})
	if err != nil {
		return model.Hold{}, err
	}

	m.timers.Start(hold, func() { m.expireFromTimer(hold) })
	m.logger.Infoj(log.JSON{
		"event": "hold_reserved", "ticket_type": ticketTypeID, "buyer": buyerID,
		"quantity": hold.Quantity, "policy": m.cfg.Policy.String(), "expires_at": hold.ExpiresAt,
	})
	return hold, nil
}

// Release gives the buyer's hold back.  Releasing a missing hold is a
// no-op, so the call is idempotent.
func (m *ReservationManager) Release(ctx context.Context, ticketTypeID, buyerID string) error {
	key := model.HoldKey{TicketTypeID: ticketTypeID, BuyerID: buyerID}
	released, err := m.releaseWhere(ctx, key, func(model.HoldEntry) bool { return true })
	if err != nil && !errors.Is(err, errMissingEntry) {
		return err
	}
	m.timers.Cancel(key)
	if released > 0 {
		m.logger.Infoj(log.JSON{"event": "hold_released", "ticket_type": ticketTypeID, "buyer": buyerID, "quantity": released})
	}
	return nil
}

// Confirm consumes the buyer's hold: the entry goes away and its quantity
// stays taken.  A hold already past its expiry is released instead and
// ErrReservationExpiredOrMissing returned.
func (m *ReservationManager) Confirm(ctx context.Context, ticketTypeID, buyerID string) (model.Hold, error) {
	key := model.HoldKey{TicketTypeID: ticketTypeID, BuyerID: buyerID}
	var (
		hold    model.Hold
		expired bool
	)
	err := m.withRetry(ctx, "confirm", func() error {
		return m.store.RunTx(ctx, ticketTypeID, func(doc *model.CapacityDoc) error {
			expired = false
			e, ok := doc.Entry(buyerID)
			if !ok {
				return model.ErrReservationExpiredOrMissing
			}
			if !m.clock.Now().Before(e.ExpiresAt) {
				doc.Capacity += e.Reserved
				expired = true
			}
			doc.DeleteEntry(buyerID)
			hold = holdFromEntry(key, e)
			return nil
		})
	})
	if errors.Is(err, model.ErrTicketTypeNotFound) {
		err = model.ErrReservationExpiredOrMissing
	}
	if err != nil {
		return model.Hold{}, err
	}
	m.timers.Cancel(key)
	if expired {
		m.logger.Infoj(log.JSON{"event": "hold_expired_on_confirm", "ticket_type": ticketTypeID, "buyer": buyerID, "quantity": hold.Quantity})
		m.notifyExpired(key)
		return model.Hold{}, model.ErrReservationExpiredOrMissing
	}
	m.logger.Infoj(log.JSON{"event": "hold_confirmed", "ticket_type": ticketTypeID, "buyer": buyerID, "quantity": hold.Quantity})
	return hold, nil
}

// ReleaseExpired releases the hold under key if it expired at or before
// now.  It reports whether anything was released.  Index entries that no
// longer point at a hold are dropped.
func (m *ReservationManager) ReleaseExpired(ctx context.Context, key model.HoldKey, now time.Time) (bool, error) {
	released, err := m.releaseWhere(ctx, key, func(e model.HoldEntry) bool { return !e.ExpiresAt.After(now) })
	if errors.Is(err, errMissingEntry) {
		return false, m.store.DropIndex(ctx, key)
	}
	if err != nil {
		return false, err
	}
	if released == 0 {
		return false, nil
	}
	m.timers.Cancel(key)
	m.logger.Infoj(log.JSON{"event": "hold_expired", "ticket_type": key.TicketTypeID, "buyer": key.BuyerID, "quantity": released, "by": "sweep"})
	m.notifyExpired(key)
	return true, nil
}

// Restock returns qty units of a consumed hold to the available counter.
// It compensates confirmed orders whose payment never completed.
func (m *ReservationManager) Restock(ctx context.Context, ticketTypeID string, qty int) error {
	if qty < 1 {
		return nil
	}
	err := m.withRetry(ctx, "restock", func() error {
		return m.store.RunTx(ctx, ticketTypeID, func(doc *model.CapacityDoc) error {
			doc.Capacity += qty
			return nil
		})
	})
	if err != nil {
		return err
	}
	m.logger.Infoj(log.JSON{"event": "capacity_restocked", "ticket_type": ticketTypeID, "quantity": qty})
	return nil
}

// Available is the number of units a buyer could reserve right now: the
// counter plus holds that have expired but not been swept yet.
func (m *ReservationManager) Available(ctx context.Context, ticketTypeID string) (int, error) {
	var doc model.CapacityDoc
	err := m.withRetry(ctx, "available", func() error {
		var err error
		doc, err = m.store.Get(ctx, ticketTypeID)
		return err
	})
	if err != nil {
		return 0, err
	}
	now := m.clock.Now()
	n := doc.Capacity
	for _, e := range doc.Reservations {
		if !now.Before(e.ExpiresAt) {
			n += e.Reserved
		}
	}
	return n, nil
}

// Remaining is the countdown of the buyer's hold, if one is running.
func (m *ReservationManager) Remaining(key model.HoldKey) (time.Duration, bool) {
	return m.timers.Remaining(key)
}

// errMissingEntry reports that the document or the entry does not exist.
var errMissingEntry = errors.New("hold entry missing")

// releaseWhere releases the entry under key when match accepts it and
// returns the released quantity.
func (m *ReservationManager) releaseWhere(ctx context.Context, key model.HoldKey, match func(model.HoldEntry) bool) (int, error) {
	var released int
	err := m.withRetry(ctx, "release", func() error {
		return m.store.RunTx(ctx, key.TicketTypeID, func(doc *model.CapacityDoc) error {
			released = 0
			e, ok := doc.Entry(key.BuyerID)
			if !ok {
				return errMissingEntry
			}
			if !match(e) {
				return errNoChange
			}
			doc.Capacity += e.Reserved
			doc.DeleteEntry(key.BuyerID)
			released = e.Reserved
			return nil
		})
	})
	switch {
	case errors.Is(err, errNoChange):
		return 0, nil
	case errors.Is(err, model.ErrTicketTypeNotFound):
		return 0, errMissingEntry
	case errors.Is(err, errMissingEntry):
		return 0, errMissingEntry
	}
	return released, err
}

// expireFromTimer releases the hold when its countdown ends, but only the
// incarnation the timer was started for.  An entry that is already gone
// was released elsewhere (another instance's sweep) and still expires
// the local session; a newer incarnation stays silent.
func (m *ReservationManager) expireFromTimer(hold model.Hold) {
	ctx := context.Background()
	released, err := m.releaseWhere(ctx, hold.Key, func(e model.HoldEntry) bool { return e.CreatedAt.Equal(hold.CreatedAt) })
	if errors.Is(err, errMissingEntry) {
		m.logger.Infoj(log.JSON{"event": "hold_already_released", "ticket_type": hold.Key.TicketTypeID, "buyer": hold.Key.BuyerID, "by": "timer"})
		m.notifyExpired(hold.Key)
		return
	}
	if err != nil {
		m.logger.Warnj(log.JSON{"event": "hold_timer_release_failed", "ticket_type": hold.Key.TicketTypeID, "buyer": hold.Key.BuyerID, "error": err.Error()})
		return
	}
	if released == 0 {
		return
	}
	m.logger.Infoj(log.JSON{"event": "hold_expired", "ticket_type": hold.Key.TicketTypeID, "buyer": hold.Key.BuyerID, "quantity": released, "by": "timer"})
	m.notifyExpired(hold.Key)
}

func (m *ReservationManager) notifyExpired(key model.HoldKey) {
	m.mu.RLock()
	fns := append(([]func(model.HoldKey))(nil), m.onExpired...)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(key)
	}
}

// withRetry runs op until it succeeds, fails with a domain outcome or the
// attempt budget runs out.  Backoff doubles after every failed attempt.
func (m *ReservationManager) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := m.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || model.IsDomain(err) || errors.Is(err, errNoChange) || errors.Is(err, errMissingEntry) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.logger.Warnj(log.JSON{"event": "capacity_store_retry", "op": op, "attempt": attempt, "error": err.Error()})
		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &model.TransientStoreError{Attempts: m.cfg.MaxAttempts, Err: err}
}

func holdFromEntry(key model.HoldKey, e model.HoldEntry) model.Hold {
	return model.Hold{Key: key, Quantity: e.Reserved, CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt}
}
