package service

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/ticket-hold-checkout/internal/clock"
)

// maxSweepBatches bounds one sweep pass so a backlog cannot pin the
// scheduler goroutine.
const maxSweepBatches = 10

// HoldSweep releases holds whose expiry has passed, reading candidates
// from the store's expiry index.  It is the authoritative expiry path;
// countdown timers only make the buyer see it sooner.
type HoldSweep struct {
	store   CapacityStore
	manager *ReservationManager
	clock   clock.Clock
	batch   int
	logger  echo.Logger
}

func NewHoldSweep(store CapacityStore, manager *ReservationManager, clk clock.Clock, batch int, logger echo.Logger) *HoldSweep {
	if batch < 1 {
		batch = 100
	}
	return &HoldSweep{store: store, manager: manager, clock: clk, batch: batch, logger: logger}
}

// Run does one pass and returns the number of holds released.  A failure
// on one hold is logged and does not stop the pass.
func (s *HoldSweep) Run(ctx context.Context) (int, error) {
	now := s.clock.Now()
	released := 0
	for i := 0; i < maxSweepBatches; i++ {
		keys, err := s.store.DueHolds(ctx, now, s.batch)
		if err != nil {
			return released, err
		}
		failed := 0
		for _, key := range keys {
			ok, err := s.manager.ReleaseExpired(ctx, key, now)
			if err != nil {
				failed++
				s.logger.Warnj(log.JSON{"event": "sweep_release_failed", "ticket_type": key.TicketTypeID, "buyer": key.BuyerID, "error": err.Error()})
				continue
			}
			if ok {
				released++
			}
		}
		// a batch of failures would come back unchanged; leave it for the next pass
		if len(keys) < s.batch || failed == len(keys) {
			break
		}
	}
	return released, nil
}
