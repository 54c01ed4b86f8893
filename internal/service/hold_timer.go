package service

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/ticket-hold-checkout/internal/clock"
	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// HoldTimer counts a hold down one tick at a time and calls its expiry
// callback exactly once when the count reaches zero.  A cancelled timer
// never fires.  The countdown drives the buyer-facing clock; releasing
// capacity on time is the sweep's job, so a late or lost tick only delays
// the notification.
type HoldTimer struct {
	mu        sync.Mutex
	remaining int
	interval  time.Duration
	cancelled bool
	fired     bool
	done      chan struct{}
	onExpire  func()
}

func newHoldTimer(ticks int, interval time.Duration, onExpire func()) *HoldTimer {
	if ticks < 1 {
		ticks = 1
	}
	return &HoldTimer{remaining: ticks, interval: interval, done: make(chan struct{}), onExpire: onExpire}
}

// Tick decrements the counter and fires on zero.  It reports whether this
// call fired the timer.
func (t *HoldTimer) Tick() bool {
	t.mu.Lock()
	if t.cancelled || t.fired {
		t.mu.Unlock()
		return false
	}
	t.remaining--
	if t.remaining > 0 {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire()
	}
	return true
}

// Remaining is the time left on the countdown, zero once fired or cancelled.
func (t *HoldTimer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.fired {
		return 0
	}
	return time.Duration(t.remaining) * t.interval
}

// Cancel stops the countdown.  Safe to call more than once.
func (t *HoldTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	close(t.done)
}

func (t *HoldTimer) run(ctx context.Context, clk clock.Clock) {
	ticker := clk.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			if t.Tick() {
				return
			}
		}
	}
}

// HoldTimers owns one running HoldTimer per hold key.
type HoldTimers struct {
	clock    clock.Clock
	interval time.Duration

	mu     sync.Mutex
	timers map[model.HoldKey]*HoldTimer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHoldTimers returns an empty registry ticking every interval.
func NewHoldTimers(clk clock.Clock, interval time.Duration) *HoldTimers {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HoldTimers{
		clock:    clk,
		interval: interval,
		timers:   make(map[model.HoldKey]*HoldTimer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the countdown for hold, replacing (and cancelling) any
// timer already running for the same key.  onExpire runs on the timer's
// goroutine.
func (r *HoldTimers) Start(hold model.Hold, onExpire func()) *HoldTimer {
	left := hold.ExpiresAt.Sub(r.clock.Now())
	ticks := int((left + r.interval - 1) / r.interval)

	var t *HoldTimer
	t = newHoldTimer(ticks, r.interval, func() {
		r.remove(hold.Key, t)
		onExpire()
	})

	r.mu.Lock()
	if old, ok := r.timers[hold.Key]; ok {
		old.Cancel()
	}
	r.timers[hold.Key] = t
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t.run(r.ctx, r.clock)
	}()
	return t
}

// Cancel stops the timer for key.  It reports whether one was running.
func (r *HoldTimers) Cancel(key model.HoldKey) bool {
	r.mu.Lock()
	t, ok := r.timers[key]
	delete(r.timers, key)
	r.mu.Unlock()
	if ok {
		t.Cancel()
	}
	return ok
}

// Remaining returns the countdown of the timer for key.
func (r *HoldTimers) Remaining(key model.HoldKey) (time.Duration, bool) {
	r.mu.Lock()
	t, ok := r.timers[key]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	return t.Remaining(), true
}

// Len is the number of running timers.
func (r *HoldTimers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// StopAll cancels every timer and waits for their goroutines.
func (r *HoldTimers) StopAll() {
	r.cancel()
	r.mu.Lock()
	for k, t := range r.timers {
		t.Cancel()
		delete(r.timers, k)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *HoldTimers) remove(key model.HoldKey, t *HoldTimer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timers[key] == t {
		delete(r.timers, key)
	}
}
