package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-hold-checkout/internal/clock"
)

func newTestLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

func TestScheduler_RunsJobOnEveryTick(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var calls int64
	s := New("sweep", func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 1, nil
	}, 10*time.Second, clk, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	clk.WaitForTickers(1)
	for want := int64(1); want <= 3; want++ {
		clk.Advance(10 * time.Second)
		require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == want }, time.Second, time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}

func TestScheduler_KeepsRunningAfterJobError(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var calls int64
	s := New("reconcile", func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 0, errors.New("db down")
	}, time.Second, clk, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	clk.WaitForTickers(1)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 2 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}
