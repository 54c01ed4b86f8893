package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFakeClock_NowOnlyMovesOnAdvance(t *testing.T) {
	c := Fake(epoch)
	assert.Equal(t, epoch, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), c.Now())

	c.Set(epoch)
	assert.Equal(t, epoch, c.Now())
}

func TestFakeClock_TickerFiresOnDeadline(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C:
		t.Fatal("ticker fired before its deadline")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case at := <-tk.C:
		assert.Equal(t, epoch.Add(time.Second), at)
	default:
		t.Fatal("ticker did not fire at its deadline")
	}
}

func TestFakeClock_StoppedTickerIsSilent(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	tk.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeClock_WaitForTickers(t *testing.T) {
	c := Fake(epoch)
	ready := make(chan *Ticker)
	go func() { ready <- c.NewTicker(time.Second) }()

	c.WaitForTickers(1)
	tk := <-ready
	defer tk.Stop()

	c.Advance(time.Second)
	_, ok := <-tk.C
	require.True(t, ok)
}

func TestFakeClock_NewTickerPanicsOnZero(t *testing.T) {
	c := Fake(epoch)
	assert.Panics(t, func() { c.NewTicker(0) })
}
