package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignedTimerTicks(t *testing.T) {
	timer := NewAlignedTimer(time.Hour, time.Hour, func(time.Time) {})
	now := time.Date(2024, 3, 1, 9, 42, 17, 0, time.UTC)

	first := timer.FirstTick(now)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), first)

	// a slow callback skips the ticks it missed
	late := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), timer.NextTick(first, late))
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), timer.NextTick(first, first))
}

func TestAlignedTimerShortIntervalWithCoarseAlignment(t *testing.T) {
	timer := NewAlignedTimer(15*time.Minute, time.Hour, func(time.Time) {})
	now := time.Date(2024, 3, 1, 9, 42, 0, 0, time.UTC)

	first := timer.FirstTick(now)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC), first)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 45, 0, 0, time.UTC), timer.NextTick(first, now))
}

func TestAlignedTimerRun(t *testing.T) {
	var fired int32
	timer := NewAlignedTimer(10*time.Millisecond, 10*time.Millisecond, func(time.Time) {
		atomic.AddInt32(&fired, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestAlignedTimerDisabled(t *testing.T) {
	timer := NewAlignedTimer(0, time.Second, func(time.Time) { t.Fatal("fired") })
	timer.Run(context.Background())
}
