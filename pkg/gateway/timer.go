package gateway

import (
	"context"
	"time"
)

// AlignedTimer calls fire every interval, starting one interval after now is
// truncated to alignment. Missed ticks are skipped, not replayed.
type AlignedTimer struct {
	interval  time.Duration
	alignment time.Duration
	fire      func(time.Time)
	now       func() time.Time
}

func NewAlignedTimer(interval, alignment time.Duration, fire func(time.Time)) *AlignedTimer {
	if alignment <= 0 {
		alignment = time.Second
	}
	return &AlignedTimer{
		interval:  interval,
		alignment: alignment,
		fire:      fire,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FirstTick is the first time the timer fires when started at now.
func (t *AlignedTimer) FirstTick(now time.Time) time.Time {
	return now.Truncate(t.alignment).Add(t.interval)
}

// NextTick advances tick by whole intervals until it is after now.
func (t *AlignedTimer) NextTick(tick, now time.Time) time.Time {
	for !tick.After(now) {
		tick = tick.Add(t.interval)
	}
	return tick
}

// Run blocks until ctx is done.
func (t *AlignedTimer) Run(ctx context.Context) {
	if t.interval <= 0 {
		return
	}
	tick := t.FirstTick(t.now())
	for {
		timer := time.NewTimer(tick.Sub(t.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		t.fire(tick)
		tick = t.NextTick(tick, t.now())
	}
}
