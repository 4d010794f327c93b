package gateway

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit allows Limit requests per Period.
type RateLimit struct {
	Limit  int           `mapstructure:"limit" json:"limit"`
	Period time.Duration `mapstructure:"period" json:"period"`
}

func (r RateLimit) String() string {
	return fmt.Sprintf("%d per %s", r.Limit, r.Period)
}

// window remembers the time of every request still inside one sliding
// period, oldest first.
type window struct {
	limit RateLimit
	times []time.Time
}

// purge drops requests at or before now-Period.
func (w *window) purge(now time.Time) {
	cutoff := now.Add(-w.limit.Period)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *window) free(now time.Time) int {
	w.purge(now)
	if free := w.limit.Limit - len(w.times); free > 0 {
		return free
	}
	return 0
}

// nextFree is the earliest time one more request fits, assuming w is purged.
func (w *window) nextFree(now time.Time) time.Time {
	if len(w.times) < w.limit.Limit {
		return now
	}
	return w.times[len(w.times)-w.limit.Limit].Add(w.limit.Period)
}

// Limiter enforces several sliding window rate limits at once: at most
// Limit requests within any Period. A request is only allowed when every
// limit has capacity for it.
type Limiter struct {
	mu      sync.Mutex
	windows []*window
	// pacers spread Wait callers out evenly; the windows decide admission.
	pacers []*rate.Limiter
	now    func() time.Time
}

func NewLimiter(limits ...RateLimit) (*Limiter, error) {
	if len(limits) == 0 {
		return nil, fmt.Errorf("at least one rate limit is required")
	}
	l := &Limiter{now: time.Now}
	for _, lim := range limits {
		if lim.Limit <= 0 || lim.Period <= 0 {
			return nil, fmt.Errorf("invalid rate limit %s", lim)
		}
		l.windows = append(l.windows, &window{limit: lim, times: make([]time.Time, 0, lim.Limit)})
		l.pacers = append(l.pacers, rate.NewLimiter(rate.Every(lim.Period/time.Duration(lim.Limit)), 1))
	}
	return l, nil
}

// FreeCapacity is the number of requests every limit would allow at now.
func (l *Limiter) FreeCapacity(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freeCapacity(now)
}

func (l *Limiter) freeCapacity(now time.Time) int {
	free := math.MaxInt
	for _, w := range l.windows {
		if f := w.free(now); f < free {
			free = f
		}
	}
	return free
}

func (l *Limiter) HasCapacity(now time.Time, n int) bool {
	return l.FreeCapacity(now) >= n
}

// Consume records n requests at now in every limit. Nothing is recorded
// unless all limits have capacity.
func (l *Limiter) Consume(now time.Time, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consume(now, n)
}

func (l *Limiter) consume(now time.Time, n int) bool {
	if n <= 0 || l.freeCapacity(now) < n {
		return false
	}
	for _, w := range l.windows {
		for i := 0; i < n; i++ {
			w.times = append(w.times, now)
		}
	}
	return true
}

// Wait blocks until one request is allowed by every limit and consumes it.
func (l *Limiter) Wait(ctx context.Context) error {
	for _, p := range l.pacers {
		if err := p.Wait(ctx); err != nil {
			return err
		}
	}
	for {
		l.mu.Lock()
		now := l.now()
		if l.consume(now, 1) {
			l.mu.Unlock()
			return nil
		}
		next := now
		for _, w := range l.windows {
			if t := w.nextFree(now); t.After(next) {
				next = t
			}
		}
		l.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) String() string {
	parts := make([]string, 0, len(l.windows))
	for _, w := range l.windows {
		parts = append(parts, w.limit.String())
	}
	return strings.Join(parts, ", ")
}
