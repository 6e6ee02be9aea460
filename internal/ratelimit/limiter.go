// Package ratelimit bounds how many actions are admitted per key within a
// time window. It is a fixed-window counter: bursts straddling a window
// boundary can admit up to twice the ceiling.
package ratelimit

import (
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

type entry struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

func (e *entry) elapsed(now time.Time) bool {
	return now.Sub(e.windowStart) >= e.window
}

// Limiter tracks one counting window per key. A background sweep drops
// windows that have fully elapsed so memory is bounded by active keys.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	now           func() time.Time
	sweepInterval time.Duration

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval sets how often elapsed windows are removed.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// New creates a Limiter and starts its sweep goroutine. Call Stop to
// release it.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries:       make(map[string]*entry),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		stopSweep:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.sweepLoop()

	return l
}

// Stop terminates the background sweep. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopSweep) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopSweep:
			return
		}
	}
}

// Sweep removes every entry whose window has elapsed and returns how many
// were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0

	for k, e := range l.entries {
		if e.elapsed(now) {
			delete(l.entries, k)
			n++
		}
	}

	return n
}

// TryAdmit admits one action for key if fewer than maxCount have been
// admitted in the current window. A missing or elapsed window is replaced
// by a fresh one starting now. Rejections do not consume capacity.
func (l *Limiter) TryAdmit(key string, maxCount int, window time.Duration) bool {
	if maxCount <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	e, ok := l.entries[key]
	if !ok || e.elapsed(now) {
		l.entries[key] = &entry{count: 1, windowStart: now, window: window}
		return true
	}

	if e.count >= maxCount {
		return false
	}

	e.count++

	return true
}

// Remaining returns how many more actions key may take in its current
// window.
func (l *Limiter) Remaining(key string, maxCount int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || e.elapsed(l.now()) {
		return maxCount
	}

	return max(maxCount-e.count, 0)
}

// ResetTime returns when key's current window ends. The zero time means
// key has no active window.
func (l *Limiter) ResetTime(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || e.elapsed(l.now()) {
		return time.Time{}
	}

	return e.windowStart.Add(e.window)
}

// RetryAfter returns how long until key's window resets, or zero.
func (l *Limiter) RetryAfter(key string) time.Duration {
	reset := l.ResetTime(key)
	if reset.IsZero() {
		return 0
	}

	return max(reset.Sub(l.now()), 0)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}
