package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Buckets idle longer than this are dropped by the janitor.
const idleEviction = 10 * time.Minute

// tokenState tracks the remaining allowance for one key.
type tokenState struct {
	avail float64
	seen  time.Time
}

// MemoryLimiter is a per-key token bucket held entirely in process memory.
// Suitable for a single console instance; multi-instance deployments should
// use RedisLimiter so all replicas share one budget.
type MemoryLimiter struct {
	perSecond float64
	capacity  float64

	mu    sync.Mutex
	state map[string]*tokenState

	closeOnce sync.Once
	stop      chan struct{}
}

// NewMemoryLimiter returns a limiter that sustains rate requests per second
// per key and absorbs bursts up to burst requests. A janitor goroutine drops
// idle keys; Close stops it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		perSecond: rate,
		capacity:  float64(burst),
		state:     make(map[string]*tokenState),
		stop:      make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Allow takes one token for key, reporting whether one was available.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.state[key]
	if !ok {
		st = &tokenState{avail: l.capacity, seen: now}
		l.state[key] = st
	} else {
		st.avail += now.Sub(st.seen).Seconds() * l.perSecond
		if st.avail > l.capacity {
			st.avail = l.capacity
		}
		st.seen = now
	}

	if st.avail < 1 {
		return false, nil
	}
	st.avail--
	return true, nil
}

// Close stops the janitor. Idempotent.
func (l *MemoryLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.stop) })
	return nil
}

func (l *MemoryLimiter) janitor() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.sweep(time.Now())
		}
	}
}

// sweep drops keys that have been idle past the eviction window.
func (l *MemoryLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, st := range l.state {
		if now.Sub(st.seen) > idleEviction {
			delete(l.state, key)
		}
	}
}
