package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter caps how many inbound messages a key (a contact phone) may send per window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Unlimited lets everything through; used when the limit is zero.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

type window struct {
	start time.Time
	count int
}

// MemoryLimiter is a fixed-window counter per key kept in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	now     func() time.Time
	windows map[string]*window
}

func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		period:  period,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.period {
		w = &window{start: now}
		l.windows[key] = w
		l.evictLocked(now)
	}
	w.count++
	return w.count <= l.limit, nil
}

// evictLocked drops expired windows so idle contacts do not accumulate.
func (l *MemoryLimiter) evictLocked(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.period {
			delete(l.windows, k)
		}
	}
}
