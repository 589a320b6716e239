package ratelimiter

import (
	"sync"
	"time"
)

// Limiter admits at most a fixed number of requests per caller in each
// window.
type Limiter interface {
	Allow(key string) (bool, time.Duration)
}

type window struct {
	count   int
	resetAt time.Time
}

type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time

	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

// NewFixedWindow returns nil when limit is not positive, which admits
// everything.
func NewFixedWindow(limit int, period time.Duration) *FixedWindow {
	if limit <= 0 || period <= 0 {
		return nil
	}
	fw := &FixedWindow{
		windows: map[string]*window{},
		limit:   limit,
		period:  period,
		now:     time.Now,
		ticker:  time.NewTicker(period),
		done:    make(chan struct{}),
	}
	go fw.sweep()
	return fw
}

// Allow counts one request for key. When the window is exhausted it reports
// how long until the next one opens.
func (fw *FixedWindow) Allow(key string) (bool, time.Duration) {
	if fw == nil {
		return true, 0
	}
	now := fw.now()

	fw.mu.Lock()
	defer fw.mu.Unlock()

	w, ok := fw.windows[key]
	if !ok || !now.Before(w.resetAt) {
		fw.windows[key] = &window{count: 1, resetAt: now.Truncate(fw.period).Add(fw.period)}
		return true, 0
	}
	if w.count >= fw.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

func (fw *FixedWindow) sweep() {
	for {
		select {
		case <-fw.ticker.C:
			fw.expire()
		case <-fw.done:
			return
		}
	}
}

func (fw *FixedWindow) expire() {
	now := fw.now()
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for key, w := range fw.windows {
		if !now.Before(w.resetAt) {
			delete(fw.windows, key)
		}
	}
}

func (fw *FixedWindow) Close() {
	if fw == nil {
		return
	}
	fw.once.Do(func() {
		close(fw.done)
		fw.ticker.Stop()
	})
}
