// Package ratelimit provides a keyed fixed-window counter with TTL
// eviction. Windows live behind a clock interface so limits are testable
// without sleeping and the store can later move out of process for
// multi-instance deployment.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Config holds limiter configuration.
type Config struct {
	// Limit is the number of events allowed per key per window.
	Limit int
	// Window is the fixed window length.
	Window time.Duration
	// EvictionInterval is how often the background sweep drops expired
	// windows. One-shot keys never return through Allow, so without the
	// sweep the key set would grow without bound.
	EvictionInterval time.Duration
}

// Limiter counts events per key in fixed windows. Expired windows are
// evicted lazily on access and swept in bulk by the eviction loop.
type Limiter struct {
	config Config
	clock  Clock

	mu      sync.Mutex
	windows map[string]*window

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type window struct {
	start time.Time
	count int
}

// New creates a limiter. A nil clock uses the system clock.
func New(cfg Config, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = cfg.Window
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		config:  cfg,
		clock:   clock,
		windows: make(map[string]*window),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// StartEviction starts the background sweep of expired windows.
func (l *Limiter) StartEviction() {
	go l.evictionLoop()
}

// Stop stops the eviction loop.
func (l *Limiter) Stop() {
	l.cancel()
	<-l.done
}

func (l *Limiter) evictionLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.config.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.Evict()
		}
	}
}

// Allow records one event for the key and reports whether it is within the
// limit.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.config.Window {
		l.windows[key] = &window{start: now, count: 1}
		return l.config.Limit >= 1
	}

	w.count++
	return w.count <= l.config.Limit
}

// Evict removes all expired windows and returns how many were dropped.
func (l *Limiter) Evict() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.config.Window {
			delete(l.windows, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
