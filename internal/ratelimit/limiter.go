// Package ratelimit implements fixed-window request and token accounting for
// external AI services. Each Limiter tracks one service's window; a Registry
// holds the limiters for every configured service and is built once at
// startup and injected wherever limits are checked.
package ratelimit

import (
	"sync"
	"time"
)

// Usage is a snapshot of consumption within the active window.
type Usage struct {
	Requests int
	Tokens   int
}

// Limits describes a limiter's per-window capacity.
type Limits struct {
	MaxRequests int
	MaxTokens   int
	Window      time.Duration
}

// Limiter tracks requests and tokens consumed in the current fixed window.
// All methods are safe for concurrent use; the admit decision sequence
// (Usage, then Record) is serialized by callers holding entries exclusively
// via the store's claim, so the limiter itself only needs per-call safety.
type Limiter struct {
	mu          sync.Mutex
	limits      Limits
	windowStart time.Time
	requests    int
	tokens      int

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a Limiter with the given capacity.
func NewLimiter(limits Limits) *Limiter {
	return &Limiter{
		limits: limits,
		now:    time.Now,
	}
}

// Limits returns the limiter's per-window capacity.
func (l *Limiter) Limits() Limits {
	return l.limits
}

// Usage returns consumption within the active window, rotating the window
// first if it has expired.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotateLocked()
	return Usage{Requests: l.requests, Tokens: l.tokens}
}

// WouldExceedLimit reports whether recording one request with the given
// token cost would exceed either bound of the active window.
func (l *Limiter) WouldExceedLimit(tokens int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotateLocked()
	if l.requests+1 > l.limits.MaxRequests {
		return true
	}
	return l.limits.MaxTokens > 0 && l.tokens+tokens > l.limits.MaxTokens
}

// RecordUsage adds one request and the given token cost to the active
// window.
func (l *Limiter) RecordUsage(tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotateLocked()
	l.requests++
	l.tokens += tokens
}

// rotateLocked resets the counters when the window has elapsed.
// Callers must hold mu.
func (l *Limiter) rotateLocked() {
	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.limits.Window {
		l.windowStart = now
		l.requests = 0
		l.tokens = 0
	}
}

// SetClock overrides the limiter's time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Registry maps service names to their limiters. It is immutable after
// construction.
type Registry struct {
	limiters map[string]*Limiter
}

// NewRegistry builds a Registry from per-service limits.
func NewRegistry(services map[string]Limits) *Registry {
	limiters := make(map[string]*Limiter, len(services))
	for name, limits := range services {
		limiters[name] = NewLimiter(limits)
	}
	return &Registry{limiters: limiters}
}

// Get returns the limiter for the named service, or nil if none is
// configured.
func (r *Registry) Get(name string) *Limiter {
	if r == nil {
		return nil
	}
	return r.limiters[name]
}
