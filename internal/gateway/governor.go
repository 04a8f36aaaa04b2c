package gateway

import (
	"context"
	"sync"
	"time"
)

// Governor is an adaptive concurrency gate in front of the completion
// backend. A rate-limit response halves the in-flight limit; after the
// cooldown the limit recovers one slot per cooldown interval until it is
// back at the configured maximum.
type Governor struct {
	mu       sync.Mutex
	max      int
	limit    int
	inUse    int
	cooldown time.Duration
	holdOff  time.Time
	lastGrow time.Time
	changed  chan struct{}
	now      func() time.Time
}

func NewGovernor(maxConcurrent int, cooldown time.Duration) *Governor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Governor{
		max:      maxConcurrent,
		limit:    maxConcurrent,
		cooldown: cooldown,
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// Acquire blocks until a slot is free or ctx is done. The caller must call
// Release exactly once for a nil error.
func (g *Governor) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		g.recoverLocked()
		if g.inUse < g.limit {
			g.inUse++
			g.mu.Unlock()
			return nil
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-time.After(100 * time.Millisecond):
			// Re-check periodically so recovery can open slots without a Release.
		}
	}
}

func (g *Governor) Release() {
	g.mu.Lock()
	if g.inUse > 0 {
		g.inUse--
	}
	g.broadcastLocked()
	g.mu.Unlock()
}

// OnRateLimit halves the limit (floor 1) and starts the cooldown clock.
func (g *Governor) OnRateLimit() {
	g.mu.Lock()
	g.limit = g.limit / 2
	if g.limit < 1 {
		g.limit = 1
	}
	g.holdOff = g.now().Add(g.cooldown)
	g.lastGrow = g.holdOff
	g.mu.Unlock()
}

// Limit reports the current in-flight ceiling.
func (g *Governor) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recoverLocked()
	return g.limit
}

func (g *Governor) recoverLocked() {
	if g.limit >= g.max {
		return
	}
	now := g.now()
	if now.Before(g.holdOff) {
		return
	}
	since := g.lastGrow
	if since.IsZero() {
		since = g.holdOff
	}
	grown := int(now.Sub(since) / g.cooldown)
	if grown <= 0 {
		return
	}
	g.limit += grown
	if g.limit > g.max {
		g.limit = g.max
	}
	g.lastGrow = now
	g.broadcastLocked()
}

func (g *Governor) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
