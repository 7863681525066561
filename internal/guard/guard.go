// Package guard provides a keyed, FIFO mutual-exclusion arena. Each key gets
// its own lock on first use; the arena-wide mutex only protects bookkeeping
// and is never held while a caller owns a key.
//
// There is no implicit timeout: a holder that never releases blocks every
// later acquirer of the same key.
package guard

import (
	"container/list"
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	waitersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backupflow_guard_waiters",
		Help: "Callers queued for a pipeline execution slot.",
	})
	contentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backupflow_guard_contention_total",
		Help: "TryAcquire calls refused because the slot was held.",
	})
)

// Release gives up a slot. Calls after the first are no-ops.
type Release func()

type slot struct {
	held    bool
	waiters *list.List // of chan struct{}
}

// Guard is a keyed FIFO mutex arena. The zero value is not usable; call New.
type Guard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{slots: make(map[string]*slot)}
}

func (g *Guard) slotFor(key string) *slot {
	s, ok := g.slots[key]
	if !ok {
		s = &slot{waiters: list.New()}
		g.slots[key] = s
	}
	return s
}

// Acquire blocks until key is free and the caller is first in line. Waiting
// callers are granted the slot in arrival order. If ctx ends while queued the
// caller leaves the queue and ctx.Err() is returned.
func (g *Guard) Acquire(ctx context.Context, key string) (Release, error) {
	g.mu.Lock()
	s := g.slotFor(key)
	if !s.held {
		s.held = true
		g.mu.Unlock()
		return g.releaser(key), nil
	}
	ch := make(chan struct{})
	elem := s.waiters.PushBack(ch)
	waitersGauge.Inc()
	g.mu.Unlock()

	select {
	case <-ch:
		return g.releaser(key), nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ch:
			// Granted while we were giving up: pass it on.
			g.mu.Unlock()
			g.releaser(key)()
		default:
			s.waiters.Remove(elem)
			waitersGauge.Dec()
			g.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// TryAcquire takes key only if it is free and nobody is queued.
func (g *Guard) TryAcquire(key string) (Release, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slotFor(key)
	if s.held {
		contentionTotal.Inc()
		return nil, false
	}
	s.held = true
	return g.releaser(key), true
}

// Held reports whether key is currently owned.
func (g *Guard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	return ok && s.held
}

// Waiting returns the number of callers queued on key.
func (g *Guard) Waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	if !ok {
		return 0
	}
	return s.waiters.Len()
}

func (g *Guard) releaser(key string) Release {
	var once sync.Once
	return func() {
		once.Do(func() { g.release(key) })
	}
}

// release hands the slot straight to the oldest waiter, so the slot never
// appears free while someone is queued.
func (g *Guard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slots[key]
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		waitersGauge.Dec()
		close(front.Value.(chan struct{}))
		return
	}
	s.held = false
}
