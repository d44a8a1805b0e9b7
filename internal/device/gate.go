// internal/device/gate.go
package device

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a per-device exclusion token.
// At most one holder at a time; waiters are granted in arrival order.
type Gate struct {
	once sync.Once
	sem  *semaphore.Weighted

	held    atomic.Int32
	waiting atomic.Int32
}

func (g *Gate) init() {
	g.once.Do(func() { g.sem = semaphore.NewWeighted(1) })
}

// Acquire blocks until the token is granted or ctx is done.
// A ctx that is already done is refused even when the token is free.
// The returned release is idempotent and must be called on every exit path.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	g.init()

	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return nil, err
	}

	g.held.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.held.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

// Held reports whether the token is currently taken.
func (g *Gate) Held() bool {
	return g.held.Load() > 0
}

// Waiting returns the number of callers blocked in Acquire.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}

// ---- REGISTRY ----

// Gates hands out one Gate per device id.
type Gates struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

// NewGates creates an empty registry.
func NewGates() *Gates {
	return &Gates{gates: make(map[string]*Gate)}
}

// For returns the gate of a device, creating it on first use.
func (g *Gates) For(deviceID string) *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()

	gate, ok := g.gates[deviceID]
	if !ok {
		gate = &Gate{}
		g.gates[deviceID] = gate
	}
	return gate
}
