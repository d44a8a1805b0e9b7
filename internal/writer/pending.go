// internal/writer/pending.go
package writer

import (
	"sync"

	"github.com/tamzrod/fieldlink/internal/address"
)

// Pending tracks register ranges with a write submitted but not finished.
// The scheduler consults it before dispatching a read.
type Pending struct {
	mu     sync.Mutex
	next   uint64
	writes map[uint64]pendingWrite
}

type pendingWrite struct {
	device string
	rng    address.RegisterRange
}

// NewPending creates an empty registry.
func NewPending() *Pending {
	return &Pending{writes: make(map[uint64]pendingWrite)}
}

// Add registers a range and returns the function that removes it.
// The returned function is safe to call more than once.
func (p *Pending) Add(deviceID string, r address.RegisterRange) func() {
	p.mu.Lock()
	p.next++
	id := p.next
	p.writes[id] = pendingWrite{device: deviceID, rng: r}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.writes, id)
			p.mu.Unlock()
		})
	}
}

// Blocked reports whether a read of r on deviceID overlaps a pending write.
func (p *Pending) Blocked(deviceID string, r address.RegisterRange) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.writes {
		if w.device == deviceID && w.rng.Overlaps(r) {
			return true
		}
	}
	return false
}

// Len returns the number of pending writes.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}
