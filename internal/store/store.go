// internal/store/store.go
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/tamzrod/fieldlink/internal/fault"
)

// ErrNotFound is returned for a point that was never polled.
var ErrNotFound = errors.New("store: point not found")

// Update is one point write applied by Apply.
type Update struct {
	ID        string
	Value     Value
	Timestamp time.Time
}

// Store holds the last known value per point.
// All mutation is atomic from a reader's point of view.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*PointValue
	staleAfter map[string]time.Duration

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries:    make(map[string]*PointValue),
		staleAfter: make(map[string]time.Duration),
		now:        time.Now,
	}
}

// Track sets the age after which a Fresh value reads as Stale.
// 0 disables age-based staleness.
func (s *Store) Track(id string, staleAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if staleAfter <= 0 {
		delete(s.staleAfter, id)
		return
	}
	s.staleAfter[id] = staleAfter
}

// Update overwrites the value of one point and marks it Fresh.
func (s *Store) Update(id string, v Value, ts time.Time) {
	s.Apply([]Update{{ID: id, Value: v, Timestamp: ts}})
}

// Apply writes a batch under one lock: readers see all of it or none of it.
func (s *Store) Apply(updates []Update) {
	// copy outside the lock
	vals := make([]Value, len(updates))
	for i, u := range updates {
		vals[i] = u.Value.clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range updates {
		s.entries[u.ID] = &PointValue{
			Value:     vals[i],
			Timestamp: u.Timestamp,
			Health:    Fresh,
			HasValue:  true,
		}
	}
}

// Get returns the current value of a point.
func (s *Store) Get(id string) (PointValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return PointValue{}, ErrNotFound
	}

	pv := *e
	pv.Value = e.Value.clone()

	if pv.Health == Fresh {
		if after, ok := s.staleAfter[id]; ok && s.now().Sub(pv.Timestamp) > after {
			pv.Health = Stale
		}
	}
	return pv, nil
}

// MarkFailed sets Failed health and keeps the last good value.
func (s *Store) MarkFailed(id string, reason fault.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		e = &PointValue{}
		s.entries[id] = e
	}
	e.Health = Failed
	e.Reason = reason
}

// MarkStale downgrades a Fresh value to Stale. Points without a value, or
// already Failed, are left alone.
func (s *Store) MarkStale(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok && e.HasValue && e.Health == Fresh {
		e.Health = Stale
	}
}

// Retain drops every point for which keep returns false.
func (s *Store) Retain(keep func(id string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.entries {
		if !keep(id) {
			delete(s.entries, id)
		}
	}
	for id := range s.staleAfter {
		if !keep(id) {
			delete(s.staleAfter, id)
		}
	}
}

// Len returns the number of points with an entry.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
