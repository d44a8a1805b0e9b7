// internal/store/snapshot.go
package store

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const snapshotVersion = 1

type snapshotEntry struct {
	Value     Value     `cbor:"1,keyasint"`
	Timestamp time.Time `cbor:"2,keyasint"`
}

type snapshotFile struct {
	Version int                      `cbor:"1,keyasint"`
	Points  map[string]snapshotEntry `cbor:"2,keyasint"`
}

// Snapshot writes every last known good value as CBOR.
// Health is not persisted.
func (s *Store) Snapshot(w io.Writer) error {
	s.mu.RLock()
	file := snapshotFile{
		Version: snapshotVersion,
		Points:  make(map[string]snapshotEntry, len(s.entries)),
	}
	for id, e := range s.entries {
		if !e.HasValue {
			continue
		}
		file.Points[id] = snapshotEntry{Value: e.Value.clone(), Timestamp: e.Timestamp}
	}
	s.mu.RUnlock()

	if err := cbor.NewEncoder(w).Encode(file); err != nil {
		return fmt.Errorf("store: snapshot encode: %w", err)
	}
	return nil
}

// Restore loads a snapshot. Restored values are Stale until the next poll.
// Points already present in the store are not overwritten.
func (s *Store) Restore(r io.Reader) (int, error) {
	var file snapshotFile
	if err := cbor.NewDecoder(r).Decode(&file); err != nil {
		return 0, fmt.Errorf("store: snapshot decode: %w", err)
	}
	if file.Version != snapshotVersion {
		return 0, fmt.Errorf("store: snapshot version %d unsupported", file.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, se := range file.Points {
		if _, exists := s.entries[id]; exists {
			continue
		}
		s.entries[id] = &PointValue{
			Value:     se.Value,
			Timestamp: se.Timestamp,
			Health:    Stale,
			HasValue:  true,
		}
		n++
	}
	return n, nil
}
