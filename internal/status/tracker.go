// internal/status/tracker.go
package status

import (
	"sync"
	"time"

	"github.com/tamzrod/fieldlink/internal/fault"
)

// Tracker derives per-device health from operation outcomes.
type Tracker struct {
	mu      sync.Mutex
	devices map[string]*Snapshot
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{devices: make(map[string]*Snapshot)}
}

// Observe records one operation outcome and reports whether the health code changed.
// terminal distinguishes a failure that exhausted its retries from one that
// will be retried.
func (t *Tracker) Observe(deviceID string, err error, terminal bool, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(deviceID)
	prev := s.Health

	if err == nil {
		// Recovery / OK
		s.Health = HealthOK
		s.LastError = fault.KindUnknown
		s.LastErrorCode = 0
		s.ErrorSince = time.Time{}
		s.LastOK = at
		return prev != s.Health
	}

	if s.ErrorSince.IsZero() {
		s.ErrorSince = at
	}
	s.LastError = fault.KindOf(err)
	s.LastErrorCode = fault.CodeOf(err)

	if terminal {
		s.Health = HealthError
	} else if s.Health != HealthError {
		s.Health = HealthStale
	}
	return prev != s.Health
}

// Disable marks a device as having nothing to poll.
func (t *Tracker) Disable(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(deviceID).Health = HealthDisabled
}

// Snapshot returns the state of one device with SecondsInError computed at now.
func (t *Tracker) Snapshot(deviceID string, now time.Time) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.devices[deviceID]
	if !ok {
		return Snapshot{}, false
	}

	out := *s
	if !out.ErrorSince.IsZero() {
		secs := now.Sub(out.ErrorSince) / time.Second
		switch {
		case secs < 0:
			secs = 0
		case secs > MaxSecondsInError:
			secs = MaxSecondsInError
		}
		out.SecondsInError = uint16(secs)
	}
	return out, true
}

// Retain drops devices for which keep returns false.
func (t *Tracker) Retain(keep func(deviceID string) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.devices {
		if !keep(id) {
			delete(t.devices, id)
		}
	}
}

func (t *Tracker) get(deviceID string) *Snapshot {
	s, ok := t.devices[deviceID]
	if !ok {
		s = &Snapshot{Health: HealthUnknown}
		t.devices[deviceID] = s
	}
	return s
}
